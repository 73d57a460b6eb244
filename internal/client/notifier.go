package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/autocore/internal/codec"
	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Notifier publishes values under one subject.
type Notifier[T any] struct {
	subject string
	codec   codec.Codec[T]
	cfg     Config
}

func NewNotifier[T any](subject string, c codec.Codec[T], cfg Config) *Notifier[T] {
	return &Notifier[T]{
		subject: subject,
		codec:   c,
		cfg:     cfg.WithDefaults(),
	}
}

func (n *Notifier[T]) Subject() string {
	return n.subject
}

// Notify sends value on a fresh connection. There is no acknowledgement:
// a nil error means the frame was written, not that anyone observed it.
func (n *Notifier[T]) Notify(ctx context.Context, value T) error {
	payload, err := n.codec.Encode(value)
	if err != nil {
		log.Warn().Str("subject", n.subject).Err(err).Msg("notify encode failed")
		return fmt.Errorf("notify %q: encode: %w", n.subject, err)
	}
	return Publish(ctx, n.cfg, n.subject, payload)
}

// Publish writes one raw frame to the notifier endpoint and hangs up.
func Publish(ctx context.Context, cfg Config, subject string, payload []byte) error {
	cfg = cfg.WithDefaults()
	if err := frame.ValidateSubject(subject); err != nil {
		return err
	}

	conn, err := dial(ctx, cfg, cfg.NotifierAddr)
	if err != nil {
		log.Warn().
			Str("subject", subject).
			Str("addr", cfg.NotifierAddr).
			Err(err).
			Msg("notify failed; is the relay initialized?")
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(session.Deadline(time.Now(), cfg.Session.WriteTimeout))
	if err := frame.WriteFrame(conn, frame.Frame{Subject: subject, Payload: payload}, cfg.Limits); err != nil {
		log.Warn().Str("subject", subject).Err(err).Msg("notify write failed")
		return fmt.Errorf("notify %q: %w", subject, err)
	}
	return nil
}

func dial(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, addr, err)
	}
	return conn, nil
}
