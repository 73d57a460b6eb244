package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/autocore/internal/codec"
	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Observer runs a register/wait/dispatch cycle for one subject. Each cycle
// opens a fresh registration, so publishes that land between two cycles are
// not seen.
type Observer[T any] struct {
	subject  string
	codec    codec.Codec[T]
	callback func(T)
	cfg      Config
}

func NewObserver[T any](subject string, c codec.Codec[T], callback func(T), cfg Config) *Observer[T] {
	return &Observer[T]{
		subject:  subject,
		codec:    c,
		callback: callback,
		cfg:      cfg.WithDefaults(),
	}
}

// Observe starts an observer loop in the background and returns its handle.
func Observe[T any](ctx context.Context, subject string, c codec.Codec[T], callback func(T), cfg Config) *Subscription {
	return NewObserver(subject, c, callback, cfg).Start(ctx)
}

// Subscription tracks a running observer loop.
type Subscription struct {
	subject string
	cancel  context.CancelFunc
	done    chan struct{}

	deliveries atomic.Uint64
	cycles     atomic.Uint64

	mu  sync.Mutex
	err error
}

func (s *Subscription) Subject() string {
	return s.subject
}

// Done is closed once the loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the loop stopped. It is nil while running and after Stop
// or context cancellation.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the loop and waits for it to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Deliveries counts values handed to the callback.
func (s *Subscription) Deliveries() uint64 {
	return s.deliveries.Load()
}

// Cycles counts registration frames sent. The broker may still reject one
// (pending limit, malformed frame), so this is an upper bound on accepted
// registrations.
func (s *Subscription) Cycles() uint64 {
	return s.cycles.Load()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (o *Observer[T]) Start(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		subject: o.subject,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := frame.ValidateSubject(o.subject); err != nil {
		sub.fail(err)
		cancel()
		close(sub.done)
		return sub
	}
	go o.run(ctx, sub)
	return sub
}

func (o *Observer[T]) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer sub.cancel()

	log.Info().Str("subject", o.subject).Str("addr", o.cfg.ObserverAddr).Msg("observer started")
	retry := session.NewRetrier(o.cfg.Session.Backoff)
	for {
		if ctx.Err() != nil {
			log.Info().Str("subject", o.subject).Msg("observer stopped")
			return
		}

		f, expired, err := o.cycle(ctx, sub)
		if err == nil {
			retry.Reset()
			o.dispatch(sub, f)
			continue
		}
		if ctx.Err() != nil {
			log.Info().Str("subject", o.subject).Msg("observer stopped")
			return
		}
		if expired {
			log.Debug().Str("subject", o.subject).Msg("observer wait timed out; re-registering")
			continue
		}

		delay := retry.Fail()
		if retry.Failures() > o.cfg.MaxReconnectAttempts {
			sub.fail(err)
			log.Error().Str("subject", o.subject).Err(err).Int("failures", retry.Failures()).Msg("observer terminated")
			return
		}
		log.Warn().
			Str("subject", o.subject).
			Err(err).
			Int("attempt", retry.Failures()).
			Dur("retry_in", delay).
			Msg("observer connection failed")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// cycle registers on a fresh connection and blocks until one frame arrives.
// expired is set only when the wait for a delivery hit the read deadline.
func (o *Observer[T]) cycle(ctx context.Context, sub *Subscription) (f frame.Frame, expired bool, err error) {
	conn, err := dial(ctx, o.cfg, o.cfg.ObserverAddr)
	if err != nil {
		return frame.Frame{}, false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(session.Deadline(time.Now(), o.cfg.Session.WriteTimeout))
	if err := frame.WriteFrame(conn, frame.Frame{Subject: o.subject}, o.cfg.Limits); err != nil {
		return frame.Frame{}, false, fmt.Errorf("register %q: %w", o.subject, err)
	}
	sub.cycles.Add(1)
	log.Debug().Str("subject", o.subject).Msg("observer registered")

	_ = conn.SetReadDeadline(session.Deadline(time.Now(), o.cfg.Session.ReadTimeout))
	f, err = frame.ReadFrame(conn, o.cfg.Limits)
	if err != nil {
		return frame.Frame{}, isTimeout(err), fmt.Errorf("await %q: %w", o.subject, err)
	}
	return f, false, nil
}

func (o *Observer[T]) dispatch(sub *Subscription, f frame.Frame) {
	if f.Subject != o.subject {
		log.Warn().Str("subject", o.subject).Str("received", f.Subject).Msg("observer dropped frame for another subject")
		return
	}
	value, err := o.codec.Decode(f.Payload)
	if err != nil {
		log.Warn().Str("subject", o.subject).Err(err).Int("bytes", len(f.Payload)).Msg("observer payload decode failed")
		return
	}
	if err := o.invoke(value); err != nil {
		log.Error().Str("subject", o.subject).Err(err).Msg("observer callback failed")
		return
	}
	sub.deliveries.Add(1)
}

func (o *Observer[T]) invoke(value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()
	o.callback(value)
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
