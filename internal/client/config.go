package client

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/danmuck/autocore/internal/relay"
)

var (
	ErrBrokerUnavailable = errors.New("client: broker unavailable")
	ErrCallbackPanic     = errors.New("client: observer callback panicked")
	ErrInvalidConfig     = errors.New("client: invalid config")
)

// Config locates the relay endpoints a client talks to.
type Config struct {
	ObserverAddr string
	NotifierAddr string
	Session      session.Config
	Limits       frame.Limits

	// MaxReconnectAttempts is how many consecutive socket failures an
	// observer absorbs, with backoff, before it stops. Zero stops on the
	// first failure.
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return ConfigFor(relay.DefaultConfig())
}

// ConfigFor points a client at the endpoints of a broker config.
func ConfigFor(cfg relay.Config) Config {
	return Config{
		ObserverAddr: cfg.ObserverAddr(),
		NotifierAddr: cfg.NotifierAddr(),
		Session:      session.DefaultConfig(),
		Limits:       frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ObserverAddr) == "" {
		c.ObserverAddr = d.ObserverAddr
	}
	if strings.TrimSpace(c.NotifierAddr) == "" {
		c.NotifierAddr = d.NotifierAddr
	}
	c.Session = c.Session.WithDefaults()
	if c.Limits == (frame.Limits{}) {
		c.Limits = d.Limits
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	return c
}

func (c Config) Validate() error {
	for name, addr := range map[string]string{"observer": c.ObserverAddr, "notifier": c.NotifierAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: %s addr %q: %v", ErrInvalidConfig, name, addr, err)
		}
	}
	return nil
}
