// Package bootstrap makes sure exactly one relay broker serves a host/port
// pair. The first caller binds and owns the broker; later callers, in this
// process or others, join the running one.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/danmuck/autocore/internal/relay"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

var (
	ErrStartupTimeout = errors.New("bootstrap: relay did not become reachable")
	ErrLock           = errors.New("bootstrap: relay lock failed")
)

type Mode string

const (
	// ModeOwner means this process bound the listeners.
	ModeOwner Mode = "owner"
	// ModeJoined means another broker already answered on the observer port.
	ModeJoined Mode = "joined"
)

type Options struct {
	// LockDir holds the election lock files. Defaults to os.TempDir().
	LockDir        string
	ProbeTimeout   time.Duration
	StartupTimeout time.Duration
	Backoff        session.BackoffConfig
}

func DefaultOptions() Options {
	return Options{
		LockDir:        os.TempDir(),
		ProbeTimeout:   500 * time.Millisecond,
		StartupTimeout: 5 * time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       true,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.LockDir) == "" {
		o.LockDir = d.LockDir
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// Handle is the outcome of Initialize. Broker is nil for joined handles.
type Handle struct {
	System string
	Mode   Mode
	Addr   string
	Broker *relay.Broker

	lock      *flock.Flock
	stopCtx   func() bool
	closeOnce sync.Once
	closeErr  error
}

func (h *Handle) Owner() bool {
	return h.Mode == ModeOwner
}

// Close stops an owned broker and releases the election lock. It is a no-op
// for joined handles.
func (h *Handle) Close() error {
	if !h.Owner() {
		return nil
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	forget(h)
	return h.release()
}

// release stops the broker and drops the lock. registryMu must be held so
// that a concurrent election never sees the lock between the two steps.
func (h *Handle) release() error {
	h.closeOnce.Do(func() {
		if h.stopCtx != nil {
			h.stopCtx()
		}
		var errs []error
		if h.Broker != nil {
			errs = append(errs, h.Broker.Close())
		}
		if h.lock != nil {
			if err := h.lock.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("%w: unlock %s: %v", ErrLock, h.lock.Path(), err))
			}
		}
		h.closeErr = errors.Join(errs...)
		log.Info().Str("system", h.System).Str("addr", h.Addr).Msg("relay released")
	})
	return h.closeErr
}

// forget drops h from the registry. registryMu must be held.
func forget(h *Handle) {
	if registry[h.Addr] == h {
		delete(registry, h.Addr)
	}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Handle{}
)

// Probe reports whether something accepts TCP connections on addr.
func Probe(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// LockPath names the election lock for a broker config.
func LockPath(dir string, cfg relay.Config) string {
	host := strings.NewReplacer(":", "_", "/", "_", "%", "_").Replace(cfg.Host)
	return filepath.Join(dir, fmt.Sprintf("autocore-relay-%s-%d.lock", host, cfg.ObserverPort))
}

// Initialize joins the broker already answering on cfg's observer address or
// starts one. ctx bounds the lifetime of a broker started here; cancelling it
// releases the handle as Close would. When only one listener binds the handle
// is returned together with the bind error.
func Initialize(ctx context.Context, systemName string, cfg relay.Config, opts Options) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	addr := cfg.ObserverAddr()

	registryMu.Lock()
	h, wait, err := elect(ctx, systemName, cfg, opts)
	registryMu.Unlock()
	if !wait {
		return h, err
	}

	log.Info().Str("system", systemName).Str("lock", LockPath(opts.LockDir, cfg)).Msg("relay election held elsewhere; waiting")
	if err := awaitReachable(ctx, addr, opts); err != nil {
		return nil, err
	}
	return joined(systemName, addr), nil
}

// elect runs the probe/lock/start sequence. wait is true when another holder
// owns the lock and the caller must wait for its broker. registryMu must be
// held.
func elect(ctx context.Context, systemName string, cfg relay.Config, opts Options) (*Handle, bool, error) {
	addr := cfg.ObserverAddr()
	if h, ok := registry[addr]; ok {
		if !h.Broker.Closed() {
			log.Debug().Str("system", systemName).Str("addr", addr).Msg("relay already initialized in process")
			return h, false, nil
		}
		forget(h)
		_ = h.release()
		log.Info().Str("system", systemName).Str("addr", addr).Msg("relay handle stale; re-electing")
	}

	if Probe(ctx, addr, opts.ProbeTimeout) {
		return joined(systemName, addr), false, nil
	}

	lock := flock.New(LockPath(opts.LockDir, cfg))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrLock, lock.Path(), err)
	}
	if !locked {
		return nil, true, nil
	}

	if Probe(ctx, addr, opts.ProbeTimeout) {
		_ = lock.Unlock()
		return joined(systemName, addr), false, nil
	}

	b := relay.New(cfg)
	startErr := b.Start(ctx)
	if startErr != nil && b.ObserverAddr() == "" && b.NotifierAddr() == "" {
		_ = b.Close()
		_ = lock.Unlock()
		return nil, false, startErr
	}

	h := &Handle{
		System: systemName,
		Mode:   ModeOwner,
		Addr:   addr,
		Broker: b,
		lock:   lock,
	}
	h.stopCtx = context.AfterFunc(ctx, func() { _ = h.Close() })
	registry[addr] = h
	log.Info().
		Str("system", systemName).
		Str("observer", b.ObserverAddr()).
		Str("notifier", b.NotifierAddr()).
		Msg("relay initialized")
	return h, false, startErr
}

func joined(systemName, addr string) *Handle {
	log.Info().Str("system", systemName).Str("addr", addr).Msg("relay already running; joined")
	return &Handle{System: systemName, Mode: ModeJoined, Addr: addr}
}

func awaitReachable(ctx context.Context, addr string, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	retry := session.NewRetrier(opts.Backoff)
	for {
		if Probe(ctx, addr, opts.ProbeTimeout) {
			return nil
		}
		timer := time.NewTimer(retry.Fail())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, addr, opts.StartupTimeout)
		case <-timer.C:
		}
	}
}
