package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/autocore/internal/observability"
	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBind           = errors.New("relay: listener bind failed")
	ErrAlreadyStarted = errors.New("relay: broker already started")
	ErrInvalidConfig  = errors.New("relay: invalid config")
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultObserverPort = 8000
	DefaultNotifierPort = 8001
)

// Config configures one broker instance.
type Config struct {
	Host         string
	ObserverPort int
	NotifierPort int

	// MaxConnections bounds concurrent connection workers; <= 0 is unbounded.
	MaxConnections int
	// MaxPending bounds held observer registrations; <= 0 is unbounded.
	MaxPending int

	// ReadTimeout bounds reading the single frame of a connection.
	ReadTimeout time.Duration
	// WriteTimeout bounds forwarding a frame to one observer.
	WriteTimeout time.Duration

	Limits frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Host:           DefaultHost,
		ObserverPort:   DefaultObserverPort,
		NotifierPort:   DefaultNotifierPort,
		MaxConnections: 256,
		MaxPending:     4096,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Limits:         frame.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	if c.ObserverPort < 0 || c.ObserverPort > 65535 {
		return fmt.Errorf("%w: observer port %d", ErrInvalidConfig, c.ObserverPort)
	}
	if c.NotifierPort < 0 || c.NotifierPort > 65535 {
		return fmt.Errorf("%w: notifier port %d", ErrInvalidConfig, c.NotifierPort)
	}
	if c.ObserverPort != 0 && c.ObserverPort == c.NotifierPort {
		return fmt.Errorf("%w: observer and notifier share port %d", ErrInvalidConfig, c.ObserverPort)
	}
	return nil
}

func (c Config) ObserverAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ObserverPort))
}

func (c Config) NotifierAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.NotifierPort))
}

// RouteResult summarizes one routed publish.
type RouteResult struct {
	Subject string
	Sent    int
	Failed  int
}

// Broker relays frames from notifiers to pending observers.
type Broker struct {
	cfg   Config
	table *SubjectTable

	workers  errgroup.Group
	loops    sync.WaitGroup
	watchers sync.WaitGroup
	active   atomic.Int64

	mu        sync.Mutex
	started   bool
	closed    bool
	listeners map[string]net.Listener
	conns     map[net.Conn]struct{}
	stopCtx   func() bool
	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) *Broker {
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	b := &Broker{
		cfg:       cfg,
		table:     NewSubjectTable(),
		listeners: make(map[string]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		b.workers.SetLimit(cfg.MaxConnections)
	}
	return b
}

func (b *Broker) Config() Config {
	return b.cfg
}

// Start binds the observer and notifier listeners. A listener that fails to
// bind is skipped and the others keep serving; bind failures come back
// joined and wrapped in ErrBind. Cancelling ctx closes the broker.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()

	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	endpoints := []struct {
		name   string
		addr   string
		handle func(net.Conn)
	}{
		{observability.ListenerObserver, b.cfg.ObserverAddr(), b.handleObserver},
		{observability.ListenerNotifier, b.cfg.NotifierAddr(), b.handleNotifier},
	}

	var lc net.ListenConfig
	var errs []error
	for _, ep := range endpoints {
		ln, err := lc.Listen(ctx, "tcp", ep.addr)
		if err != nil {
			log.Warn().
				Str("listener", ep.name).
				Str("addr", ep.addr).
				Err(err).
				Msg("relay listener bind failed")
			errs = append(errs, fmt.Errorf("%w: %s %s: %v", ErrBind, ep.name, ep.addr, err))
			continue
		}
		b.mu.Lock()
		b.listeners[ep.name] = ln
		b.mu.Unlock()

		b.loops.Add(1)
		go b.serve(ep.name, ln, ep.handle)
	}

	b.mu.Lock()
	b.stopCtx = context.AfterFunc(ctx, func() { _ = b.Close() })
	b.mu.Unlock()
	return errors.Join(errs...)
}

// Addr returns the bound address of a listener, or "" when it is not up.
func (b *Broker) Addr(listener string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ln, ok := b.listeners[listener]
	if !ok {
		return ""
	}
	return ln.Addr().String()
}

func (b *Broker) ObserverAddr() string {
	return b.Addr(observability.ListenerObserver)
}

func (b *Broker) NotifierAddr() string {
	return b.Addr(observability.ListenerNotifier)
}

// Pending returns the number of registrations waiting on subject.
func (b *Broker) Pending(subject string) int {
	return b.table.Pending(subject)
}

func (b *Broker) PendingTotal() int {
	return b.table.Len()
}

func (b *Broker) Subjects() map[string]int {
	return b.table.Subjects()
}

// ActiveWorkers returns the number of connection handlers currently running.
func (b *Broker) ActiveWorkers() int {
	return int(b.active.Load())
}

// Close stops the listeners, releases every held connection, and waits for
// the workers to exit.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		if b.stopCtx != nil {
			b.stopCtx()
		}
		var errs []error
		for name, ln := range b.listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close %s listener: %w", name, err))
			}
		}
		for conn := range b.conns {
			_ = conn.Close()
		}
		b.mu.Unlock()

		b.loops.Wait()
		_ = b.workers.Wait()
		b.watchers.Wait()

		drained := b.table.Drain()
		for _, reg := range drained {
			_ = reg.Conn.Close()
		}
		observability.AddPending(-len(drained))
		b.closeErr = errors.Join(errs...)
		log.Info().Int("dropped_registrations", len(drained)).Msg("relay closed")
	})
	return b.closeErr
}

func (b *Broker) serve(name string, ln net.Listener, handle func(net.Conn)) {
	defer b.loops.Done()
	log.Info().Str("listener", name).Str("addr", ln.Addr().String()).Msg("relay listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("listener", name).Err(err).Msg("relay accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		observability.RecordConnection(name)
		if !b.track(conn) {
			_ = conn.Close()
			return
		}

		ok := b.workers.TryGo(func() error {
			b.active.Add(1)
			defer b.active.Add(-1)
			handle(conn)
			return nil
		})
		if !ok {
			observability.RecordRejected(name, "workers")
			log.Warn().
				Str("listener", name).
				Str("remote", conn.RemoteAddr().String()).
				Int("max_connections", b.cfg.MaxConnections).
				Msg("relay worker limit reached; connection rejected")
			b.release(conn)
		}
	}
}

// handleNotifier decodes one publish and routes it.
func (b *Broker) handleNotifier(conn net.Conn) {
	defer b.release(conn)
	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("relay connected to notifier")

	_ = conn.SetReadDeadline(session.Deadline(time.Now(), b.cfg.ReadTimeout))
	f, err := frame.ReadFrame(conn, b.cfg.Limits)
	if errors.Is(err, io.EOF) {
		log.Debug().Str("remote", remote).Msg("relay notifier closed before publishing")
		return
	}
	if err != nil {
		observability.RecordFrameError(observability.ListenerNotifier)
		log.Warn().Str("remote", remote).Err(err).Msg("relay notifier frame rejected")
		return
	}
	b.Route(f)
}

// handleObserver decodes one registration frame and parks the connection in
// the subject table until a publish consumes it or the peer goes away.
func (b *Broker) handleObserver(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("relay connected to observer")

	_ = conn.SetReadDeadline(session.Deadline(time.Now(), b.cfg.ReadTimeout))
	dec := frame.NewDecoder(conn, b.cfg.Limits)
	f, err := dec.ReadFrame()
	if errors.Is(err, io.EOF) {
		// liveness probes connect and hang up without registering
		log.Debug().Str("remote", remote).Msg("relay observer closed before registering")
		b.release(conn)
		return
	}
	if err != nil {
		observability.RecordFrameError(observability.ListenerObserver)
		log.Warn().Str("remote", remote).Err(err).Msg("relay observer frame rejected")
		b.release(conn)
		return
	}
	if dec.Buffered() > 0 {
		observability.RecordFrameError(observability.ListenerObserver)
		log.Warn().Str("remote", remote).Str("subject", f.Subject).Msg("relay observer sent bytes past registration")
		b.release(conn)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if len(f.Payload) > 0 {
		log.Warn().Str("remote", remote).Str("subject", f.Subject).Int("bytes", len(f.Payload)).
			Msg("relay registration payload ignored")
	}

	reg := &Registration{
		ID:           uuid.NewString(),
		Subject:      f.Subject,
		Conn:         conn,
		RegisteredAt: time.Now(),
	}
	if err := b.table.Add(reg, b.cfg.MaxPending); err != nil {
		observability.RecordRejected(observability.ListenerObserver, "pending")
		log.Warn().Str("remote", remote).Str("subject", f.Subject).Err(err).Msg("relay registration rejected")
		b.release(conn)
		return
	}
	observability.AddPending(1)
	log.Debug().Str("registration", reg.ID).Str("subject", reg.Subject).Str("remote", remote).Msg("relay observer registered")

	b.watchers.Add(1)
	go b.watch(reg)
}

// watch blocks on a pending connection so that a peer close or stray bytes
// abandon the registration. Once a publish takes the registration the
// delivery path owns the close and watch only exits.
func (b *Broker) watch(reg *Registration) {
	defer b.watchers.Done()
	defer b.untrack(reg.Conn)

	var scratch [64]byte
	for {
		n, err := reg.Conn.Read(scratch[:])
		if err != nil {
			break
		}
		if n > 0 {
			log.Warn().Str("registration", reg.ID).Str("subject", reg.Subject).Msg("relay pending observer sent unexpected bytes")
			break
		}
	}
	if b.table.Remove(reg) {
		observability.AddPending(-1)
		_ = reg.Conn.Close()
		log.Debug().Str("registration", reg.ID).Str("subject", reg.Subject).Msg("relay observer registration abandoned")
	}
}

// Route forwards f to every registration pending under its subject at the
// moment of the call. Each taken registration is consumed whether or not
// its send succeeds; a failed send never affects the others.
func (b *Broker) Route(f frame.Frame) RouteResult {
	start := time.Now()
	regs := b.table.Take(f.Subject)
	observability.AddPending(-len(regs))

	res := RouteResult{Subject: f.Subject}
	if len(regs) == 0 {
		observability.RecordPublish(0, 0, time.Since(start))
		log.Debug().Str("subject", f.Subject).Msg("relay publish had no pending observers")
		return res
	}

	wire := frame.Encode(f.Subject, f.Payload)
	for _, reg := range regs {
		if err := b.deliver(reg, wire); err != nil {
			res.Failed++
			log.Warn().
				Str("registration", reg.ID).
				Str("subject", reg.Subject).
				Err(err).
				Msg("relay delivery failed")
			continue
		}
		res.Sent++
	}
	observability.RecordPublish(res.Sent, res.Failed, time.Since(start))
	log.Debug().Str("subject", f.Subject).Int("sent", res.Sent).Int("failed", res.Failed).Msg("relay publish routed")
	return res
}

func (b *Broker) deliver(reg *Registration, wire []byte) error {
	defer reg.Conn.Close()
	_ = reg.Conn.SetWriteDeadline(session.Deadline(time.Now(), b.cfg.WriteTimeout))
	_, err := reg.Conn.Write(wire)
	return err
}

// Closed reports whether Close has begun, either called directly or through
// cancellation of the Start context.
func (b *Broker) Closed() bool {
	return b.isClosed()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) track(conn net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[conn] = struct{}{}
	return true
}

func (b *Broker) untrack(conn net.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

func (b *Broker) release(conn net.Conn) {
	b.untrack(conn)
	_ = conn.Close()
}
