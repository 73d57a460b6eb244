package client

import (
	"context"
	"errors"
	"math"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/autocore/internal/codec"
	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/protocol/session"
	"github.com/danmuck/autocore/internal/relay"
	"github.com/danmuck/autocore/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

func startRelay(t *testing.T) (*relay.Broker, Config) {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.ObserverPort = 0
	cfg.NotifierPort = 0
	b := relay.New(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b, clientConfig(b.ObserverAddr(), b.NotifierAddr())
}

func clientConfig(observerAddr, notifierAddr string) Config {
	return Config{
		ObserverAddr: observerAddr,
		NotifierAddr: notifierAddr,
		Session: session.Config{
			ConnectTimeout: time.Second,
			WriteTimeout:   time.Second,
			Backoff: session.BackoffConfig{
				InitialDelay: 10 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     50 * time.Millisecond,
			},
		},
	}
}

// deadAddr returns a loopback address with nothing listening on it.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitPending(t *testing.T, b *relay.Broker, subject string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Pending(subject) == n }, 3*time.Second, 5*time.Millisecond,
		"pending registrations for %q", subject)
}

// waitCycle blocks until the observer has re-registered for its nth cycle.
func waitCycle(t *testing.T, b *relay.Broker, sub *Subscription, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sub.Cycles() >= n && b.Pending(sub.Subject()) == 1
	}, 3*time.Second, 5*time.Millisecond, "observer cycle %d", n)
}

func TestObserverReceivesPublishedValue(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	got := make(chan string, 4)
	sub := Observe(context.Background(), "temperature", codec.String{}, func(v string) { got <- v }, cfg)
	t.Cleanup(sub.Stop)
	waitPending(t, b, "temperature", 1)

	require.NoError(t, NewNotifier("temperature", codec.String{}, cfg).Notify(context.Background(), "22.5"))

	select {
	case v := <-got:
		require.Equal(t, "22.5", v)
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not receive value")
	}
	require.Eventually(t, func() bool { return sub.Deliveries() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishBetweenCyclesIsNotDelivered(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	gate := make(chan struct{})
	var calls atomic.Int32
	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {
		if calls.Add(1) == 1 {
			<-gate
		}
	}, cfg)
	t.Cleanup(sub.Stop)
	waitPending(t, b, "temperature", 1)

	n := NewNotifier("temperature", codec.String{}, cfg)
	require.NoError(t, n.Notify(context.Background(), "first"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 5*time.Millisecond)

	// The callback is still running, so no registration is pending.
	require.Equal(t, 0, b.Pending("temperature"))
	require.NoError(t, n.Notify(context.Background(), "second"))
	time.Sleep(50 * time.Millisecond)

	close(gate)
	waitCycle(t, b, sub, 2)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestConcurrentObserversEachReceive(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	got := make(chan float64, 4)
	cb := func(r reading) { got <- r.Value }
	first := Observe(context.Background(), "sensors", codec.JSON[reading]{}, cb, cfg)
	second := Observe(context.Background(), "sensors", codec.JSON[reading]{}, cb, cfg)
	t.Cleanup(first.Stop)
	t.Cleanup(second.Stop)
	waitPending(t, b, "sensors", 2)

	n := NewNotifier("sensors", codec.JSON[reading]{}, cfg)
	require.NoError(t, n.Notify(context.Background(), reading{Sensor: "a", Value: 1.5}))

	for range 2 {
		select {
		case v := <-got:
			require.Equal(t, 1.5, v)
		case <-time.After(3 * time.Second):
			t.Fatal("observer did not receive value")
		}
	}
}

func TestObserverSkipsUndecodablePayload(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	got := make(chan reading, 2)
	sub := Observe(context.Background(), "sensors", codec.JSON[reading]{}, func(r reading) { got <- r }, cfg)
	t.Cleanup(sub.Stop)
	waitPending(t, b, "sensors", 1)

	require.NoError(t, Publish(context.Background(), cfg, "sensors", []byte("not json")))
	waitCycle(t, b, sub, 2)
	require.NoError(t, NewNotifier("sensors", codec.JSON[reading]{}, cfg).
		Notify(context.Background(), reading{Sensor: "b", Value: 3}))

	select {
	case r := <-got:
		require.Equal(t, reading{Sensor: "b", Value: 3}, r)
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not receive value after decode error")
	}
	require.NoError(t, sub.Err())
}

func TestObserverRecoversCallbackPanic(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	got := make(chan string, 2)
	sub := Observe(context.Background(), "alerts", codec.String{}, func(v string) {
		if v == "boom" {
			panic("callback exploded")
		}
		got <- v
	}, cfg)
	t.Cleanup(sub.Stop)
	waitPending(t, b, "alerts", 1)

	n := NewNotifier("alerts", codec.String{}, cfg)
	require.NoError(t, n.Notify(context.Background(), "boom"))
	waitCycle(t, b, sub, 2)
	require.NoError(t, n.Notify(context.Background(), "ok"))

	select {
	case v := <-got:
		require.Equal(t, "ok", v)
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not survive callback panic")
	}
	require.Equal(t, uint64(1), sub.Deliveries())
}

func TestObserverStopsWhenBrokerCloses(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	waitPending(t, b, "temperature", 1)
	require.NoError(t, b.Close())

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not stop after broker closed")
	}
	require.Error(t, sub.Err())
}

func TestObserverFailsWithoutBroker(t *testing.T) {
	testlog.Start(t)
	addr := deadAddr(t)
	cfg := clientConfig(addr, addr)

	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not stop")
	}
	require.ErrorIs(t, sub.Err(), ErrBrokerUnavailable)
	require.Equal(t, uint64(0), sub.Cycles())
}

func TestObserverRetriesBeforeFailing(t *testing.T) {
	testlog.Start(t)
	addr := deadAddr(t)
	cfg := clientConfig(addr, addr)
	cfg.MaxReconnectAttempts = 3

	started := time.Now()
	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not stop")
	}
	require.ErrorIs(t, sub.Err(), ErrBrokerUnavailable)
	// backoff sleeps of 10ms, 20ms and 40ms precede the final failure
	require.GreaterOrEqual(t, time.Since(started), 70*time.Millisecond)
}

func TestObserverReconnectsAfterBrokerRestart(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)
	cfg.MaxReconnectAttempts = 50

	got := make(chan string, 1)
	sub := Observe(context.Background(), "temperature", codec.String{}, func(v string) { got <- v }, cfg)
	t.Cleanup(sub.Stop)
	waitPending(t, b, "temperature", 1)

	obsAddr, notAddr := b.ObserverAddr(), b.NotifierAddr()
	require.NoError(t, b.Close())

	restarted := relay.New(relayConfigFor(t, obsAddr, notAddr))
	require.NoError(t, restarted.Start(context.Background()))
	t.Cleanup(func() { _ = restarted.Close() })
	waitPending(t, restarted, "temperature", 1)

	require.NoError(t, NewNotifier("temperature", codec.String{}, cfg).Notify(context.Background(), "back"))
	select {
	case v := <-got:
		require.Equal(t, "back", v)
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not reconnect")
	}
}

func relayConfigFor(t *testing.T, observerAddr, notifierAddr string) relay.Config {
	t.Helper()
	cfg := relay.DefaultConfig()
	host, obsPort, err := splitPort(observerAddr)
	require.NoError(t, err)
	_, notPort, err := splitPort(notifierAddr)
	require.NoError(t, err)
	cfg.Host = host
	cfg.ObserverPort = obsPort
	cfg.NotifierPort = notPort
	return cfg
}

func splitPort(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := net.LookupPort("tcp", port)
	return host, p, err
}

func TestStopEndsObserverCleanly(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)

	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	waitPending(t, b, "temperature", 1)
	sub.Stop()

	require.NoError(t, sub.Err())
	waitPending(t, b, "temperature", 0)
}

func TestObserveRejectsInvalidSubject(t *testing.T) {
	testlog.Start(t)
	sub := Observe(context.Background(), "a##b", codec.String{}, func(string) {}, DefaultConfig())
	<-sub.Done()
	require.ErrorIs(t, sub.Err(), frame.ErrInvalidSubject)
}

func TestNotifyWithoutBrokerReturnsError(t *testing.T) {
	testlog.Start(t)
	addr := deadAddr(t)
	err := NewNotifier("temperature", codec.String{}, clientConfig(addr, addr)).
		Notify(context.Background(), "22.5")
	require.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestNotifyRejectsInvalidSubject(t *testing.T) {
	testlog.Start(t)
	_, cfg := startRelay(t)
	err := NewNotifier("", codec.String{}, cfg).Notify(context.Background(), "x")
	require.ErrorIs(t, err, frame.ErrInvalidSubject)
}

func TestNotifyEncodeFailure(t *testing.T) {
	testlog.Start(t)
	_, cfg := startRelay(t)
	err := NewNotifier("values", codec.JSON[float64]{}, cfg).Notify(context.Background(), math.NaN())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBrokerUnavailable))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.ErrorIs(t, Config{ObserverAddr: "nope", NotifierAddr: "127.0.0.1:1"}.Validate(), ErrInvalidConfig)
}

func TestObserverRegistrationWriteTimeoutFails(t *testing.T) {
	testlog.Start(t)
	_, cfg := startRelay(t)
	// a deadline already in the past by the time the registration is written
	cfg.Session.WriteTimeout = time.Nanosecond

	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		sub.Stop()
		t.Fatal("observer kept re-registering after a write timeout")
	}
	require.Error(t, sub.Err())
	require.Equal(t, uint64(0), sub.Cycles())
}

func TestObserverReadTimeoutReRegisters(t *testing.T) {
	testlog.Start(t)
	b, cfg := startRelay(t)
	cfg.Session.ReadTimeout = 50 * time.Millisecond

	sub := Observe(context.Background(), "temperature", codec.String{}, func(string) {}, cfg)
	t.Cleanup(sub.Stop)

	require.Eventually(t, func() bool { return sub.Cycles() >= 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, sub.Err())
	select {
	case <-sub.Done():
		t.Fatal("read timeouts must not stop the observer")
	default:
	}
	waitPending(t, b, "temperature", 1)
}
