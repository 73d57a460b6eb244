package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/autocore/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt < 10; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got <= 0 || got > time.Duration(float64(cfg.MaxDelay)*1.5) {
			t.Fatalf("attempt%d out of bounds: %v", attempt, got)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReadTimeout: -time.Second}.WithDefaults()
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.ConnectTimeout)
	}
	if cfg.WriteTimeout != 15*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.ReadTimeout != 0 {
		t.Fatalf("negative read timeout should disable deadline, got %v", cfg.ReadTimeout)
	}
	if cfg.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("unexpected backoff: %+v", cfg.Backoff)
	}
}

func TestDeadline(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1700000000, 0)
	if !Deadline(now, 0).IsZero() {
		t.Fatalf("zero timeout should produce no deadline")
	}
	if got := Deadline(now, time.Second); !got.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected deadline: %v", got)
	}
}

func TestRetrierCountsConsecutiveFailures(t *testing.T) {
	testlog.Start(t)
	r := NewRetrier(BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 25 * time.Millisecond})
	delays := []time.Duration{r.Fail(), r.Fail(), r.Fail()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("failure %d: got=%v want=%v", i+1, delays[i], want[i])
		}
	}
	if r.Failures() != 3 {
		t.Fatalf("unexpected failure count: %d", r.Failures())
	}
	r.Reset()
	if r.Failures() != 0 || r.Fail() != 10*time.Millisecond {
		t.Fatalf("reset should restart the schedule")
	}
}
