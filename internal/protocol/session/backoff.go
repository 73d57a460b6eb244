package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the delay before retry attempt n (1-based):
// InitialDelay grown by Multiplier per attempt, capped at MaxDelay, then
// scaled into [0.5, 1.5) when Jitter is set.
func NextBackoffDelay(cfg BackoffConfig, n int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if n <= 1 {
		return cfg.InitialDelay
	}
	growth := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(growth, float64(n-1))
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if !cfg.Jitter {
		return time.Duration(delay)
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(delay * scale)
}

// Retrier tracks consecutive failures of one retry loop.
type Retrier struct {
	cfg      BackoffConfig
	rng      *rand.Rand
	failures int
}

func NewRetrier(cfg BackoffConfig) *Retrier {
	return &Retrier{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fail records a failure and returns the delay to wait before retrying.
func (r *Retrier) Fail() time.Duration {
	r.failures++
	return NextBackoffDelay(r.cfg, r.failures, r.rng)
}

// Failures returns the consecutive failure count since the last Reset.
func (r *Retrier) Failures() int {
	return r.failures
}

func (r *Retrier) Reset() {
	r.failures = 0
}
