// Package resilience provides retry and circuit-breaking primitives backed
// by github.com/cenkalti/backoff/v4 and github.com/sony/gobreaker/v2,
// mirroring the adapter pattern used across the rest of the relayer's
// dependency stack: a thin wrapper that keeps a small call-site surface
// while delegating the hard parts to maintained OSS.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's circuit states under relayer-local names so
// call sites never import gobreaker directly.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, preserving an
// Execute(ctx, fn) call signature.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreaker creates a CircuitBreaker with the given config,
// filling in defaults for zero-valued fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn under circuit-breaker protection. fn is responsible for
// honoring ctx itself (e.g. via a context-aware RPC call).
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}

// RetryConfig configures exponential-backoff retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, maps to backoff.RandomizationFactor
}

// Retry runs fn at most cfg.MaxAttempts times in total (the first call
// plus MaxAttempts-1 retries), with exponential backoff between attempts. It stops early if ctx is canceled or fn
// returns a nil error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not elapsed wall time

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	return backoff.Retry(fn, withCtx)
}

// Backoff computes the n-th retry delay (0-indexed) for the classic
// "min(base * factor^n, max)" formula used by the RPC client's rate-limit
// retry policy (spec §4.1), independent of the cenkalti/backoff jittering
// used elsewhere so the RPC client's documented formula stays exact.
func Backoff(n int, base time.Duration, factor float64, max time.Duration) time.Duration {
	delay := float64(base)
	for i := 0; i < n; i++ {
		delay *= factor
	}
	d := time.Duration(delay)
	if d > max {
		return max
	}
	if d < 0 { // overflow guard for pathological factor/n combinations
		return max
	}
	return d
}
