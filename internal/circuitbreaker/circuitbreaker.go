// Package circuitbreaker stops cache rebuilds from hammering the system of
// record while it is failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

// ErrOpen is returned without calling fn while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the breaker state. Its numeric value is exported as the state gauge.
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters. Zero values take defaults.
type Config struct {
	Component        string
	FailureThreshold int
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before a probe is let through.
	OpenTimeout time.Duration
	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error except context cancellation.
	IsFailure func(error) bool
	Now       func() time.Time
}

// Breaker opens after FailureThreshold consecutive failures, rejects calls for
// OpenTimeout, then lets probes through and closes after SuccessThreshold
// consecutive probe successes.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Breaker{cfg: cfg}
	b.publish()
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker allows it and records the outcome.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
		return ErrOpen
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.IsFailure(err) {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.cfg.Now()
			b.transition(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.publish()
}

func (b *Breaker) publish() {
	if b.cfg.Component != "" {
		observability.CircuitBreakerState.WithLabelValues(b.cfg.Component).Set(float64(b.state))
	}
}
