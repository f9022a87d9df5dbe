// Package circuit provides a per-dependency circuit breaker.
//
// Each upstream (scoring engine, embeddings provider, LLM) gets a named
// breaker from the Registry. The breaker walks CLOSED → OPEN on consecutive
// failures, fails fast while OPEN, and probes the dependency through
// HALF_OPEN after the recovery timeout.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
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

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit open")

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays OPEN before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the probe budget in HALF_OPEN; that many
	// consecutive successes close the breaker again.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Breaker is a single named circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	name string
	log  *slog.Logger

	mu            sync.Mutex
	cfg           Config
	pendingCfg    *Config
	state         State
	failures      int
	probesInUse   int
	probeSuccess  int
	lastFailureAt time.Time

	now func() time.Time
}

// NewBreaker creates a breaker with the given name and config.
func NewBreaker(name string, cfg Config, log *slog.Logger) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		log:   log.With(logger.Scope("circuit"), slog.String("breaker", name)),
		now:   time.Now,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN→HALF_OPEN timeout
// transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state
}

// Allow reports whether a call may proceed. While OPEN it returns an error
// wrapping ErrOpen that carries the failure count and time until the next
// probe window.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probesInUse >= b.cfg.HalfOpenMaxCalls {
			shortCircuits.WithLabelValues(b.name).Inc()
			return fmt.Errorf("%w: %s probing, budget exhausted", ErrOpen, b.name)
		}
		b.probesInUse++
		return nil
	default:
		shortCircuits.WithLabelValues(b.name).Inc()
		remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailureAt)
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Errorf("%w: %s after %d failures, retry in %s",
			ErrOpen, b.name, b.failures, remaining.Round(time.Second))
	}
}

// Record reports a call outcome to the breaker. Pass nil for success.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.recordFailure()
		return
	}
	b.recordSuccess()
}

// Do runs fn guarded by the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeSuccess++
		if b.probeSuccess >= b.cfg.HalfOpenMaxCalls {
			b.setStateLocked(StateClosed)
			b.failures = 0
			b.applyPendingConfigLocked()
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateHalfOpen:
		// A failed probe re-opens with a fresh recovery window.
		b.setStateLocked(StateOpen)
		trips.WithLabelValues(b.name).Inc()
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
			trips.WithLabelValues(b.name).Inc()
			b.log.Warn("circuit opened",
				slog.Int("failures", b.failures),
				slog.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
			)
		}
	}
}

// SetConfig replaces the breaker tuning. While the breaker is not CLOSED the
// new config is deferred to the next close so an in-flight recovery window
// is never shortened or extended mid-way.
func (b *Breaker) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.log.Warn("breaker reconfigured while tripped, applying on next close",
			slog.String("state", b.state.String()))
		b.pendingCfg = &cfg
		return
	}
	b.cfg = cfg
}

func (b *Breaker) maybeTransitionLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		b.setStateLocked(StateHalfOpen)
		b.probesInUse = 0
		b.probeSuccess = 0
	}
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	stateGauge.WithLabelValues(b.name).Set(float64(s))
	if s == StateHalfOpen {
		b.probesInUse = 0
		b.probeSuccess = 0
	}
}

func (b *Breaker) applyPendingConfigLocked() {
	if b.pendingCfg != nil {
		b.cfg = *b.pendingCfg
		b.pendingCfg = nil
	}
}

// IsOpen reports whether err came from an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
