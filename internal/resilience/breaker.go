// Package resilience keeps a session's model calls alive across a flaky
// backend: a three-state circuit breaker stops hammering a provider that is
// clearly down, and a failover group routes each call to the first healthy
// backend in preference order.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Breaker.Do while the breaker is open and the
// cooldown has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// BreakerState is the breaker's operating mode.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls outright until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets a bounded number of probes through to decide
	// between closing and re-opening.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

const (
	defaultFailureLimit = 5
	defaultCooldown     = 30 * time.Second
	defaultProbeLimit   = 3
)

// BreakerConfig tunes one Breaker. Zero values take defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// FailureLimit is how many consecutive failures trip the breaker. Default 5.
	FailureLimit int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// ProbeLimit bounds the half-open probe budget. Default 3.
	ProbeLimit int
}

// Breaker is a three-state circuit breaker. A tripped breaker fails fast for
// the duration of the cooldown, then probes the backend before trusting it
// again.
type Breaker struct {
	name         string
	failureLimit int
	cooldown     time.Duration
	probeLimit   int
	logger       *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = defaultFailureLimit
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = defaultProbeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		failureLimit: cfg.FailureLimit,
		cooldown:     cfg.Cooldown,
		probeLimit:   cfg.ProbeLimit,
		logger:       logger,
	}
}

// Do runs fn if the breaker allows it. Open breakers return ErrBreakerOpen
// without calling fn; half-open breakers admit at most ProbeLimit probes.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeOK = 0
		b.logger.Info("breaker half-open", "breaker", b.name)
	case BreakerHalfOpen:
		if b.probes >= b.probeLimit {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == BreakerHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.openedAt = time.Now()
	if probing {
		// One failed probe re-opens immediately.
		b.state = BreakerOpen
		b.failures = b.failureLimit
		b.logger.Warn("breaker re-opened", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.failureLimit {
		b.state = BreakerOpen
		b.logger.Warn("breaker opened", "breaker", b.name, "failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		b.probeOK++
		if b.probeOK >= b.probeLimit {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.probeOK = 0
			b.logger.Info("breaker closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's effective state: an open breaker whose cooldown
// has elapsed reports half-open even though the transition is applied on the
// next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	b.probeOK = 0
}
