package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when every backend in a Failover group
// failed or had an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// backend pairs one provider value with its dedicated breaker.
type backend[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover routes calls across a preference-ordered list of backends of the
// same provider type. Each backend gets its own breaker, so a dead primary is
// skipped without probing it on every call.
type Failover[T any] struct {
	backends []backend[T]
	breaker  BreakerConfig
	logger   *slog.Logger
}

// NewFailover creates a group with primary as the preferred backend.
func NewFailover[T any](primary T, name string, breaker BreakerConfig, logger *slog.Logger) *Failover[T] {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Failover[T]{breaker: breaker, logger: logger}
	f.Add(name, primary)
	return f
}

// Add appends a backend. Backends are tried in the order they were added.
func (f *Failover[T]) Add(name string, value T) {
	cfg := f.breaker
	cfg.Name = name
	f.backends = append(f.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg, f.logger),
	})
}

// Do tries fn against each backend in order until one succeeds. Backends
// with open breakers are skipped. When every backend fails the last error is
// wrapped in ErrAllBackendsFailed.
func (f *Failover[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range f.backends {
		be := &f.backends[i]
		err := be.breaker.Do(func() error { return fn(be.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		f.noteFailure(be.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// Call tries fn against each backend until one succeeds, returning its
// result. Package-level because Go methods cannot carry extra type
// parameters.
func Call[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range f.backends {
		be := &f.backends[i]
		var out R
		err := be.breaker.Do(func() error {
			var callErr error
			out, callErr = fn(be.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		f.noteFailure(be.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

func (f *Failover[T]) noteFailure(name string, err error) {
	if errors.Is(err, ErrBreakerOpen) {
		f.logger.Debug("skipping backend, breaker open", "backend", name)
		return
	}
	f.logger.Warn("backend failed, trying next", "backend", name, "err", err)
}
