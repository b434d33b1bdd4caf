package persistence

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"entitycache/cache"
)

// BreakerConfig configures the circuit-breaker decorator.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // requests allowed through in half-open state
	Interval         time.Duration // window for resetting failure counts
	Timeout          time.Duration // how long the circuit stays open
	FailureThreshold float64       // failure ratio that trips the circuit
	MinRequests      uint32        // requests required before evaluating the ratio
}

// DefaultBreakerConfig returns sensible defaults for the named breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker decorates a strategy with a circuit breaker so a collapsing
// backing store stops being hammered: while the circuit is open,
// SaveOrUpdate short-circuits to "all failed", which keeps the affected
// entries dirty and retried once the store recovers.
type Breaker[T cache.Entity] struct {
	inner  cache.Strategy[T]
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// WithBreaker wraps inner with a circuit breaker.
func WithBreaker[T cache.Entity](inner cache.Strategy[T], config BreakerConfig, logger *zap.Logger) *Breaker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("persistence circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Breaker[T]{inner: inner, cb: cb, logger: logger}
}

// SaveOrUpdate runs the wrapped call through the breaker. A call in
// which every entity failed counts as a breaker failure; while the
// circuit is open all keys are reported failed without touching the
// store.
func (b *Breaker[T]) SaveOrUpdate(ctx context.Context, entities []T) []string {
	if len(entities) == 0 {
		return nil
	}
	res, err := b.cb.Execute(func() (any, error) {
		failed := b.inner.SaveOrUpdate(ctx, entities)
		if len(failed) == len(entities) {
			return failed, ErrPersistFailed
		}
		return failed, nil
	})
	if err != nil {
		if failed, ok := res.([]string); ok && len(failed) > 0 {
			return failed
		}
		b.logger.Warn("persistence call rejected by circuit breaker",
			zap.Int("entities", len(entities)),
			zap.Error(err))
		return keysOf(entities)
	}
	failed, _ := res.([]string)
	return failed
}

// DeleteByID runs the delete through the breaker.
func (b *Breaker[T]) DeleteByID(ctx context.Context, id string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.DeleteByID(ctx, id)
	})
	return err
}

// DeleteByIDs runs the bulk delete through the breaker.
func (b *Breaker[T]) DeleteByIDs(ctx context.Context, ids []string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.DeleteByIDs(ctx, ids)
	})
	return err
}

// Exists runs the probe through the breaker.
func (b *Breaker[T]) Exists(ctx context.Context, id string) (bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		found, err := b.inner.Exists(ctx, id)
		return found, err
	})
	if err != nil {
		return false, err
	}
	found, _ := res.(bool)
	return found, nil
}
