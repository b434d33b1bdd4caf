package persistence

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"entitycache/cache"
)

// RetryConfig configures the retry decorator.
type RetryConfig struct {
	MaxRetries    int           // retry attempts after the initial call
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // ceiling for the backoff delay
	BackoffFactor float64       // multiplier applied per attempt
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry decorates a strategy with exponential-backoff retries on its
// immediate operations (DeleteByID, DeleteByIDs, Exists). SaveOrUpdate
// passes through untouched: entities in failed batches stay dirty and
// the next flush cycle already retries them.
type Retry[T cache.Entity] struct {
	inner  cache.Strategy[T]
	config RetryConfig
	logger *zap.Logger
}

// WithRetry wraps inner with the retry decorator.
func WithRetry[T cache.Entity](inner cache.Strategy[T], config RetryConfig, logger *zap.Logger) *Retry[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &Retry[T]{inner: inner, config: config, logger: logger}
}

// SaveOrUpdate delegates to the wrapped strategy.
func (r *Retry[T]) SaveOrUpdate(ctx context.Context, entities []T) []string {
	return r.inner.SaveOrUpdate(ctx, entities)
}

// DeleteByID retries the delete with exponential backoff.
func (r *Retry[T]) DeleteByID(ctx context.Context, id string) error {
	return r.retry(ctx, "DeleteByID", func() error {
		return r.inner.DeleteByID(ctx, id)
	})
}

// DeleteByIDs retries the bulk delete with exponential backoff.
func (r *Retry[T]) DeleteByIDs(ctx context.Context, ids []string) error {
	return r.retry(ctx, "DeleteByIDs", func() error {
		return r.inner.DeleteByIDs(ctx, ids)
	})
}

// Exists retries the probe with exponential backoff.
func (r *Retry[T]) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.retry(ctx, "Exists", func() error {
		var err error
		found, err = r.inner.Exists(ctx, id)
		return err
	})
	return found, err
}

func (r *Retry[T]) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt)
			r.logger.Debug("retrying strategy operation",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (r *Retry[T]) delayFor(attempt int) time.Duration {
	d := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if r.config.MaxDelay > 0 && d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	return d
}
