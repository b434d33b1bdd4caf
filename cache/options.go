package cache

import (
	"time"

	"go.uber.org/zap"

	"entitycache/changes"
	"entitycache/config"
	"entitycache/observability"
)

// Option configures a Cache at creation time. Options are only applied
// when the cache is first created; later CacheOf calls for the same name
// return the existing instance unchanged.
type Option[T Entity] func(*Cache[T])

// WithConfig applies a full runtime configuration.
func WithConfig[T Entity](cfg config.Cache) Option[T] {
	return func(c *Cache[T]) {
		c.maxRecords = cfg.MaxRecords
		c.maxSizeBytes = cfg.MaxSizeBytes
		c.flushInterval = cfg.FlushInterval
		c.shutdownGrace = cfg.ShutdownGrace
	}
}

// WithLimits sets the capacity limits. Zero means unbounded.
func WithLimits[T Entity](maxRecords int, maxSizeBytes int64) Option[T] {
	return func(c *Cache[T]) {
		c.maxRecords = maxRecords
		c.maxSizeBytes = maxSizeBytes
	}
}

// WithFlushInterval sets the period of the scheduled write-back cycle.
func WithFlushInterval[T Entity](d time.Duration) Option[T] {
	return func(c *Cache[T]) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithShutdownGrace bounds how long Shutdown waits for an in-flight
// flush cycle.
func WithShutdownGrace[T Entity](d time.Duration) Option[T] {
	return func(c *Cache[T]) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithLogger sets the cache's logger.
func WithLogger[T Entity](logger *zap.Logger) Option[T] {
	return func(c *Cache[T]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics[T Entity](collector *observability.Collector) Option[T] {
	return func(c *Cache[T]) {
		c.metrics = collector
	}
}

// WithDetector sets the change detector used for dirty-marking overwrites
// and for clearing transient fields. Without a detector every overwrite
// is conservatively marked dirty and transient clearing is disabled.
func WithDetector[T Entity](d *changes.Detector[T]) Option[T] {
	return func(c *Cache[T]) {
		c.detector = d
	}
}

// WithSizer overrides the approximate per-entity size function used for
// the byte-limit accounting.
func WithSizer[T Entity](sizer func(T) int64) Option[T] {
	return func(c *Cache[T]) {
		if sizer != nil {
			c.sizer = sizer
		}
	}
}
