// Package observability exposes Prometheus metrics for entity caches and
// their persistence strategies.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for a cache manager instance.
//
// Each collector owns its own registry, so independent managers (and
// tests) never collide on metric registration. All metrics are labeled
// by cache name.
type Collector struct {
	registry *prometheus.Registry

	// Store metrics
	Hits       *prometheus.CounterVec
	Misses     *prometheus.CounterVec
	Puts       *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	Removes    *prometheus.CounterVec
	Entries    *prometheus.GaugeVec
	SizeBytes  *prometheus.GaugeVec
	DirtySize  *prometheus.GaugeVec

	// Flush metrics
	FlushDuration   *prometheus.HistogramVec
	Persisted       *prometheus.CounterVec
	PersistFailures *prometheus.CounterVec
}

// NewCollector creates a collector with the given metric namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache reads that found an entry",
		}, []string{"cache"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache reads that found nothing",
		}, []string{"cache"}),
		Puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_puts_total",
			Help:      "Total number of accepted writes",
		}, []string{"cache"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_rejections_total",
			Help:      "Total number of writes rejected by a capacity limit",
		}, []string{"cache", "reason"}),
		Removes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_removes_total",
			Help:      "Total number of entries removed",
		}, []string{"cache"}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of entries in the cache",
		}, []string{"cache"}),
		SizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Approximate aggregate size of all cache entries",
		}, []string{"cache"}),
		DirtySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_dirty_entries",
			Help:      "Current number of entries awaiting write-back",
		}, []string{"cache"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_flush_duration_seconds",
			Help:      "Duration of write-back flush cycles",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
		Persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_persisted_entities_total",
			Help:      "Total number of entities successfully written back",
		}, []string{"cache"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_persist_failures_total",
			Help:      "Total number of entities that failed write-back",
		}, []string{"cache"}),
	}

	c.registry.MustRegister(
		c.Hits, c.Misses, c.Puts, c.Rejections, c.Removes,
		c.Entries, c.SizeBytes, c.DirtySize,
		c.FlushDuration, c.Persisted, c.PersistFailures,
	)

	return c
}

// Registry returns the collector's registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveFlush records one completed flush cycle.
// Safe to call on a nil collector.
func (c *Collector) ObserveFlush(cache string, d time.Duration, persisted, failed int) {
	if c == nil {
		return
	}
	c.FlushDuration.WithLabelValues(cache).Observe(d.Seconds())
	c.Persisted.WithLabelValues(cache).Add(float64(persisted))
	c.PersistFailures.WithLabelValues(cache).Add(float64(failed))
}

// SetStoreState records the current entry count, aggregate size, and
// dirty-set size. Safe to call on a nil collector.
func (c *Collector) SetStoreState(cache string, entries int, sizeBytes int64, dirty int) {
	if c == nil {
		return
	}
	c.Entries.WithLabelValues(cache).Set(float64(entries))
	c.SizeBytes.WithLabelValues(cache).Set(float64(sizeBytes))
	c.DirtySize.WithLabelValues(cache).Set(float64(dirty))
}

// CountHit, CountMiss, CountPut, CountRemove, and CountRejection record
// single store operations. All are safe to call on a nil collector.
func (c *Collector) CountHit(cache string) {
	if c != nil {
		c.Hits.WithLabelValues(cache).Inc()
	}
}

func (c *Collector) CountMiss(cache string) {
	if c != nil {
		c.Misses.WithLabelValues(cache).Inc()
	}
}

func (c *Collector) CountPut(cache string) {
	if c != nil {
		c.Puts.WithLabelValues(cache).Inc()
	}
}

func (c *Collector) CountRemove(cache string) {
	if c != nil {
		c.Removes.WithLabelValues(cache).Inc()
	}
}

func (c *Collector) CountRejection(cache, reason string) {
	if c != nil {
		c.Rejections.WithLabelValues(cache, reason).Inc()
	}
}
