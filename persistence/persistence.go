// Package persistence provides backing-store strategy implementations
// for entity caches: a database/sql variant with caller-supplied
// statements, a DynamoDB variant, cascade persistence for nested
// entities, and retry and circuit-breaker decorators.
//
// Every strategy follows the same failure contract: a failed batch is
// logged and reported through the keys returned by SaveOrUpdate, and a
// flush cycle always runs to completion. Partially-applied batches are
// possible and are not rolled back by the cache layer.
package persistence

import (
	"errors"

	"go.uber.org/zap"

	"entitycache/cache"
)

// ErrPersistFailed reports that a strategy could not persist one or more
// entities.
var ErrPersistFailed = errors.New("persistence: entities not persisted")

// DefaultMaxBatchSize is the batch size used when none is configured.
const DefaultMaxBatchSize = 100

// Options carries the operational settings shared by all strategies.
type Options struct {
	// Logger used for per-batch failure reporting. Nil means no-op.
	Logger *zap.Logger

	// MaxBatchSize caps the number of entities per backing-store
	// execution. Zero means DefaultMaxBatchSize.
	MaxBatchSize int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	return o
}

// chunk splits items into consecutive slices of at most size elements:
// one per filled batch plus a trailing partial batch.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// keysOf collects the identifiers of the given entities.
func keysOf[T cache.Entity](entities []T) []string {
	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Key()
	}
	return keys
}
