// Package cache implements per-type, in-memory write-back caches.
//
// Each cache buffers mutations to one entity type, tracks which entries
// changed since the last write-back, and periodically flushes only those
// entries to a pluggable persistence strategy. Reads and writes stay in
// memory; the durable store is only touched by the flush cycle and by
// explicit removes.
package cache

import (
	"context"
	"errors"
)

// Entity is a domain object identified by a stable, unique string key.
// Two entities with the same key are the same logical record regardless
// of instance identity.
type Entity interface {
	Key() string
}

// Sentinel errors surfaced by cache operations. None of them is fatal;
// a rejected write leaves the store exactly as it was before the call.
var (
	// ErrRecordLimit reports a write rejected by the max-record limit.
	ErrRecordLimit = errors.New("cache: record limit reached")

	// ErrSizeLimit reports a write rejected by the max-byte limit.
	ErrSizeLimit = errors.New("cache: size limit exceeded")

	// ErrManagerClosed reports an operation against a manager that has
	// already been shut down.
	ErrManagerClosed = errors.New("cache: manager is shut down")

	// ErrWrongEntityType reports a dynamically-typed insert whose entity
	// does not match the cache's entity type.
	ErrWrongEntityType = errors.New("cache: entity type does not match cache")
)

// Strategy is the storage-side contract a cache invokes to flush or
// delete entities. Implementations batch writes internally and own
// failure handling for the underlying store call: a failed batch is
// logged by the strategy and reported through the returned key set, and
// never propagates as a panic or error into the flush scheduler.
type Strategy[T Entity] interface {
	// SaveOrUpdate writes or updates all given entities in the backing
	// store and returns the keys of the entities it could not persist.
	// Partially-applied batches are possible and are not rolled back.
	SaveOrUpdate(ctx context.Context, entities []T) (failed []string)

	// DeleteByID removes one record from the backing store.
	DeleteByID(ctx context.Context, id string) error

	// DeleteByIDs removes several records. Implementations may issue
	// repeated single deletes or a bulk delete.
	DeleteByIDs(ctx context.Context, ids []string) error

	// Exists reports whether a record is present in the backing store.
	Exists(ctx context.Context, id string) (bool, error)
}

// CascadeStrategy extends Strategy with cascade persistence: saving an
// entity also routes its declared child entities through their own
// caches and strategies.
type CascadeStrategy[T Entity] interface {
	Strategy[T]

	// CascadeSaveOrUpdate persists the entity and then recursively
	// persists its declared children.
	CascadeSaveOrUpdate(ctx context.Context, entity T) error
}
