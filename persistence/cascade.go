package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"entitycache/cache"
)

// ChildRef names one nested entity and the cache that owns its type.
type ChildRef struct {
	Cache  string
	Entity cache.Entity
}

// ChildProvider is implemented by entities that carry nested child
// entities which should be persisted alongside them.
type ChildProvider interface {
	Children() []ChildRef
}

// Cascade wraps a base strategy with cascade persistence: after the
// parent is written, each declared child is routed through its own cache
// (resolved from the shared manager) and that cache's strategy, so a
// nested entity graph is persisted depth-first to arbitrary depth.
//
// Traversal carries a visited set in the context, keyed by cache name
// and entity key, so a cycle in the entity graph terminates instead of
// recursing forever.
type Cascade[T cache.Entity] struct {
	cache.Strategy[T]

	manager *cache.Manager
	// selfCache is the registry name of the cache this strategy serves;
	// entities persisted here are marked visited so a child graph that
	// points back at them is not traversed again.
	selfCache string
	logger    *zap.Logger
}

// NewCascade wraps base with cascade persistence backed by the manager's
// registry. selfCache is the registry name of the cache the strategy
// will be assigned to.
func NewCascade[T cache.Entity](base cache.Strategy[T], manager *cache.Manager, selfCache string, logger *zap.Logger) *Cascade[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cascade[T]{
		Strategy:  base,
		manager:   manager,
		selfCache: selfCache,
		logger:    logger,
	}
}

// ChildCache resolves the nested type's own cache from the shared
// manager.
func (c *Cascade[T]) ChildCache(name string) (cache.ChildCache, bool) {
	return c.manager.ChildCache(name)
}

// CascadeSaveOrUpdate persists the entity through the base strategy and
// then persists its declared children through their own caches. A child
// whose cache is not registered is reported as an error; the remaining
// children are still processed.
func (c *Cascade[T]) CascadeSaveOrUpdate(ctx context.Context, entity T) error {
	if failed := c.Strategy.SaveOrUpdate(ctx, []T{entity}); len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrPersistFailed, entity.Key())
	}

	provider, ok := any(entity).(ChildProvider)
	if !ok {
		return nil
	}

	ctx, visited := visitedFrom(ctx)
	visited.mark(c.selfCache + "/" + entity.Key())

	var errs []error
	for _, ref := range provider.Children() {
		if ref.Entity == nil {
			continue
		}
		key := ref.Cache + "/" + ref.Entity.Key()
		if !visited.mark(key) {
			// Already persisted on this traversal; a cycle in the
			// entity graph ends here.
			continue
		}

		child, ok := c.manager.ChildCache(ref.Cache)
		if !ok {
			errs = append(errs, fmt.Errorf("no cache registered for child type %q", ref.Cache))
			continue
		}
		if err := child.PutEntity(ref.Entity); err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", key, err))
			continue
		}
		if !child.TryFlush(ctx) {
			// The child's cache is already mid-flush; its entry stays
			// dirty and the running or next scheduled cycle picks it up.
			c.logger.Debug("deferred child flush", zap.String("child", key))
		}
	}
	return errors.Join(errs...)
}

// visitSet tracks (cache, key) pairs already persisted on one cascade
// traversal.
type visitSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// mark records the key and reports whether it was new.
func (v *visitSet) mark(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

type visitedCtxKey struct{}

// visitedFrom returns the traversal's visited set, creating it and
// attaching it to the context on the first call. Nested cascade calls
// triggered by child flushes share the same set through the context.
func visitedFrom(ctx context.Context) (context.Context, *visitSet) {
	if v, ok := ctx.Value(visitedCtxKey{}).(*visitSet); ok {
		return ctx, v
	}
	v := &visitSet{seen: make(map[string]struct{})}
	return context.WithValue(ctx, visitedCtxKey{}, v), v
}
