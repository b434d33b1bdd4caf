package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"entitycache/changes"
	"entitycache/observability"
)

// Cache owns the in-memory store for one entity type. It enforces the
// configured capacity limits on every insert, tracks which entries have
// changed since the last successful write-back, and drives the scheduled
// flush once a persistence strategy is assigned.
//
// All methods are safe for concurrent use. Put, Get, and Remove never
// block on an in-flight flush cycle: the flush holds the store lock only
// while snapshotting and reinstalling entries, not while the strategy
// performs backing-store I/O.
type Cache[T Entity] struct {
	name    string
	logger  *zap.Logger
	metrics *observability.Collector

	maxRecords    int
	maxSizeBytes  int64
	flushInterval time.Duration
	shutdownGrace time.Duration

	sizer    func(T) int64
	detector *changes.Detector[T]

	mu         sync.RWMutex
	entries    map[string]entry[T]
	totalBytes int64
	dirty      map[string]struct{}
	strategy   Strategy[T]
	persistCfg *PersistenceConfig

	// flushMu serializes flush cycles so the scheduled cycle, cascade
	// flushes, and the final shutdown flush never overlap.
	flushMu sync.Mutex

	schedMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a standalone cache for one entity type. Caches that should
// participate in cascade persistence are created through CacheOf instead,
// so the shared manager can resolve them by name.
func New[T Entity](name string, opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		name:          name,
		logger:        zap.NewNop(),
		flushInterval: 60 * time.Second,
		shutdownGrace: 5 * time.Second,
		sizer:         defaultSize[T],
		entries:       make(map[string]entry[T]),
		dirty:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the cache's registry name.
func (c *Cache[T]) Name() string { return c.name }

// Put inserts or replaces the entry keyed by the entity's identifier and
// returns the previously stored value, if any.
//
// The write is rejected with ErrRecordLimit when the store is full and
// the identifier is not already present, and with ErrSizeLimit when
// installing the entry would push the aggregate size over budget. A
// rejected write is side-effect free: the prior entry (or absence) is
// preserved and nothing is marked dirty.
//
// When a persistence strategy is configured, a brand-new identifier is
// unconditionally marked dirty; an overwrite is marked dirty only if the
// change detector reports at least one differing field, so field-equal
// rewrites cost no flush work.
func (c *Cache[T]) Put(entity T) (prev T, existed bool, err error) {
	var zero T
	id := entity.Key()

	c.mu.Lock()
	old, ok := c.entries[id]

	if !ok && c.maxRecords > 0 && len(c.entries) >= c.maxRecords {
		c.mu.Unlock()
		c.logger.Warn("cache record limit reached",
			zap.String("cache", c.name),
			zap.Int("max_records", c.maxRecords))
		c.metrics.CountRejection(c.name, "records")
		return zero, false, ErrRecordLimit
	}

	e := newEntry(entity, c.sizer)
	newTotal := c.totalBytes + e.size
	if ok {
		newTotal -= old.size
	}
	if c.maxSizeBytes > 0 && newTotal > c.maxSizeBytes {
		c.mu.Unlock()
		c.logger.Warn("cache size limit exceeded",
			zap.String("cache", c.name),
			zap.Int64("max_size_bytes", c.maxSizeBytes),
			zap.Int64("attempted_bytes", newTotal))
		c.metrics.CountRejection(c.name, "bytes")
		return zero, false, ErrSizeLimit
	}

	c.entries[id] = e
	c.totalBytes = newTotal

	if c.strategy != nil {
		if !ok {
			c.dirty[id] = struct{}{}
		} else if c.detector == nil || len(c.detector.DetectChanges(old.value, entity)) > 0 {
			c.dirty[id] = struct{}{}
		}
	}
	entries, bytes, dirty := len(c.entries), c.totalBytes, len(c.dirty)
	c.mu.Unlock()

	c.metrics.CountPut(c.name)
	c.metrics.SetStoreState(c.name, entries, bytes, dirty)

	if ok {
		return old.value, true, nil
	}
	return zero, false, nil
}

// PutAll applies Put to each entity independently and returns the keys
// of the rejected writes. There are no all-or-nothing semantics; the
// order of application is unspecified.
func (c *Cache[T]) PutAll(entities []T) (rejected []string) {
	for _, e := range entities {
		if _, _, err := c.Put(e); err != nil {
			rejected = append(rejected, e.Key())
		}
	}
	return rejected
}

// Get returns the current value for the identifier, if present. It never
// touches the persistence strategy.
func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()

	if ok {
		c.metrics.CountHit(c.name)
		return e.value, true
	}
	var zero T
	c.metrics.CountMiss(c.name)
	return zero, false
}

// Size returns the current entry count.
func (c *Cache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IsEmpty reports whether the cache holds no entries.
func (c *Cache[T]) IsEmpty() bool {
	return c.Size() == 0
}

// SizeBytes returns the approximate aggregate size of all entries.
func (c *Cache[T]) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalBytes
}

// DirtyCount returns the number of entries awaiting write-back.
func (c *Cache[T]) DirtyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty)
}

// Remove deletes the entry and its dirty flag and returns the removed
// value, if any. When a persistence strategy is configured the strategy's
// delete path is invoked synchronously for the identifier; this is an
// immediate side effect, distinct from the deferred flush used for
// upserts. A delete failure is logged, not returned: the entry is gone
// from memory either way.
func (c *Cache[T]) Remove(ctx context.Context, id string) (T, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	var strat Strategy[T]
	if ok {
		delete(c.entries, id)
		delete(c.dirty, id)
		c.totalBytes -= e.size
		strat = c.strategy
	}
	entries, bytes, dirty := len(c.entries), c.totalBytes, len(c.dirty)
	c.mu.Unlock()

	if !ok {
		var zero T
		return zero, false
	}

	c.metrics.CountRemove(c.name)
	c.metrics.SetStoreState(c.name, entries, bytes, dirty)

	if strat != nil {
		if err := strat.DeleteByID(ctx, id); err != nil {
			c.logger.Error("backing-store delete failed",
				zap.String("cache", c.name),
				zap.String("id", id),
				zap.Error(err))
		}
	}
	return e.value, true
}

// RemoveAll applies Remove to each identifier and returns the values
// that were actually removed.
func (c *Cache[T]) RemoveAll(ctx context.Context, ids []string) []T {
	var removed []T
	for _, id := range ids {
		if v, ok := c.Remove(ctx, id); ok {
			removed = append(removed, v)
		}
	}
	return removed
}

// SetStrategy assigns the persistence strategy and starts the scheduled
// flush. Assigning a nil strategy leaves the scheduler untouched.
func (c *Cache[T]) SetStrategy(s Strategy[T]) {
	c.mu.Lock()
	c.strategy = s
	c.mu.Unlock()

	if s != nil {
		c.startScheduler()
	}
}

// Config returns the persistence config associated with this cache, or
// nil if none has been set.
func (c *Cache[T]) Config() *PersistenceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persistCfg
}

// SetConfig associates declarative persistence metadata with this cache.
func (c *Cache[T]) SetConfig(cfg *PersistenceConfig) {
	c.mu.Lock()
	c.persistCfg = cfg
	c.mu.Unlock()
}

// PutEntity inserts a dynamically-typed entity. It is used by cascade
// persistence, which routes child entities of arbitrary types through
// their owning caches.
func (c *Cache[T]) PutEntity(e Entity) error {
	typed, ok := e.(T)
	if !ok {
		return ErrWrongEntityType
	}
	_, _, err := c.Put(typed)
	return err
}

// Flush synchronously runs one write-back cycle: it snapshots and clears
// the dirty set, resolves each snapshotted identifier to its current
// live value, and hands the surviving entities to the strategy in a
// single SaveOrUpdate call. Identifiers the strategy reports as failed
// are re-marked dirty (if still present) so the next cycle retries them.
// On success, fields declared transient in the persistence config are
// cleared in the current live entry and the entry is reinstalled without
// re-marking it dirty. An empty dirty snapshot is a no-op.
func (c *Cache[T]) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.flushCycle(ctx)
}

// TryFlush runs one write-back cycle unless a cycle is already in
// flight, in which case it reports false and leaves the dirty entries
// for the cycle that is running (or the next scheduled one). Cascade
// persistence uses this instead of Flush: a cascade that loops back into
// a cache currently flushing on the same goroutine must skip rather
// than deadlock.
func (c *Cache[T]) TryFlush(ctx context.Context) bool {
	if !c.flushMu.TryLock() {
		return false
	}
	defer c.flushMu.Unlock()
	c.flushCycle(ctx)
	return true
}

func (c *Cache[T]) flushCycle(ctx context.Context) {
	c.mu.Lock()
	strat := c.strategy
	cfg := c.persistCfg
	if strat == nil || len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(c.dirty))
	entities := make([]T, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
		// Skip identifiers removed since they were marked dirty.
		if e, ok := c.entries[id]; ok {
			entities = append(entities, e.value)
		}
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	if len(entities) == 0 {
		return
	}

	start := time.Now()
	failed := c.persist(ctx, strat, cfg, entities)
	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}

	var transient []string
	if cfg != nil {
		transient = cfg.TransientFields()
	}

	c.mu.Lock()
	for _, id := range ids {
		if _, bad := failedSet[id]; bad {
			// Retry next cycle, but only while the entry still exists;
			// the dirty set never references absent entries.
			if _, ok := c.entries[id]; ok {
				c.dirty[id] = struct{}{}
			}
			continue
		}
		if len(transient) == 0 || c.detector == nil {
			continue
		}
		// Clear transient fields on the current live value, which may
		// already be newer than the flushed one, and reinstall the entry
		// without marking it dirty. Re-marking here would make the cache
		// flush its own cleanup forever.
		if e, ok := c.entries[id]; ok {
			c.detector.ClearFields(e.value, transient)
			ne := newEntry(e.value, c.sizer)
			c.totalBytes += ne.size - e.size
			c.entries[id] = ne
		}
	}
	entries, bytes, dirty := len(c.entries), c.totalBytes, len(c.dirty)
	c.mu.Unlock()

	c.metrics.ObserveFlush(c.name, time.Since(start), len(entities)-len(failed), len(failed))
	c.metrics.SetStoreState(c.name, entries, bytes, dirty)

	if len(failed) > 0 {
		c.logger.Warn("flush cycle left entities unpersisted",
			zap.String("cache", c.name),
			zap.Int("flushed", len(entities)-len(failed)),
			zap.Int("failed", len(failed)))
	} else {
		c.logger.Debug("flush cycle complete",
			zap.String("cache", c.name),
			zap.Int("flushed", len(entities)))
	}
}

// persist hands the dirty entities to the strategy. With cascade enabled
// and a cascade-capable strategy, each entity is persisted through the
// cascade path so its declared children reach their own caches.
func (c *Cache[T]) persist(ctx context.Context, strat Strategy[T], cfg *PersistenceConfig, entities []T) []string {
	cascade, ok := strat.(CascadeStrategy[T])
	if !ok || cfg == nil || !cfg.CascadeEnabled() {
		return strat.SaveOrUpdate(ctx, entities)
	}

	var failed []string
	for _, e := range entities {
		if err := cascade.CascadeSaveOrUpdate(ctx, e); err != nil {
			c.logger.Error("cascade persistence failed",
				zap.String("cache", c.name),
				zap.String("id", e.Key()),
				zap.Error(err))
			failed = append(failed, e.Key())
		}
	}
	return failed
}

func (c *Cache[T]) startScheduler() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.stopCh != nil {
		return // already running
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
}

// run is the dedicated flush timer goroutine. Each cycle completes,
// including its transient-field cleanup, before the next is scheduled.
func (c *Cache[T]) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-stop:
			return
		}
	}
}

// Shutdown stops the flush scheduler and performs one final synchronous
// flush of any remaining dirty entries. The scheduler stop is
// cooperative: Shutdown waits up to the configured grace period for an
// in-flight cycle, then stops waiting and proceeds. The final flush runs
// regardless. After Shutdown the store is empty; entries never survive a
// cache shutdown.
func (c *Cache[T]) Shutdown(ctx context.Context) {
	c.schedMu.Lock()
	stop, done := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.schedMu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(c.shutdownGrace):
			c.logger.Warn("flush scheduler did not stop within grace period",
				zap.String("cache", c.name),
				zap.Duration("grace", c.shutdownGrace))
		}
	}

	c.Flush(ctx)

	c.mu.Lock()
	c.entries = make(map[string]entry[T])
	c.dirty = make(map[string]struct{})
	c.totalBytes = 0
	c.mu.Unlock()
	c.metrics.SetStoreState(c.name, 0, 0, 0)
}
