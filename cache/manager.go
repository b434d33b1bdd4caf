package cache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// managed is the type-erased view the manager keeps of each cache.
type managed interface {
	PutEntity(e Entity) error
	Shutdown(ctx context.Context)
	setConfig(cfg *PersistenceConfig)
}

func (c *Cache[T]) setConfig(cfg *PersistenceConfig) { c.SetConfig(cfg) }

// ChildCache is the narrow view cascade persistence needs of a cache
// owning another entity type: insert a child value, then flush it
// through the child's own strategy.
type ChildCache interface {
	PutEntity(e Entity) error
	TryFlush(ctx context.Context) bool
}

// Manager is the process-wide registry mapping cache name to entity
// cache and persistence config. It is explicitly constructed and passed
// by reference to every consumer; there is no package-level singleton.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	caches  map[string]managed
	configs map[string]*PersistenceConfig
	closed  bool
}

// NewManager creates an empty registry. A nil logger is replaced with a
// no-op logger.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger,
		caches:  make(map[string]managed),
		configs: make(map[string]*PersistenceConfig),
	}
}

// CacheOf returns the one cache registered under name, creating it on
// first request. Creation happens at most once: concurrent first
// requests race on the registry lock and all but one observe the
// instance the winner installed. Options are applied only by the
// creating call.
//
// A previously registered persistence config for the name is propagated
// to the new cache. Requesting an existing name with a different entity
// type is an error.
func CacheOf[T Entity](m *Manager, name string, opts ...Option[T]) (*Cache[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if existing, ok := m.caches[name]; ok {
		c, ok := existing.(*Cache[T])
		if !ok {
			return nil, fmt.Errorf("cache %q is registered for a different entity type: %w", name, ErrWrongEntityType)
		}
		return c, nil
	}

	opts = append([]Option[T]{WithLogger[T](m.logger)}, opts...)
	c := New[T](name, opts...)
	if cfg, ok := m.configs[name]; ok {
		c.SetConfig(cfg)
	}
	m.caches[name] = c
	m.logger.Info("created entity cache", zap.String("cache", name))
	return c, nil
}

// SetPersistenceConfig associates declarative persistence metadata with
// the named cache and propagates it to the cache if it already exists;
// otherwise the config is applied when the cache is first created.
func (m *Manager) SetPersistenceConfig(name string, cfg *PersistenceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	m.configs[name] = cfg
	if c, ok := m.caches[name]; ok {
		c.setConfig(cfg)
	}
	return nil
}

// PersistenceConfig returns the config registered under name, if any.
func (m *Manager) PersistenceConfig(name string) (*PersistenceConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// ChildCache resolves the named cache as the narrow view used by cascade
// persistence.
func (m *Manager) ChildCache(name string) (ChildCache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return nil, false
	}
	child, ok := c.(ChildCache)
	return child, ok
}

// RemoveCache shuts down the named cache and drops it, together with its
// persistence config, from the registry.
func (m *Manager) RemoveCache(ctx context.Context, name string) {
	m.mu.Lock()
	c, ok := m.caches[name]
	delete(m.caches, name)
	delete(m.configs, name)
	m.mu.Unlock()

	if ok {
		c.Shutdown(ctx)
	}
}

// Shutdown shuts down every registered cache (each performs its final
// flush) and clears the registry. The manager is unusable afterwards:
// new registrations fail with ErrManagerClosed. Construct a new Manager
// to start over.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	caches := make([]managed, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	m.caches = make(map[string]managed)
	m.configs = make(map[string]*PersistenceConfig)
	m.mu.Unlock()

	for _, c := range caches {
		c.Shutdown(ctx)
	}
	m.logger.Info("cache manager shut down", zap.Int("caches", len(caches)))
}
