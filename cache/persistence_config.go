package cache

import "sort"

// PersistenceConfig is the declarative persistence metadata for one
// entity type: target table, which fields are insertable or updatable,
// which fields are transient (cleared from memory after a successful
// flush), and whether cascade persistence is enabled.
//
// A config is built once through its chained builder calls and then
// shared by reference between the manager and the matching cache; it
// must not be mutated after it has been handed to a manager.
type PersistenceConfig struct {
	tableName  string
	insertable map[string]struct{}
	updatable  map[string]struct{}
	transient  map[string]struct{}
	cascade    bool
}

// NewPersistenceConfig creates a config targeting the given table or
// collection name.
func NewPersistenceConfig(tableName string) *PersistenceConfig {
	return &PersistenceConfig{
		tableName:  tableName,
		insertable: make(map[string]struct{}),
		updatable:  make(map[string]struct{}),
		transient:  make(map[string]struct{}),
	}
}

// Insertable marks the named fields as written on insert.
func (c *PersistenceConfig) Insertable(names ...string) *PersistenceConfig {
	addAll(c.insertable, names)
	return c
}

// Updatable marks the named fields as written on update.
func (c *PersistenceConfig) Updatable(names ...string) *PersistenceConfig {
	addAll(c.updatable, names)
	return c
}

// InsertableAndUpdatable marks the named fields as written on both
// insert and update.
func (c *PersistenceConfig) InsertableAndUpdatable(names ...string) *PersistenceConfig {
	addAll(c.insertable, names)
	addAll(c.updatable, names)
	return c
}

// Transient marks the named fields as cleared from memory after their
// owning entity has been successfully flushed.
func (c *PersistenceConfig) Transient(names ...string) *PersistenceConfig {
	addAll(c.transient, names)
	return c
}

// Cascade enables or disables cascade persistence of child entities.
func (c *PersistenceConfig) Cascade(enabled bool) *PersistenceConfig {
	c.cascade = enabled
	return c
}

// TableName returns the target table or collection name.
func (c *PersistenceConfig) TableName() string { return c.tableName }

// InsertableFields returns the insertable field names, sorted.
func (c *PersistenceConfig) InsertableFields() []string { return sortedKeys(c.insertable) }

// UpdatableFields returns the updatable field names, sorted.
func (c *PersistenceConfig) UpdatableFields() []string { return sortedKeys(c.updatable) }

// TransientFields returns the transient field names, sorted.
func (c *PersistenceConfig) TransientFields() []string { return sortedKeys(c.transient) }

// CascadeEnabled reports whether cascade persistence is enabled.
func (c *PersistenceConfig) CascadeEnabled() bool { return c.cascade }

func addAll(set map[string]struct{}, names []string) {
	for _, n := range names {
		set[n] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
