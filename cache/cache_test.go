package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"entitycache/cache"
	"entitycache/changes"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID      string
	Name    string
	Age     int
	Session string
}

func (u *user) Key() string { return u.ID }

func userDetector() *changes.Detector[*user] {
	return changes.NewDetector(
		changes.Field[*user]{
			Name:  "name",
			Get:   func(u *user) any { return u.Name },
			Clear: func(u *user) { u.Name = "" },
		},
		changes.Field[*user]{
			Name: "age",
			Get:  func(u *user) any { return u.Age },
		},
		changes.Field[*user]{
			Name:  "session",
			Get:   func(u *user) any { return u.Session },
			Clear: func(u *user) { u.Session = "" },
		},
	)
}

// fakeStrategy records strategy calls and can be told to fail keys.
type fakeStrategy struct {
	mu       sync.Mutex
	saves    [][]string
	deletes  []string
	failKeys map[string]bool
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{failKeys: make(map[string]bool)}
}

func (f *fakeStrategy) SaveOrUpdate(_ context.Context, entities []*user) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys, failed []string
	for _, e := range entities {
		keys = append(keys, e.ID)
		if f.failKeys[e.ID] {
			failed = append(failed, e.ID)
		}
	}
	f.saves = append(f.saves, keys)
	return failed
}

func (f *fakeStrategy) DeleteByID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeStrategy) DeleteByIDs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := f.DeleteByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStrategy) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.saves {
		for _, k := range call {
			if k == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStrategy) saveCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.saves))
	copy(out, f.saves)
	return out
}

func (f *fakeStrategy) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	copy(out, f.deletes)
	return out
}

func TestPutAndGet(t *testing.T) {
	c := cache.New[*user]("users")

	prev, existed, err := c.Put(&user{ID: "1", Name: "alice", Age: 30})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, prev)

	got, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)

	prev, existed, err = c.Put(&user{ID: "1", Name: "bob", Age: 30})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "alice", prev.Name)

	got, ok = c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "bob", got.Name)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestPutRecordLimit(t *testing.T) {
	c := cache.New("users", cache.WithLimits[*user](2, 0))

	_, _, err := c.Put(&user{ID: "a"})
	require.NoError(t, err)
	_, _, err = c.Put(&user{ID: "b"})
	require.NoError(t, err)

	_, _, err = c.Put(&user{ID: "c"})
	assert.ErrorIs(t, err, cache.ErrRecordLimit)
	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("c")
	assert.False(t, ok)

	// Overwriting an existing key is allowed at the limit.
	_, existed, err := c.Put(&user{ID: "a", Name: "renamed"})
	require.NoError(t, err)
	assert.True(t, existed)

	_, removed := c.Remove(context.Background(), "a")
	require.True(t, removed)
	_, _, err = c.Put(&user{ID: "c"})
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Size())
}

func TestPutSizeLimit(t *testing.T) {
	// Size every entity by its Age so the test controls the accounting.
	sizer := func(u *user) int64 { return int64(u.Age) }
	c := cache.New("users", cache.WithLimits[*user](0, 100), cache.WithSizer(sizer))

	_, _, err := c.Put(&user{ID: "1", Name: "alice", Age: 60})
	require.NoError(t, err)

	// 60 + 50 > 100: rejected, prior state intact.
	_, _, err = c.Put(&user{ID: "2", Name: "bob", Age: 50})
	assert.ErrorIs(t, err, cache.ErrSizeLimit)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, int64(60), c.SizeBytes())

	// An oversized overwrite is rejected and the old value survives.
	_, _, err = c.Put(&user{ID: "1", Name: "huge", Age: 150})
	assert.ErrorIs(t, err, cache.ErrSizeLimit)
	got, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, int64(60), c.SizeBytes())

	// A smaller overwrite frees budget for the second entity.
	_, _, err = c.Put(&user{ID: "1", Name: "alice", Age: 40})
	require.NoError(t, err)
	_, _, err = c.Put(&user{ID: "2", Name: "bob", Age: 50})
	assert.NoError(t, err)
	assert.Equal(t, int64(90), c.SizeBytes())
}

func TestDirtyMarkingSuppressesNoOpWrites(t *testing.T) {
	c := cache.New("users", cache.WithDetector(userDetector()))
	c.SetStrategy(newFakeStrategy())
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.DirtyCount())

	c.Flush(context.Background())
	assert.Equal(t, 0, c.DirtyCount())

	// Field-equal rewrite: dirty set does not grow.
	_, _, err = c.Put(&user{ID: "1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.DirtyCount())

	// Actual change: marked dirty again.
	_, _, err = c.Put(&user{ID: "1", Name: "y"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.DirtyCount())
}

func TestNoStrategyMeansNoDirtyTracking(t *testing.T) {
	c := cache.New[*user]("users")

	_, _, err := c.Put(&user{ID: "1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.DirtyCount())
}

func TestFlushPersistsOnlyDirtyEntries(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New("users", cache.WithDetector(userDetector()))
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "a"})
	require.NoError(t, err)
	_, _, err = c.Put(&user{ID: "2", Name: "b"})
	require.NoError(t, err)

	c.Flush(context.Background())
	calls := strat.saveCalls()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"1", "2"}, calls[0])

	// Nothing dirty: the strategy is not invoked again.
	c.Flush(context.Background())
	assert.Len(t, strat.saveCalls(), 1)
}

func TestFlushClearsTransientFields(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New("users", cache.WithDetector(userDetector()))
	c.SetConfig(cache.NewPersistenceConfig("users").
		InsertableAndUpdatable("name", "age").
		Transient("session"))
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "alice", Age: 30, Session: "tok"})
	require.NoError(t, err)

	c.Flush(context.Background())

	got, ok := c.Get("1")
	require.True(t, ok)
	assert.Empty(t, got.Session, "transient field should be cleared after flush")
	assert.Equal(t, "alice", got.Name, "non-transient fields keep their pre-flush values")
	assert.Equal(t, 30, got.Age)

	// The cleanup itself must not re-mark the entry dirty.
	assert.Equal(t, 0, c.DirtyCount())
	c.Flush(context.Background())
	assert.Len(t, strat.saveCalls(), 1)
}

func TestFailedFlushKeepsEntriesDirty(t *testing.T) {
	strat := newFakeStrategy()
	strat.failKeys["1"] = true
	c := cache.New("users", cache.WithDetector(userDetector()))
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "a", Session: "tok"})
	require.NoError(t, err)
	_, _, err = c.Put(&user{ID: "2", Name: "b"})
	require.NoError(t, err)

	c.Flush(context.Background())
	assert.Equal(t, 1, c.DirtyCount(), "failed entity stays dirty")

	// The failed entity is retried on the next cycle.
	strat.mu.Lock()
	strat.failKeys["1"] = false
	strat.mu.Unlock()
	c.Flush(context.Background())

	calls := strat.saveCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"1"}, calls[1])
	assert.Equal(t, 0, c.DirtyCount())
}

func TestRemoveInvokesDeleteImmediately(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New[*user]("users")
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "a"})
	require.NoError(t, err)

	removed, ok := c.Remove(context.Background(), "1")
	require.True(t, ok)
	assert.Equal(t, "a", removed.Name)
	assert.Equal(t, []string{"1"}, strat.deleted())

	_, ok = c.Get("1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.DirtyCount())

	// Removing an absent identifier does not touch the store.
	_, ok = c.Remove(context.Background(), "1")
	assert.False(t, ok)
	assert.Equal(t, []string{"1"}, strat.deleted())
}

func TestRemoveAll(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New[*user]("users")
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	for _, id := range []string{"1", "2", "3"} {
		_, _, err := c.Put(&user{ID: id})
		require.NoError(t, err)
	}

	removed := c.RemoveAll(context.Background(), []string{"1", "3", "nope"})
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, c.Size())
	assert.ElementsMatch(t, []string{"1", "3"}, strat.deleted())
}

func TestPutAllReportsRejections(t *testing.T) {
	c := cache.New("users", cache.WithLimits[*user](2, 0))

	rejected := c.PutAll([]*user{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
	})

	assert.Equal(t, 2, c.Size())
	assert.Len(t, rejected, 2)
}

func TestScheduledFlush(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New("users", cache.WithFlushInterval[*user](20*time.Millisecond))
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	_, _, err := c.Put(&user{ID: "1", Name: "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(strat.saveCalls()) > 0
	}, 2*time.Second, 10*time.Millisecond, "scheduled flush should fire")
}

func TestShutdownPerformsFinalFlush(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New("users", cache.WithFlushInterval[*user](time.Hour))
	c.SetStrategy(strat)

	_, _, err := c.Put(&user{ID: "1", Name: "a"})
	require.NoError(t, err)

	c.Shutdown(context.Background())

	calls := strat.saveCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"1"}, calls[0])

	// Entries do not survive shutdown.
	assert.True(t, c.IsEmpty())
}

func TestConcurrentAccess(t *testing.T) {
	strat := newFakeStrategy()
	c := cache.New("users",
		cache.WithDetector(userDetector()),
		cache.WithFlushInterval[*user](5*time.Millisecond))
	c.SetStrategy(strat)
	defer c.Shutdown(context.Background())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("u%d", i%20)
				switch i % 3 {
				case 0:
					_, _, _ = c.Put(&user{ID: id, Name: uuid.NewString()})
				case 1:
					c.Get(id)
				default:
					c.Remove(context.Background(), id)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 20)
	assert.LessOrEqual(t, c.DirtyCount(), c.Size(),
		"every dirty identifier has a live entry")
}
