package cache

import (
	"fmt"
	"time"
)

// entry wraps one cached entity instance together with its approximate
// byte size and last-write timestamp. Entries are owned exclusively by
// their cache and replaced wholesale on every update, never mutated.
type entry[T Entity] struct {
	value    T
	size     int64
	storedAt time.Time
}

func newEntry[T Entity](value T, sizer func(T) int64) entry[T] {
	return entry[T]{
		value:    value,
		size:     sizer(value),
		storedAt: time.Now(),
	}
}

// defaultSize estimates an entity's in-memory footprint from the length
// of its rendered form. Coarse, but cheap and monotonic with payload
// size; callers needing accuracy supply their own sizer via WithSizer.
func defaultSize[T Entity](value T) int64 {
	return int64(len(fmt.Sprint(value))) * 2
}
