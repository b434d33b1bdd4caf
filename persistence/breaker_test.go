package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycache/persistence"
)

func trippyBreakerConfig(name string) persistence.BreakerConfig {
	return persistence.BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      2,
	}
}

func TestBreakerOpensAfterRepeatedTotalFailures(t *testing.T) {
	inner := &flakyStrategy{saveRet: []string{"a1", "a2"}}
	b := persistence.WithBreaker[*account](inner, trippyBreakerConfig("save"), nil)

	entities := []*account{{ID: "a1"}, {ID: "a2"}}
	ctx := context.Background()

	// Every entity failing counts against the breaker.
	for i := 0; i < 3; i++ {
		failed := b.SaveOrUpdate(ctx, entities)
		assert.ElementsMatch(t, []string{"a1", "a2"}, failed)
	}
	callsWhenOpen := inner.callCount()

	// Circuit is open now: keys are reported failed without reaching
	// the store, so the entries stay dirty until the store recovers.
	failed := b.SaveOrUpdate(ctx, entities)
	assert.ElementsMatch(t, []string{"a1", "a2"}, failed)
	assert.Equal(t, callsWhenOpen, inner.callCount())
}

func TestBreakerPartialFailureDoesNotTrip(t *testing.T) {
	inner := &flakyStrategy{saveRet: []string{"a1"}}
	b := persistence.WithBreaker[*account](inner, trippyBreakerConfig("partial"), nil)

	ctx := context.Background()
	entities := []*account{{ID: "a1"}, {ID: "a2"}}
	for i := 0; i < 5; i++ {
		failed := b.SaveOrUpdate(ctx, entities)
		assert.Equal(t, []string{"a1"}, failed)
	}
	assert.Equal(t, 5, inner.callCount(), "partial failures keep the circuit closed")
}

func TestBreakerEmptySaveIsNoOp(t *testing.T) {
	inner := &flakyStrategy{}
	b := persistence.WithBreaker[*account](inner, trippyBreakerConfig("empty"), nil)

	assert.Nil(t, b.SaveOrUpdate(context.Background(), nil))
	assert.Zero(t, inner.callCount())
}

func TestBreakerDeleteTripsAndRejects(t *testing.T) {
	inner := &flakyStrategy{failures: 100}
	b := persistence.WithBreaker[*account](inner, trippyBreakerConfig("delete"), nil)

	ctx := context.Background()
	require.Error(t, b.DeleteByID(ctx, "a1"))
	require.Error(t, b.DeleteByID(ctx, "a2"))

	err := b.DeleteByID(ctx, "a3")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.callCount())
}

func TestBreakerExistsPassesThroughWhileClosed(t *testing.T) {
	inner := &flakyStrategy{}
	b := persistence.WithBreaker[*account](inner, trippyBreakerConfig("exists"), nil)

	found, err := b.Exists(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, found)
}
