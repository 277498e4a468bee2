package query

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/argoverify/internal/models"
)

func dep(station string) DepKey {
	return DepKey{StationID: station, Variable: models.VarTemperature, IssueDate: "2025-08-05"}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCache(15*time.Minute, 0, clock)

	deps := []DepKey{dep("2902746")}
	res := &Result{Shape: ShapeLeadTime}
	require.True(t, c.Put("k", res, deps, c.Snapshot(deps)))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Same(t, res, got)

	clock.Advance(14 * time.Minute)
	_, ok = c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire at TTL")
}

func TestCacheInvalidateDropsDependents(t *testing.T) {
	c := NewCache(time.Hour, 0, clockwork.NewFakeClock())

	a := []DepKey{dep("A")}
	ab := []DepKey{dep("A"), dep("B")}
	b := []DepKey{dep("B")}
	require.True(t, c.Put("a", &Result{}, a, c.Snapshot(a)))
	require.True(t, c.Put("ab", &Result{}, ab, c.Snapshot(ab)))
	require.True(t, c.Put("b", &Result{}, b, c.Snapshot(b)))

	assert.Equal(t, 2, c.Invalidate(dep("A")))
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("b")
	assert.True(t, ok)

	assert.Equal(t, 0, c.Invalidate(dep("C")))
}

func TestCacheRejectsResultComputedAcrossInvalidation(t *testing.T) {
	c := NewCache(time.Hour, 0, clockwork.NewFakeClock())

	deps := []DepKey{dep("A")}
	snapshot := c.Snapshot(deps)
	c.Invalidate(dep("A"))

	assert.False(t, c.Put("k", &Result{}, deps, snapshot))
	assert.Equal(t, 0, c.Len())

	assert.True(t, c.Put("k", &Result{}, deps, c.Snapshot(deps)))
}

func TestCacheEvictsAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCache(time.Hour, 2, clock)

	deps := []DepKey{dep("A")}
	require.True(t, c.Put("first", &Result{}, deps, c.Snapshot(deps)))
	clock.Advance(time.Minute)
	require.True(t, c.Put("second", &Result{}, deps, c.Snapshot(deps)))
	clock.Advance(time.Minute)
	require.True(t, c.Put("third", &Result{}, deps, c.Snapshot(deps)))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("first")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("third")
	assert.True(t, ok)
}
