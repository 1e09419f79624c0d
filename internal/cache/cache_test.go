package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, tiers ...TierConfig) *Store {
	t.Helper()
	if len(tiers) == 0 {
		tiers = []TierConfig{
			{Name: "tasks", DefaultTTL: time.Minute, SweepInterval: 0},
		}
	}
	s := NewStore(tiers, nil)
	t.Cleanup(s.Close)
	return s
}

// TestRoundTrip verifies put(k, v, ttl); get(k) returns v before ttl elapses
// and a miss strictly after.
func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("tasks", "k", "v", 50*time.Millisecond))

	got, ok := s.Get("tasks", "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(80 * time.Millisecond)

	_, ok = s.Get("tasks", "k")
	assert.False(t, ok, "expired entry must behave as a miss")
}

// TestDefaultTTL verifies ttl <= 0 falls back to the tier default.
func TestDefaultTTL(t *testing.T) {
	s := newTestStore(t, TierConfig{Name: "tasks", DefaultTTL: 30 * time.Millisecond})

	require.NoError(t, s.Put("tasks", "k", 42, 0))

	_, ok := s.Get("tasks", "k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = s.Get("tasks", "k")
	assert.False(t, ok)
}

// TestUnknownTier verifies operations against an unregistered tier.
func TestUnknownTier(t *testing.T) {
	s := newTestStore(t)

	err := s.Put("nope", "k", "v", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache tier")

	_, ok := s.Get("nope", "k")
	assert.False(t, ok)
}

// TestLazyEviction verifies an expired entry stays resident (counted) until a
// sweep runs, but is never returned.
func TestLazyEviction(t *testing.T) {
	tierCfg := TierConfig{Name: "tasks", DefaultTTL: time.Minute, SweepInterval: 0}
	s := newTestStore(t, tierCfg)

	require.NoError(t, s.Put("tasks", "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok := s.Get("tasks", "k")
	require.False(t, ok)

	// Still resident: no sweep has run.
	assert.Equal(t, 1, s.Stats()["tasks"].Entries)
}

// TestSweepEvictsExpired verifies the periodic sweep removes expired entries.
func TestSweepEvictsExpired(t *testing.T) {
	s := newTestStore(t, TierConfig{
		Name:          "tasks",
		DefaultTTL:    time.Minute,
		SweepInterval: 20 * time.Millisecond,
	})

	require.NoError(t, s.Put("tasks", "short", "v", 5*time.Millisecond))
	require.NoError(t, s.Put("tasks", "long", "v", time.Minute))

	require.Eventually(t, func() bool {
		return s.Stats()["tasks"].Entries == 1
	}, time.Second, 10*time.Millisecond, "sweep should evict the expired entry")

	_, ok := s.Get("tasks", "long")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, s.Stats()["tasks"].Evictions, uint64(1))
}

// TestBoundedTier verifies the oldest entry is evicted when the tier is full.
func TestBoundedTier(t *testing.T) {
	s := newTestStore(t, TierConfig{Name: "tasks", DefaultTTL: time.Minute, MaxEntries: 2})

	require.NoError(t, s.Put("tasks", "a", 1, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Put("tasks", "b", 2, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Put("tasks", "c", 3, time.Minute))

	_, ok := s.Get("tasks", "a")
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = s.Get("tasks", "b")
	assert.True(t, ok)
	_, ok = s.Get("tasks", "c")
	assert.True(t, ok)
}

// TestMultiTierIsolation verifies tiers do not share keyspace or TTLs.
func TestMultiTierIsolation(t *testing.T) {
	s := newTestStore(t,
		TierConfig{Name: "tasks", DefaultTTL: 20 * time.Millisecond},
		TierConfig{Name: "stages", DefaultTTL: time.Minute},
	)

	require.NoError(t, s.Put("tasks", "k", "task-result", 0))
	require.NoError(t, s.Put("stages", "k", "stage-output", 0))

	time.Sleep(40 * time.Millisecond)

	_, ok := s.Get("tasks", "k")
	assert.False(t, ok, "task tier entry should have expired")

	got, ok := s.Get("stages", "k")
	require.True(t, ok, "stage tier entry should still be valid")
	assert.Equal(t, "stage-output", got)
}

// TestStatsCounters verifies hit/miss accounting.
func TestStatsCounters(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("tasks", "k", "v", time.Minute))

	s.Get("tasks", "k")
	s.Get("tasks", "k")
	s.Get("tasks", "missing")

	stats := s.Stats()["tasks"]
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
