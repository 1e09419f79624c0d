// Package cache provides a process-local, multi-tier TTL cache shared by the
// batch scheduler (task results) and the workflow executor (stage outputs).
// Tiers are internally synchronized for concurrent get/put; a stale read on an
// entry that is expiring concurrently is treated as a miss.
package cache

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier names shared by the scheduler and the workflow executor.
const (
	// TierTasks holds short-TTL task results.
	TierTasks = "tasks"
	// TierStages holds longer-TTL stage outputs.
	TierStages = "stages"
)

// DefaultTiers returns the standard two-tier layout.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: TierTasks, DefaultTTL: 5 * time.Minute, SweepInterval: time.Minute, MaxEntries: 4096},
		{Name: TierStages, DefaultTTL: 30 * time.Minute, SweepInterval: 5 * time.Minute, MaxEntries: 1024},
	}
}

// Entry is a single cached value. An entry is never returned once
// now - Timestamp > TTL.
type Entry struct {
	Key       string
	Value     any
	Timestamp time.Time
	TTL       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// TierConfig configures one cache tier.
type TierConfig struct {
	// Name identifies the tier (e.g. "tasks", "stages").
	Name string `json:"name"`

	// DefaultTTL applies when Put is called with ttl <= 0.
	DefaultTTL time.Duration `json:"default_ttl"`

	// SweepInterval is how often expired entries are evicted.
	// The sweep runs on this fixed interval, independent of access.
	SweepInterval time.Duration `json:"sweep_interval"`

	// MaxEntries bounds the tier; 0 means unbounded. When full, the oldest
	// entry is evicted on Put.
	MaxEntries int `json:"max_entries"`
}

// TierStats reports per-tier counters.
type TierStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type tier struct {
	mu        sync.RWMutex
	cfg       TierConfig
	entries   map[string]Entry
	hits      uint64
	misses    uint64
	evictions uint64
}

// Store is a bounded, TTL-based key/value cache with tiered eviction.
type Store struct {
	mu     sync.RWMutex
	tiers  map[string]*tier
	logger *zap.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewStore creates a store with the given tiers and starts one sweep loop per
// tier. Close must be called to stop the sweepers.
func NewStore(tiers []TierConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		tiers:  make(map[string]*tier, len(tiers)),
		logger: logger.With(zap.String("component", "cache")),
		stopCh: make(chan struct{}),
	}

	for _, cfg := range tiers {
		t := &tier{cfg: cfg, entries: make(map[string]Entry)}
		s.tiers[cfg.Name] = t

		if cfg.SweepInterval > 0 {
			s.wg.Add(1)
			go s.sweepLoop(t)
		}
	}

	return s
}

// Get returns the value for key in the named tier, or false on a miss.
// An expired entry behaves as a miss; it is evicted lazily by the next sweep,
// not here.
func (s *Store) Get(tierName, key string) (any, bool) {
	t, err := s.tier(tierName)
	if err != nil {
		return nil, false
	}

	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		t.mu.Lock()
		t.misses++
		t.mu.Unlock()
		return nil, false
	}

	t.mu.Lock()
	t.hits++
	t.mu.Unlock()
	return entry.Value, true
}

// Put stores value under key in the named tier. ttl <= 0 uses the tier's
// default TTL. Returns an error for unknown tiers.
func (s *Store) Put(tierName, key string, value any, ttl time.Duration) error {
	t, err := s.tier(tierName)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = t.cfg.DefaultTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxEntries > 0 && len(t.entries) >= t.cfg.MaxEntries {
		if _, exists := t.entries[key]; !exists {
			t.evictOldestLocked()
		}
	}

	t.entries[key] = Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		TTL:       ttl,
	}

	return nil
}

// Delete removes a key from the named tier.
func (s *Store) Delete(tierName, key string) {
	t, err := s.tier(tierName)
	if err != nil {
		return
	}

	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Stats returns per-tier counters keyed by tier name.
func (s *Store) Stats() map[string]TierStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]TierStats, len(s.tiers))
	for name, t := range s.tiers {
		t.mu.RLock()
		stats[name] = TierStats{
			Entries:   len(t.entries),
			Hits:      t.hits,
			Misses:    t.misses,
			Evictions: t.evictions,
		}
		t.mu.RUnlock()
	}
	return stats
}

// Close stops all sweep loops. Safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) tier(name string) (*tier, error) {
	s.mu.RLock()
	t, ok := s.tiers[name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown cache tier %q", name)
	}
	return t, nil
}

// sweepLoop evicts expired entries on the tier's fixed interval.
func (s *Store) sweepLoop(t *tier) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := t.sweep(time.Now())
			if evicted > 0 {
				s.logger.Debug("cache sweep evicted entries",
					zap.String("tier", t.cfg.Name),
					zap.Int("evicted", evicted),
				)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (t *tier) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for key, entry := range t.entries {
		if entry.expired(now) {
			delete(t.entries, key)
			evicted++
		}
	}
	t.evictions += uint64(evicted)
	return evicted
}

// evictOldestLocked removes the entry with the oldest timestamp.
// Caller must hold t.mu.
func (t *tier) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time

	for key, entry := range t.entries {
		if oldestKey == "" || entry.Timestamp.Before(oldest) {
			oldestKey = key
			oldest = entry.Timestamp
		}
	}

	if oldestKey != "" {
		delete(t.entries, oldestKey)
		t.evictions++
	}
}
