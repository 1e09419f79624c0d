package scheduler

import (
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"
)

// BatchingConfig holds the batching strategy tunables. Values are validated
// for type and positivity only, never for semantic sanity.
type BatchingConfig struct {
	// SimilarityThreshold is the minimum pairwise score for the similarity
	// strategy (default 0.8).
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// MaxBatchSize caps similarity batches (default 10).
	MaxBatchSize int `json:"max_batch_size"`

	// WindowDuration enables the time-window strategy when > 0. Tasks
	// younger than the window accumulate until it closes.
	WindowDuration time.Duration `json:"window_duration"`
	// MaxWaitTime force-emits an accumulating batch regardless of window,
	// bounding worst-case latency per task.
	MaxWaitTime time.Duration `json:"max_wait_time"`
	// WindowSizeCap force-emits when the accumulating batch reaches this
	// size (default 10).
	WindowSizeCap int `json:"window_size_cap"`

	// ResourceDimensions enables the resource strategy when non-empty:
	// tasks are partitioned by composite key over these dimensions.
	ResourceDimensions []string `json:"resource_dimensions"`

	// DefaultChunkSize chunks whatever remains (default 5).
	DefaultChunkSize int `json:"default_chunk_size"`

	// FormationInterval is how often the scheduling loop runs formation
	// (default 250ms). Formation is interval-driven, not on demand, so
	// grouping opportunity can accumulate.
	FormationInterval time.Duration `json:"formation_interval"`
}

// DefaultBatchingConfig returns the default batching configuration. The
// time-window and resource strategies are disabled unless configured.
func DefaultBatchingConfig() BatchingConfig {
	return BatchingConfig{
		SimilarityThreshold: 0.8,
		MaxBatchSize:        10,
		WindowSizeCap:       10,
		DefaultChunkSize:    5,
		FormationInterval:   250 * time.Millisecond,
	}
}

// Former groups pending tasks into batches. Strategies are composable: each
// consumes from the same pending list and removes what it batches; leftovers
// fall through to the next strategy, and any remainder becomes a default
// batch. Form is called only from the scheduling loop.
type Former struct {
	cfg    BatchingConfig
	logger *zap.Logger
}

// NewFormer creates a batch former.
func NewFormer(cfg BatchingConfig, logger *zap.Logger) *Former {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = 5
	}
	if cfg.WindowSizeCap <= 0 {
		cfg.WindowSizeCap = 10
	}
	return &Former{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "batch_former")),
	}
}

// Form runs the strategy pipeline over the pending tasks. It returns the
// formed batches and the tasks still held back (time-window accumulation).
// Calling Form twice with no new submissions yields no new batches for an
// empty queue.
func (f *Former) Form(now time.Time, pending []*Task) ([]*Batch, []*Task) {
	if len(pending) == 0 {
		return nil, nil
	}

	var batches []*Batch

	batches, pending = f.formSimilarity(batches, pending)

	var held []*Task
	if f.cfg.WindowDuration > 0 {
		batches, pending, held = f.formTimeWindow(now, batches, pending)
	}

	if len(f.cfg.ResourceDimensions) > 0 {
		batches, pending = f.formResource(batches, pending)
	}

	batches = f.formDefault(batches, pending)
	return batches, held
}

// formSimilarity greedily grows batches from seed tasks using the weighted
// pairwise score. Only batches with at least two members are emitted. A task
// that matches a seed after its batch is already full falls through to the
// next strategy instead of reseeding.
func (f *Former) formSimilarity(batches []*Batch, pending []*Task) ([]*Batch, []*Task) {
	processed := make([]bool, len(pending))
	var leftovers []*Task

	for i, seed := range pending {
		if processed[i] {
			continue
		}
		processed[i] = true

		members := []*Task{seed}
		for j := i + 1; j < len(pending); j++ {
			if processed[j] {
				continue
			}
			if similarityScore(seed, pending[j]) < f.cfg.SimilarityThreshold {
				continue
			}
			processed[j] = true
			if len(members) < f.cfg.MaxBatchSize {
				members = append(members, pending[j])
			} else {
				leftovers = append(leftovers, pending[j])
			}
		}

		if len(members) >= 2 {
			batches = append(batches, newBatch(StrategySimilarity, members))
		} else {
			leftovers = append(leftovers, seed)
		}
	}

	return batches, leftovers
}

// similarityScore computes the weighted pairwise similarity:
// 0.4 for matching kind, 0.3 scaled by shared required resources, 0.3 for
// matching complexity class. Tasks that both require no resources are
// considered resource-compatible.
func similarityScore(a, b *Task) float64 {
	score := 0.0

	if a.Kind == b.Kind {
		score += 0.4
	}

	if len(a.Resources) == 0 && len(b.Resources) == 0 {
		score += 0.3
	} else {
		common := 0
		set := make(map[string]struct{}, len(a.Resources))
		for _, r := range a.Resources {
			set[r] = struct{}{}
		}
		for _, r := range b.Resources {
			if _, ok := set[r]; ok {
				common++
			}
		}
		denom := len(a.Resources)
		if len(b.Resources) > denom {
			denom = len(b.Resources)
		}
		if denom < 1 {
			denom = 1
		}
		score += 0.3 * float64(common) / float64(denom)
	}

	if a.Complexity == b.Complexity {
		score += 0.3
	}

	return score
}

// formTimeWindow accumulates tasks until the window closes for the oldest
// task, a task's wait exceeds MaxWaitTime, or the size cap is reached. A task
// forced out alone falls through to the later strategies instead of becoming
// a one-task window batch. Tasks still inside the window are held back in the
// pending queue.
func (f *Former) formTimeWindow(now time.Time, batches []*Batch, pending []*Task) ([]*Batch, []*Task, []*Task) {
	if len(pending) == 0 {
		return batches, nil, nil
	}

	sorted := append([]*Task(nil), pending...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var leftovers []*Task
	for len(sorted) > 0 {
		oldest := now.Sub(sorted[0].CreatedAt)
		forced := oldest >= f.cfg.WindowDuration ||
			(f.cfg.MaxWaitTime > 0 && oldest >= f.cfg.MaxWaitTime) ||
			len(sorted) >= f.cfg.WindowSizeCap
		if !forced {
			break
		}

		n := len(sorted)
		if n > f.cfg.WindowSizeCap {
			n = f.cfg.WindowSizeCap
		}
		if n == 1 {
			leftovers = append(leftovers, sorted[0])
			sorted = sorted[1:]
			continue
		}
		batches = append(batches, newBatch(StrategyTimeWindow, sorted[:n]))
		sorted = sorted[n:]
	}

	return batches, leftovers, sorted
}

// formResource partitions tasks by a composite key over the configured
// resource dimensions. Partitions with at least two members become batches.
func (f *Former) formResource(batches []*Batch, pending []*Task) ([]*Batch, []*Task) {
	partitions := make(map[uint64][]*Task)
	order := make([]uint64, 0)

	for _, t := range pending {
		key := f.resourceKey(t)
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], t)
	}

	var leftovers []*Task
	for _, key := range order {
		members := partitions[key]
		if len(members) < 2 {
			leftovers = append(leftovers, members...)
			continue
		}
		for len(members) > 0 {
			n := len(members)
			if n > f.cfg.MaxBatchSize {
				n = f.cfg.MaxBatchSize
			}
			batches = append(batches, newBatch(StrategyResource, members[:n]))
			members = members[n:]
		}
	}

	return batches, leftovers
}

// resourceKey hashes the task's class along the configured dimensions.
func (f *Former) resourceKey(t *Task) uint64 {
	composite := make(map[string]string, len(f.cfg.ResourceDimensions))
	for _, dim := range f.cfg.ResourceDimensions {
		composite[dim] = t.ResourceClass[dim]
	}

	key, err := hashstructure.Hash(composite, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing a map of strings cannot fail; guard anyway.
		f.logger.Warn("resource key hashing failed", zap.Error(err))
		return 0
	}
	return key
}

// formDefault chunks the remainder into fixed-size batches so one-task
// batches don't monopolize worker slots. A lone leftover is dispatched
// individually, bypassing batching.
func (f *Former) formDefault(batches []*Batch, pending []*Task) []*Batch {
	for len(pending) > 0 {
		if len(pending) == 1 {
			batches = append(batches, newBatch(StrategySingleton, pending))
			break
		}
		n := len(pending)
		if n > f.cfg.DefaultChunkSize {
			n = f.cfg.DefaultChunkSize
		}
		batches = append(batches, newBatch(StrategyDefault, pending[:n]))
		pending = pending[n:]
	}
	return batches
}
