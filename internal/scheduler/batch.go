package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the current state of a batch.
type BatchStatus int

const (
	BatchQueued    BatchStatus = iota // Formed, waiting for a worker
	BatchAssigned                     // Handed to a worker slot
	BatchRunning                      // Executing
	BatchCompleted                    // All tasks reached a terminal status
	BatchFailed                       // At least one task failed terminally
)

// FormationStrategy names the strategy that produced a batch.
type FormationStrategy string

const (
	StrategySimilarity FormationStrategy = "similarity"
	StrategyTimeWindow FormationStrategy = "time_window"
	StrategyResource   FormationStrategy = "resource"
	StrategyDefault    FormationStrategy = "default"
	// StrategySingleton marks a lone leftover dispatched individually,
	// bypassing batching.
	StrategySingleton FormationStrategy = "singleton"
)

// Batch is an immutable-once-formed group of tasks dispatched to one worker.
// Member tasks are disjoint from every other queued batch: the former removes
// tasks from the pending queue as it batches them.
type Batch struct {
	ID        string
	Tasks     []*Task
	Strategy  FormationStrategy
	CreatedAt time.Time
	Status    BatchStatus
}

func newBatch(strategy FormationStrategy, tasks []*Task) *Batch {
	for _, t := range tasks {
		t.Status = TaskBatched
	}
	return &Batch{
		ID:        uuid.NewString(),
		Tasks:     tasks,
		Strategy:  strategy,
		CreatedAt: time.Now(),
		Status:    BatchQueued,
	}
}

// WorkerStatus represents a worker slot's state.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
)

// Worker is an executor slot. Long-lived; recycled after a configurable
// number of completed batches. Mutated only by the scheduling loop.
// Invariant: Status == WorkerBusy iff CurrentBatchID != "".
type Worker struct {
	ID               string
	Status           WorkerStatus
	CurrentBatchID   string
	TasksCompleted   int
	BatchesCompleted int
}

func newWorker() *Worker {
	return &Worker{ID: uuid.NewString()}
}
