package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting in the pending queue
	TaskBatched                     // Grouped into a queued batch
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with a terminal error
)

// ComplexityClass estimates how expensive a task is to run.
type ComplexityClass string

const (
	ComplexityLow    ComplexityClass = "low"
	ComplexityMedium ComplexityClass = "medium"
	ComplexityHigh   ComplexityClass = "high"
)

// Task is one unit of work. The submitter owns it until it reaches a terminal
// status; the scheduling loop owns it in between.
type Task struct {
	ID       string
	Kind     string // routing/similarity tag, resolved to an Executor
	Payload  any
	Priority int

	Complexity    ComplexityClass
	Resources     []string          // required resource tags, used for similarity scoring
	ResourceClass map[string]string // dimension -> class, used for resource batching

	CreatedAt  time.Time
	MaxRetries int
	Timeout    time.Duration

	// CacheTTL opts the task into result caching: a later identical
	// (kind, payload) submission within the TTL resolves from cache.
	CacheTTL time.Duration

	// RetryCount never exceeds MaxRetries. RequeueCount tracks
	// resource-unavailable requeues, which don't burn the retry budget.
	RetryCount   int
	RequeueCount int

	Status TaskStatus
}

// NewTask creates a task with defaults filled in.
func NewTask(kind string, payload any) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Complexity: ComplexityMedium,
		CreatedAt:  time.Now(),
	}
}

// normalize fills zero-valued identity fields on externally built tasks.
func (t *Task) normalize() {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Complexity == "" {
		t.Complexity = ComplexityMedium
	}
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID      string
	Value       any
	Err         error
	Attempts    int
	Duration    time.Duration
	WorkerID    string
	BatchID     string
	FromCache   bool
	CompletedAt time.Time
}

// Future resolves once, when the scheduling loop receives the task's terminal
// result. Submit returns it immediately; it never blocks the submitter.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result TaskResult
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res TaskResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}
