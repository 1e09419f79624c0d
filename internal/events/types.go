package events

import (
	"time"
)

// Event is the base interface for all engine events.
type Event interface {
	EventKind() Kind
	Subject() string
}

// Kind is the closed set of event kinds emitted by the engine.
// Consumers should switch on Kind rather than type-assert where possible.
type Kind string

const (
	KindWorkflowStarted   Kind = "workflow.started"
	KindWorkflowCompleted Kind = "workflow.completed"
	KindWorkflowFailed    Kind = "workflow.failed"
	KindStageCompleted    Kind = "stage.completed"
	KindStageFailed       Kind = "stage.failed"
	KindAutoProgression   Kind = "stage.auto_progression"
	KindBatchFormed       Kind = "batch.formed"
	KindBatchCompleted    Kind = "batch.completed"
	KindTaskRetried       Kind = "task.retried"
	KindTaskRequeued      Kind = "task.requeued"
	KindWorkerScaled      Kind = "worker.scaled"
)

// Topic constants
const (
	TopicWorkflow = "workflow"
	TopicStage    = "stage"
	TopicBatch    = "batch"
	TopicTask     = "task"
	TopicWorker   = "worker"
)

// WorkflowStartedEvent is published when a workflow instance begins execution.
type WorkflowStartedEvent struct {
	WorkflowID string
	Template   string
	Timestamp  time.Time
}

func (e WorkflowStartedEvent) EventKind() Kind { return KindWorkflowStarted }
func (e WorkflowStartedEvent) Subject() string { return e.WorkflowID }

// WorkflowCompletedEvent is published when every stage of a workflow completed.
type WorkflowCompletedEvent struct {
	WorkflowID string
	Template   string
	Duration   time.Duration
	Timestamp  time.Time
}

func (e WorkflowCompletedEvent) EventKind() Kind { return KindWorkflowCompleted }
func (e WorkflowCompletedEvent) Subject() string { return e.WorkflowID }

// WorkflowFailedEvent is published when a workflow terminates with a failed stage.
type WorkflowFailedEvent struct {
	WorkflowID string
	Template   string
	Stage      string
	Err        error
	Timestamp  time.Time
}

func (e WorkflowFailedEvent) EventKind() Kind { return KindWorkflowFailed }
func (e WorkflowFailedEvent) Subject() string { return e.WorkflowID }

// StageCompletedEvent is published when a stage finishes, including cache reuse.
type StageCompletedEvent struct {
	WorkflowID   string
	Stage        string
	SuccessRatio float64
	FromCache    bool
	Duration     time.Duration
	Timestamp    time.Time
}

func (e StageCompletedEvent) EventKind() Kind { return KindStageCompleted }
func (e StageCompletedEvent) Subject() string { return e.Stage }

// StageFailedEvent is published when a stage exhausts its error handling.
type StageFailedEvent struct {
	WorkflowID string
	Stage      string
	Err        error
	Timestamp  time.Time
}

func (e StageFailedEvent) EventKind() Kind { return KindStageFailed }
func (e StageFailedEvent) Subject() string { return e.Stage }

// AutoProgressionEvent records that a stage advanced without external
// confirmation. Accounting only: progression happens either way.
type AutoProgressionEvent struct {
	WorkflowID   string
	Stage        string
	SuccessRatio float64
	Threshold    float64
	Timestamp    time.Time
}

func (e AutoProgressionEvent) EventKind() Kind { return KindAutoProgression }
func (e AutoProgressionEvent) Subject() string { return e.Stage }

// BatchFormedEvent is published when the former groups tasks into a batch.
type BatchFormedEvent struct {
	BatchID   string
	Strategy  string
	TaskCount int
	Timestamp time.Time
}

func (e BatchFormedEvent) EventKind() Kind { return KindBatchFormed }
func (e BatchFormedEvent) Subject() string { return e.BatchID }

// BatchCompletedEvent is published when a worker finishes a batch.
type BatchCompletedEvent struct {
	BatchID   string
	WorkerID  string
	Succeeded int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e BatchCompletedEvent) EventKind() Kind { return KindBatchCompleted }
func (e BatchCompletedEvent) Subject() string { return e.BatchID }

// TaskRetriedEvent is published when a failed task is scheduled for retry.
type TaskRetriedEvent struct {
	TaskID     string
	TaskKind   string
	RetryCount int
	After      time.Duration
	Timestamp  time.Time
}

func (e TaskRetriedEvent) EventKind() Kind { return KindTaskRetried }
func (e TaskRetriedEvent) Subject() string { return e.TaskID }

// TaskRequeuedEvent is published when a task is requeued after a
// resource-unavailable failure. Requeues do not count against retries.
type TaskRequeuedEvent struct {
	TaskID    string
	TaskKind  string
	After     time.Duration
	Timestamp time.Time
}

func (e TaskRequeuedEvent) EventKind() Kind { return KindTaskRequeued }
func (e TaskRequeuedEvent) Subject() string { return e.TaskID }

// WorkerScaledEvent is published when the pool grows, shrinks, or recycles a slot.
type WorkerScaledEvent struct {
	WorkerID  string
	Action    string // "added", "removed", "recycled"
	PoolSize  int
	Timestamp time.Time
}

func (e WorkerScaledEvent) EventKind() Kind { return KindWorkerScaled }
func (e WorkerScaledEvent) Subject() string { return e.WorkerID }
