package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a workflow instance.
type Status int

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// StageStatus is the lifecycle state of one stage instance.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageCompleted
	StageFailed
	// StageRolledBack marks a stage whose failure was a validation error:
	// partial effects were escalated rather than retried.
	StageRolledBack
)

func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "rolled_back"
	}
}

// Stage is a runtime stage instance. A running stage is realized as one task
// per executor role, fed through the shared scheduler.
type Stage struct {
	Spec   StageSpec
	Status StageStatus

	// Outputs maps executor role to its result value.
	Outputs map[string]any

	SuccessRatio float64
	FromCache    bool
}

// Workflow is one instantiation of a template bound to a caller's
// description. Owned by the graph executor's arena; external components refer
// to it only by ID.
type Workflow struct {
	ID           string
	TemplateName string
	Mode         CoordinationMode
	Description  string
	Stages       []*Stage
	Status       Status
	StartedAt    time.Time
}

func newWorkflow(t *Template, description string) *Workflow {
	stages := make([]*Stage, len(t.Stages))
	for i, spec := range t.Stages {
		stages[i] = &Stage{Spec: spec, Status: StagePending}
	}
	return &Workflow{
		ID:           uuid.NewString(),
		TemplateName: t.Name,
		Mode:         t.Mode,
		Description:  description,
		Stages:       stages,
		Status:       StatusInitializing,
	}
}

func (w *Workflow) stage(name string) *Stage {
	for _, s := range w.Stages {
		if s.Spec.Name == name {
			return s
		}
	}
	return nil
}

// Result is the terminal outcome of a successful workflow run.
type Result struct {
	WorkflowID string
	Template   string

	// Outputs maps stage name to its per-role outputs.
	Outputs map[string]map[string]any

	// AutoProgressions counts stages that advanced under the
	// auto-progression accounting rule.
	AutoProgressions int

	CachedStages int
	Duration     time.Duration
}
