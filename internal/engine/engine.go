// Package engine wires the orchestration facade: one entry point that owns
// the event bus, cache, fault handling, scheduler, graph executor, and run
// history, and exposes task submission, workflow execution, status, and
// metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillpath/stagecoach/internal/cache"
	"github.com/quillpath/stagecoach/internal/config"
	"github.com/quillpath/stagecoach/internal/events"
	"github.com/quillpath/stagecoach/internal/fault"
	"github.com/quillpath/stagecoach/internal/history"
	"github.com/quillpath/stagecoach/internal/scheduler"
	"github.com/quillpath/stagecoach/internal/workflow"
)

// Status is a point-in-time view of the engine.
type Status struct {
	QueueDepth        int
	ActiveBatches     int
	WorkerUtilization float64
	ActiveWorkflows   int
}

// Metrics aggregates processing counters and run-history statistics.
type Metrics struct {
	TasksProcessed        int64
	BatchesCompleted      int64
	WorkflowsCompleted    int64
	WorkflowsFailed       int64
	AverageCompletionTime time.Duration
	ErrorRate             float64
}

// Engine is the orchestration facade.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	bus       *events.Bus
	cache     *cache.Store
	executors *scheduler.ExecutorRegistry
	sched     *scheduler.Scheduler
	graph     *workflow.GraphExecutor
	store     history.Store
}

// New builds an engine from configuration and starts its scheduler. History
// recording is enabled when the config names a database path.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := events.NewBus()
	store := cache.NewStore(cfg.Cache, logger)
	executors := scheduler.NewExecutorRegistry()
	policy := fault.NewPolicy(cfg.Retry, logger)
	breakers := fault.NewBreakerRegistry(cfg.Breaker, logger)

	var hist history.Store
	if cfg.History.Path != "" {
		var err error
		hist, err = history.NewSQLiteStore(ctx, cfg.History.Path)
		if err != nil {
			store.Close()
			bus.Close()
			return nil, fmt.Errorf("opening history store: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		bus:       bus,
		cache:     store,
		executors: executors,
		store:     hist,
	}

	var recorder scheduler.Recorder
	if hist != nil {
		recorder = &historyRecorder{store: hist, logger: e.logger}
	}

	e.sched = scheduler.New(cfg.Scheduler, cfg.Batching, executors, policy, breakers,
		store, bus, recorder, logger)
	e.graph = workflow.NewGraphExecutor(cfg.Workflow, e.sched, store, bus, logger)

	for _, tmpl := range cfg.Templates {
		if err := e.graph.RegisterTemplate(tmpl); err != nil {
			e.Close()
			return nil, fmt.Errorf("registering template %q: %w", tmpl.Name, err)
		}
	}

	e.sched.Start(ctx)
	return e, nil
}

// RegisterExecutor maps a task kind to an executor.
func (e *Engine) RegisterExecutor(kind string, executor scheduler.Executor) {
	e.executors.Register(kind, executor)
}

// SetDefaultExecutor installs the fallback executor for unregistered kinds.
func (e *Engine) SetDefaultExecutor(executor scheduler.Executor) {
	e.executors.SetDefault(executor)
}

// RegisterTemplate adds a workflow template at runtime.
func (e *Engine) RegisterTemplate(t *workflow.Template) error {
	return e.graph.RegisterTemplate(t)
}

// Events exposes the engine's event bus for the reporting layer.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// SubmitTask queues one task and returns its future immediately.
func (e *Engine) SubmitTask(task *scheduler.Task) (*scheduler.Future, error) {
	return e.sched.Submit(task)
}

// ExecuteWorkflow runs a registered template against a description and blocks
// until the workflow finishes. The run is recorded to history either way.
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateName, description string) (*workflow.Result, error) {
	started := time.Now()
	res, err := e.graph.Execute(ctx, templateName, description)

	if e.store != nil {
		rec := history.WorkflowRecord{
			Template:   templateName,
			Duration:   time.Since(started),
			FinishedAt: time.Now(),
		}
		switch {
		case err == nil:
			rec.WorkflowID = res.WorkflowID
			rec.Status = "completed"
			rec.AutoProgressions = res.AutoProgressions
		default:
			var wfErr *workflow.WorkflowError
			if !errors.As(err, &wfErr) {
				// Unknown template: nothing to record.
				return res, err
			}
			rec.WorkflowID = wfErr.WorkflowID
			rec.Status = "failed"
			rec.FailedStage = wfErr.Stage
			rec.Error = wfErr.Cause.Error()
		}
		if recErr := e.store.RecordWorkflowRun(ctx, rec); recErr != nil {
			e.logger.Warn("recording workflow run failed",
				zap.String("workflow_id", rec.WorkflowID), zap.Error(recErr))
		}
	}

	return res, err
}

// Status returns current queue, batch, worker, and workflow gauges.
func (e *Engine) Status() Status {
	snap := e.sched.Status()
	return Status{
		QueueDepth:        snap.QueueDepth,
		ActiveBatches:     snap.ActiveBatches,
		WorkerUtilization: snap.WorkerUtilization,
		ActiveWorkflows:   e.graph.ActiveCount(),
	}
}

// Metrics returns processing counters. History-backed statistics (average
// completion time, error rate) are included when recording is enabled,
// otherwise computed from the live scheduler snapshot.
func (e *Engine) Metrics(ctx context.Context) (Metrics, error) {
	snap := e.sched.Status()
	completed, failed := e.graph.Completed()

	m := Metrics{
		TasksProcessed:        snap.TasksProcessed,
		BatchesCompleted:      snap.BatchesCompleted,
		WorkflowsCompleted:    completed,
		WorkflowsFailed:       failed,
		AverageCompletionTime: snap.AvgTaskDuration,
	}
	if snap.TasksProcessed > 0 {
		m.ErrorRate = float64(snap.TasksFailed) / float64(snap.TasksProcessed)
	}

	if e.store != nil {
		agg, err := e.store.TaskAggregates(ctx)
		if err != nil {
			return Metrics{}, fmt.Errorf("aggregating task history: %w", err)
		}
		if agg.Total > 0 {
			m.AverageCompletionTime = agg.AvgDuration
			m.ErrorRate = agg.ErrorRate
		}
	}

	return m, nil
}

// Close stops the scheduler and releases the cache, history store, and bus.
func (e *Engine) Close() {
	if e.sched != nil {
		e.sched.Stop()
	}
	e.cache.Close()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("closing history store failed", zap.Error(err))
		}
	}
	e.bus.Close()
}

// historyRecorder adapts the history store to the scheduler's Recorder
// interface. Recording failures are logged, never propagated: history is an
// audit log, not part of the scheduling contract.
type historyRecorder struct {
	store  history.Store
	logger *zap.Logger
}

func (r *historyRecorder) RecordTask(ctx context.Context, task *scheduler.Task, res scheduler.TaskResult) {
	rec := history.TaskRecord{
		TaskID:      task.ID,
		Kind:        task.Kind,
		BatchID:     res.BatchID,
		WorkerID:    res.WorkerID,
		Success:     res.Err == nil,
		Attempts:    res.Attempts,
		FromCache:   res.FromCache,
		Duration:    res.Duration,
		CompletedAt: res.CompletedAt,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := r.store.RecordTaskResult(ctx, rec); err != nil {
		r.logger.Warn("recording task result failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}
