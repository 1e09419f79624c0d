package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillpath/stagecoach/internal/cache"
	"github.com/quillpath/stagecoach/internal/events"
	"github.com/quillpath/stagecoach/internal/fault"
	"github.com/quillpath/stagecoach/internal/scheduler"
)

// Submitter feeds stage tasks into the shared scheduler.
type Submitter interface {
	Submit(task *scheduler.Task) (*scheduler.Future, error)
}

// Config holds the graph executor defaults; templates can override per field.
type Config struct {
	// GroupTimeout bounds each ready group's wall time (default 5m). A
	// group exceeding it fails the owning workflow rather than hang.
	GroupTimeout time.Duration `json:"group_timeout"`
	// SuccessThreshold is the default auto-progression threshold for
	// stages that don't set their own (default 0.8).
	SuccessThreshold float64 `json:"success_threshold"`
	// StageCacheTTL is the default stage-output cache lifetime (default 30m).
	StageCacheTTL time.Duration `json:"stage_cache_ttl"`
}

// DefaultConfig returns the default graph executor configuration.
func DefaultConfig() Config {
	return Config{
		GroupTimeout:     5 * time.Minute,
		SuccessThreshold: 0.8,
		StageCacheTTL:    30 * time.Minute,
	}
}

// GraphExecutor plans and runs workflow templates over the shared scheduler.
// Active workflows live in an arena owned by the executor; callers hold only
// workflow ids.
type GraphExecutor struct {
	cfg    Config
	sched  Submitter
	cache  *cache.Store
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]*Template
	active    map[string]*Workflow
	completed int64
	failed    int64
}

// NewGraphExecutor creates a graph executor.
func NewGraphExecutor(cfg Config, sched Submitter, store *cache.Store, bus *events.Bus, logger *zap.Logger) *GraphExecutor {
	def := DefaultConfig()
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = def.GroupTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.StageCacheTTL == 0 {
		cfg.StageCacheTTL = def.StageCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphExecutor{
		cfg:       cfg,
		sched:     sched,
		cache:     store,
		bus:       bus,
		logger:    logger.With(zap.String("component", "graph_executor")),
		templates: make(map[string]*Template),
		active:    make(map[string]*Workflow),
	}
}

// RegisterTemplate validates and registers a template. A cyclic template is
// registered anyway: planning self-heals, so the defect is logged, not fatal.
func (x *GraphExecutor) RegisterTemplate(t *Template) error {
	if err := t.Validate(); err != nil {
		var cyclic *CyclicDependencyError
		if !errors.As(err, &cyclic) {
			return err
		}
		x.logger.Warn("template has a dependency cycle; planning will break it",
			zap.String("template", t.Name),
			zap.Error(cyclic),
		)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, dup := x.templates[t.Name]; dup {
		return fmt.Errorf("template %q already registered", t.Name)
	}
	x.templates[t.Name] = t
	return nil
}

// ActiveCount returns the number of workflows currently in the arena.
func (x *GraphExecutor) ActiveCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.active)
}

// Completed returns the counts of completed and failed workflow runs.
func (x *GraphExecutor) Completed() (completed, failed int64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.completed, x.failed
}

// Execute runs a template against one caller description and blocks until
// the workflow completes or fails. Cancelling ctx stops dispatch of further
// groups; already-dispatched tasks run to completion or timeout.
func (x *GraphExecutor) Execute(ctx context.Context, templateName, description string) (*Result, error) {
	x.mu.RLock()
	tmpl, ok := x.templates[templateName]
	x.mu.RUnlock()
	if !ok {
		return nil, &UnknownTemplateError{Name: templateName}
	}

	wf := newWorkflow(tmpl, description)
	x.mu.Lock()
	x.active[wf.ID] = wf
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.active, wf.ID)
		x.mu.Unlock()
	}()

	started := time.Now()
	wf.StartedAt = started
	wf.Status = StatusRunning
	x.publish(events.TopicWorkflow, events.WorkflowStartedEvent{
		WorkflowID: wf.ID,
		Template:   tmpl.Name,
		Timestamp:  started,
	})

	groups := Plan(tmpl, x.logger)
	outputs := make(map[string]map[string]any, len(tmpl.Stages))
	autoProgressions := 0
	cachedStages := 0

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, x.fail(wf, group[0], fmt.Errorf("workflow cancelled: %w", err), outputs)
		}

		gctx, cancel := context.WithTimeout(ctx, x.groupTimeout(tmpl))
		stageErrs := make([]error, len(group))

		g := new(errgroup.Group)
		for i, name := range group {
			i := i
			stage := wf.stage(name)
			g.Go(func() error {
				stageErrs[i] = x.runStage(gctx, wf, tmpl, stage, outputs)
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		for i, name := range group {
			stage := wf.stage(name)
			if err := stageErrs[i]; err != nil {
				return nil, x.fail(wf, name, err, outputs)
			}

			outputs[name] = stage.Outputs
			if stage.FromCache {
				cachedStages++
				continue
			}

			threshold := stage.Spec.SuccessThreshold
			if threshold <= 0 {
				threshold = x.cfg.SuccessThreshold
			}
			// Auto-progression is accounting only: the event is recorded
			// when the stage qualifies, and the workflow advances either
			// way.
			if stage.Spec.AutoProgress && stage.SuccessRatio >= threshold {
				autoProgressions++
				x.publish(events.TopicStage, events.AutoProgressionEvent{
					WorkflowID:   wf.ID,
					Stage:        name,
					SuccessRatio: stage.SuccessRatio,
					Threshold:    threshold,
					Timestamp:    time.Now(),
				})
			}
		}
	}

	wf.Status = StatusCompleted
	duration := time.Since(started)
	x.publish(events.TopicWorkflow, events.WorkflowCompletedEvent{
		WorkflowID: wf.ID,
		Template:   tmpl.Name,
		Duration:   duration,
		Timestamp:  time.Now(),
	})
	x.mu.Lock()
	x.completed++
	x.mu.Unlock()

	return &Result{
		WorkflowID:       wf.ID,
		Template:         tmpl.Name,
		Outputs:          outputs,
		AutoProgressions: autoProgressions,
		CachedStages:     cachedStages,
		Duration:         duration,
	}, nil
}

// runStage executes one stage: cache lookup first, otherwise one task per
// executor role joined over their futures. A stage succeeds if at least one
// role produced output; its success ratio is succeeded/total.
func (x *GraphExecutor) runStage(ctx context.Context, wf *Workflow, tmpl *Template, stage *Stage, prior map[string]map[string]any) error {
	name := stage.Spec.Name
	stage.Status = StageRunning
	started := time.Now()

	key := stageCacheKey(tmpl.Name, name, wf.Description)
	ttl := x.stageCacheTTL(tmpl)
	if ttl > 0 && x.cache != nil {
		if value, ok := x.cache.Get(cache.TierStages, key); ok {
			if outputs, ok := value.(map[string]any); ok {
				stage.Outputs = outputs
				stage.Status = StageCompleted
				stage.SuccessRatio = 1.0
				stage.FromCache = true
				x.publish(events.TopicStage, events.StageCompletedEvent{
					WorkflowID:   wf.ID,
					Stage:        name,
					SuccessRatio: 1.0,
					FromCache:    true,
					Duration:     time.Since(started),
					Timestamp:    time.Now(),
				})
				return nil
			}
		}
	}

	inputs := make(map[string]map[string]any, len(stage.Spec.DependsOn))
	for _, dep := range stage.Spec.DependsOn {
		if out, ok := prior[dep]; ok {
			inputs[dep] = out
		}
	}

	futures := make(map[string]*scheduler.Future, len(stage.Spec.Executors))
	for _, role := range stage.Spec.Executors {
		task := scheduler.NewTask(role, StagePayload{
			WorkflowID:  wf.ID,
			Template:    tmpl.Name,
			Stage:       name,
			Role:        role,
			Description: wf.Description,
			Inputs:      inputs,
		})
		fut, err := x.sched.Submit(task)
		if err != nil {
			stage.Status = StageFailed
			return fmt.Errorf("submitting stage %q role %q: %w", name, role, err)
		}
		futures[role] = fut
	}

	outputs := make(map[string]any, len(futures))
	var lastErr error
	succeeded := 0
	for role, fut := range futures {
		res, err := fut.Wait(ctx)
		if err != nil {
			// Group timeout or cancellation: the workflow fails rather
			// than hang on in-flight work.
			stage.Status = StageFailed
			return fmt.Errorf("stage %q group wait: %w", name, err)
		}
		if res.Err != nil {
			lastErr = res.Err
			continue
		}
		outputs[role] = res.Value
		succeeded++
	}

	stage.SuccessRatio = float64(succeeded) / float64(len(futures))
	stage.Outputs = outputs

	if succeeded == 0 {
		if fault.Classify(lastErr) == fault.CategoryValidation {
			stage.Status = StageRolledBack
		} else {
			stage.Status = StageFailed
		}
		x.publish(events.TopicStage, events.StageFailedEvent{
			WorkflowID: wf.ID,
			Stage:      name,
			Err:        lastErr,
			Timestamp:  time.Now(),
		})
		return fmt.Errorf("stage %q: all executors failed: %w", name, lastErr)
	}

	stage.Status = StageCompleted
	if ttl > 0 && x.cache != nil {
		if err := x.cache.Put(cache.TierStages, key, outputs, ttl); err != nil {
			x.logger.Warn("stage output cache put failed", zap.String("stage", name), zap.Error(err))
		}
	}
	x.publish(events.TopicStage, events.StageCompletedEvent{
		WorkflowID:   wf.ID,
		Stage:        name,
		SuccessRatio: stage.SuccessRatio,
		Duration:     time.Since(started),
		Timestamp:    time.Now(),
	})
	return nil
}

// fail marks the workflow failed and wraps the cause with the partial stage
// outputs already produced.
func (x *GraphExecutor) fail(wf *Workflow, stage string, cause error, outputs map[string]map[string]any) error {
	wf.Status = StatusFailed
	x.mu.Lock()
	x.failed++
	x.mu.Unlock()

	x.publish(events.TopicWorkflow, events.WorkflowFailedEvent{
		WorkflowID: wf.ID,
		Template:   wf.TemplateName,
		Stage:      stage,
		Err:        cause,
		Timestamp:  time.Now(),
	})

	return &WorkflowError{
		WorkflowID: wf.ID,
		Template:   wf.TemplateName,
		Stage:      stage,
		Cause:      cause,
		Outputs:    outputs,
	}
}

func (x *GraphExecutor) groupTimeout(t *Template) time.Duration {
	if t.GroupTimeout > 0 {
		return t.GroupTimeout
	}
	return x.cfg.GroupTimeout
}

func (x *GraphExecutor) stageCacheTTL(t *Template) time.Duration {
	if t.CacheTTL != 0 {
		return t.CacheTTL
	}
	return x.cfg.StageCacheTTL
}

func (x *GraphExecutor) publish(topic string, ev events.Event) {
	if x.bus != nil {
		x.bus.Publish(topic, ev)
	}
}

// StagePayload is the task payload handed to each stage executor role.
type StagePayload struct {
	WorkflowID  string
	Template    string
	Stage       string
	Role        string
	Description string
	// Inputs maps completed dependency stage names to their outputs.
	Inputs map[string]map[string]any
}

func stageCacheKey(template, stage, description string) string {
	return template + ":" + stage + ":" + description
}
