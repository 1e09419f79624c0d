package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillpath/stagecoach/internal/config"
	"github.com/quillpath/stagecoach/internal/fault"
	"github.com/quillpath/stagecoach/internal/scheduler"
	"github.com/quillpath/stagecoach/internal/workflow"
)

func testEngine(t *testing.T, withHistory bool) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Scheduler.Tick = 10 * time.Millisecond
	cfg.Batching.FormationInterval = 10 * time.Millisecond
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.RandomizationFactor = 0
	cfg.Retry.RequeueWait = time.Millisecond
	if withHistory {
		cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	} else {
		cfg.History.Path = ""
	}

	e, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func registerEchoRoles(e *Engine, roles ...string) {
	for _, role := range roles {
		e.RegisterExecutor(role, scheduler.ExecutorFunc(func(_ context.Context, kind string, _ any) (any, error) {
			return kind + "-done", nil
		}))
	}
}

func TestEngineSubmitTask(t *testing.T) {
	e := testEngine(t, false)
	registerEchoRoles(e, "summarize")

	fut, err := e.SubmitTask(scheduler.NewTask("summarize", "a document"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "summarize-done", res.Value)
}

func TestEngineExecutesStandardWorkflow(t *testing.T) {
	e := testEngine(t, false)
	registerEchoRoles(e, "coder", "reviewer", "tester")

	res, err := e.ExecuteWorkflow(context.Background(), "standard", "add pagination")
	require.NoError(t, err)

	require.Len(t, res.Outputs, 4)
	assert.Equal(t, "coder-done", res.Outputs["implement"]["coder"])
	assert.Equal(t, "coder-done", res.Outputs["finalize"]["coder"])
	// Both review and test auto-progress at full success ratio.
	assert.Equal(t, 2, res.AutoProgressions)

	st := e.Status()
	assert.Zero(t, st.ActiveWorkflows)
}

func TestEngineMetricsFromHistory(t *testing.T) {
	e := testEngine(t, true)
	registerEchoRoles(e, "coder", "reviewer", "tester")
	e.RegisterExecutor("broken", scheduler.ExecutorFunc(func(_ context.Context, _ string, _ any) (any, error) {
		return nil, fault.Validation(errors.New("unusable input"))
	}))

	_, err := e.ExecuteWorkflow(context.Background(), "standard", "wire metrics")
	require.NoError(t, err)

	fut, err := e.SubmitTask(scheduler.NewTask("broken", nil))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)

	// Recording happens on the scheduling loop right before the future
	// resolves, so it is visible once the future is.
	m, err := e.Metrics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.WorkflowsCompleted)
	assert.EqualValues(t, 5, m.TasksProcessed, "four stage tasks plus the broken one")
	assert.InDelta(t, 0.2, m.ErrorRate, 1e-9)
}

func TestEngineRecordsFailedWorkflow(t *testing.T) {
	e := testEngine(t, true)
	registerEchoRoles(e, "coder", "tester")
	e.RegisterExecutor("reviewer", scheduler.ExecutorFunc(func(_ context.Context, _ string, _ any) (any, error) {
		return nil, fault.Validation(errors.New("rejected"))
	}))

	_, err := e.ExecuteWorkflow(context.Background(), "standard", "doomed change")
	var wfErr *workflow.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "review", wfErr.Stage)

	m, err := e.Metrics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, m.WorkflowsCompleted)
	assert.EqualValues(t, 1, m.WorkflowsFailed)
}

func TestEngineUnknownTemplate(t *testing.T) {
	e := testEngine(t, false)

	_, err := e.ExecuteWorkflow(context.Background(), "missing", "whatever")
	var unknown *workflow.UnknownTemplateError
	assert.ErrorAs(t, err, &unknown)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.MinWorkers = 10
	cfg.Scheduler.MaxWorkers = 2

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestEngineDefaultExecutorFallback(t *testing.T) {
	e := testEngine(t, false)
	e.SetDefaultExecutor(scheduler.ExecutorFunc(func(_ context.Context, kind string, _ any) (any, error) {
		return "handled:" + kind, nil
	}))

	fut, err := e.SubmitTask(scheduler.NewTask("anything-goes", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "handled:anything-goes", res.Value)
}
