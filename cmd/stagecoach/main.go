package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quillpath/stagecoach/internal/config"
	"github.com/quillpath/stagecoach/internal/engine"
	"github.com/quillpath/stagecoach/internal/events"
	"github.com/quillpath/stagecoach/internal/scheduler"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a project config file (default: conventional paths)")
		workflowArg = flag.String("workflow", "", "workflow template to execute")
		description = flag.String("description", "", "task description handed to the workflow")
		taskKind    = flag.String("kind", "digest", "task kind for ad-hoc submission")
		taskCount   = flag.Int("tasks", 0, "number of ad-hoc tasks to submit instead of a workflow")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	// The digest executor stands in for real agent work: it hashes the
	// payload so results are deterministic and non-trivial.
	eng.SetDefaultExecutor(scheduler.ExecutorFunc(digest))

	go logEvents(eng.Events(), logger)

	switch {
	case *taskCount > 0:
		err = runTasks(ctx, eng, *taskKind, *taskCount, logger)
	case *workflowArg != "":
		err = runWorkflow(ctx, eng, *workflowArg, *description, logger)
	default:
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -workflow NAME or -tasks N")
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printMetrics(ctx, eng)
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load("", path)
	}
	return config.LoadDefault()
}

// digest is the built-in fallback executor: a sha256 over the payload.
func digest(ctx context.Context, kind string, payload any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s: %w", kind, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func runWorkflow(ctx context.Context, eng *engine.Engine, name, description string, logger *zap.Logger) error {
	started := time.Now()
	res, err := eng.ExecuteWorkflow(ctx, name, description)
	if err != nil {
		return err
	}

	fmt.Printf("Workflow %s (%s) completed in %s\n", res.WorkflowID, res.Template, res.Duration.Round(time.Millisecond))
	fmt.Printf("  stages: %d (%d from cache), auto-progressions: %d\n",
		len(res.Outputs), res.CachedStages, res.AutoProgressions)
	logger.Info("workflow finished",
		zap.String("template", name),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func runTasks(ctx context.Context, eng *engine.Engine, kind string, count int, logger *zap.Logger) error {
	futures := make([]*scheduler.Future, 0, count)
	for i := 0; i < count; i++ {
		task := scheduler.NewTask(kind, map[string]int{"seq": i})
		task.MaxRetries = 3
		fut, err := eng.SubmitTask(task)
		if err != nil {
			return fmt.Errorf("submitting task %d: %w", i, err)
		}
		futures = append(futures, fut)
	}

	succeeded, failed := 0, 0
	for _, fut := range futures {
		res, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Err != nil {
			failed++
			logger.Warn("task failed", zap.String("task_id", res.TaskID), zap.Error(res.Err))
			continue
		}
		succeeded++
	}

	fmt.Printf("Tasks done: %d succeeded, %d failed\n", succeeded, failed)
	return nil
}

// logEvents drains the bus so batch formation and scaling are observable.
func logEvents(bus *events.Bus, logger *zap.Logger) {
	for ev := range bus.SubscribeAll(256) {
		logger.Info("event",
			zap.String("kind", string(ev.EventKind())),
			zap.String("subject", ev.Subject()),
		)
	}
}

func printMetrics(ctx context.Context, eng *engine.Engine) {
	m, err := eng.Metrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading metrics: %v\n", err)
		return
	}
	fmt.Printf("Metrics: tasks=%d batches=%d workflows=%d avg=%s error_rate=%.2f\n",
		m.TasksProcessed, m.BatchesCompleted, m.WorkflowsCompleted,
		m.AverageCompletionTime.Round(time.Millisecond), m.ErrorRate)
}
