// Package scheduler implements the task batching and worker-pool engine: a
// single-threaded scheduling loop owns the pending queue, the batch set, and
// the worker registry; a bounded-then-elastic set of workers executes batches
// and reports results back over a channel. Futures resolve on the loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillpath/stagecoach/internal/cache"
	"github.com/quillpath/stagecoach/internal/events"
	"github.com/quillpath/stagecoach/internal/fault"
)

// ErrSchedulerStopped is returned for submissions after Stop, and resolves
// any futures still outstanding at shutdown.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Config sizes the worker pool and the scheduling loop.
type Config struct {
	// MinWorkers and MaxWorkers bound the elastic pool (defaults 2 and 8).
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`

	// Tick is the scheduling tick: assignment and scaling run on it
	// (default 100ms).
	Tick time.Duration `json:"tick"`

	// QueueHighWater grows the pool when total queued tasks exceed it
	// (default 32). UtilizationLowWater shrinks the pool when the busy
	// fraction drops below it (default 0.25).
	QueueHighWater      int     `json:"queue_high_water"`
	UtilizationLowWater float64 `json:"utilization_low_water"`

	// RecycleAfter retires a worker slot after this many completed batches;
	// 0 disables recycling (default 50).
	RecycleAfter int `json:"recycle_after"`

	// SubmitBuffer sizes the submission channel (default 256).
	SubmitBuffer int `json:"submit_buffer"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          2,
		MaxWorkers:          8,
		Tick:                100 * time.Millisecond,
		QueueHighWater:      32,
		UtilizationLowWater: 0.25,
		RecycleAfter:        50,
		SubmitBuffer:        256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.QueueHighWater <= 0 {
		c.QueueHighWater = def.QueueHighWater
	}
	if c.UtilizationLowWater <= 0 {
		c.UtilizationLowWater = def.UtilizationLowWater
	}
	if c.SubmitBuffer <= 0 {
		c.SubmitBuffer = def.SubmitBuffer
	}
}

// Recorder receives terminal task results, typically backed by the run
// history store. Called from the scheduling loop; implementations must not
// block for long.
type Recorder interface {
	RecordTask(ctx context.Context, task *Task, res TaskResult)
}

// Snapshot is a point-in-time view of the scheduler for status queries.
type Snapshot struct {
	QueueDepth        int
	ActiveBatches     int
	IdleWorkers       int
	BusyWorkers       int
	WorkerUtilization float64
	TasksProcessed    int64
	TasksFailed       int64
	BatchesCompleted  int64
	AvgTaskDuration   time.Duration
}

type submission struct {
	task   *Task
	future *Future
}

type batchResult struct {
	workerID string
	batch    *Batch
	results  []TaskResult
	started  time.Time
}

// Scheduler runs the scheduling loop and the worker pool.
type Scheduler struct {
	cfg       Config
	former    *Former
	executors *ExecutorRegistry
	policy    *fault.Policy
	breakers  *fault.BreakerRegistry
	cache     *cache.Store
	bus       *events.Bus
	recorder  Recorder
	logger    *zap.Logger

	submitCh chan submission
	resultCh chan batchResult

	// Loop-owned state. Nothing outside the run loop touches these.
	pending []*Task
	queued  []*Batch
	active  map[string]*Batch
	workers map[string]*Worker
	futures map[string]*Future

	tasksProcessed   int64
	tasksFailed      int64
	batchesCompleted int64
	totalTaskTime    time.Duration

	snapMu   sync.RWMutex
	snapshot Snapshot

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a scheduler. Call Start before submitting.
func New(cfg Config, batching BatchingConfig, executors *ExecutorRegistry, policy *fault.Policy,
	breakers *fault.BreakerRegistry, store *cache.Store, bus *events.Bus, recorder Recorder,
	logger *zap.Logger) *Scheduler {

	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if batching.FormationInterval <= 0 {
		batching.FormationInterval = DefaultBatchingConfig().FormationInterval
	}

	return &Scheduler{
		cfg:       cfg,
		former:    NewFormer(batching, logger),
		executors: executors,
		policy:    policy,
		breakers:  breakers,
		cache:     store,
		bus:       bus,
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "scheduler")),
		submitCh:  make(chan submission, cfg.SubmitBuffer),
		resultCh:  make(chan batchResult, cfg.MaxWorkers),
		active:    make(map[string]*Batch),
		workers:   make(map[string]*Worker),
		futures:   make(map[string]*Future),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.MinWorkers; i++ {
			w := newWorker()
			s.workers[w.ID] = w
		}
		s.started.Store(true)
		go s.run(ctx)
	})
}

// Stop shuts the loop down and fails outstanding futures with
// ErrSchedulerStopped. In-flight batches are abandoned, not preempted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
	})
}

// Submit queues a task and returns its future immediately.
func (s *Scheduler) Submit(task *Task) (*Future, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	if task.Kind == "" {
		return nil, errors.New("task kind is required")
	}
	if s.stopped.Load() {
		return nil, ErrSchedulerStopped
	}

	task.normalize()
	fut := newFuture()

	select {
	case s.submitCh <- submission{task: task, future: fut}:
		return fut, nil
	case <-s.stopCh:
		return nil, ErrSchedulerStopped
	}
}

// Status returns the current snapshot.
func (s *Scheduler) Status() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot
}

// run is the scheduling loop. All mutation of the pending queue, the batch
// set, and the worker registry happens here.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	formTicker := time.NewTicker(s.former.cfg.FormationInterval)
	defer formTicker.Stop()
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx.Err())
			return
		case <-s.stopCh:
			s.shutdown(ErrSchedulerStopped)
			return
		case sub := <-s.submitCh:
			s.onSubmit(sub)
		case br := <-s.resultCh:
			s.onBatchResult(ctx, br)
			s.assignBatches(ctx)
		case <-formTicker.C:
			s.formBatches()
			s.assignBatches(ctx)
		case <-tick.C:
			s.scale()
			s.assignBatches(ctx)
		}
		s.updateSnapshot()
	}
}

// onSubmit registers a task in the pending queue, resolving it from the task
// cache when the task opted into caching.
func (s *Scheduler) onSubmit(sub submission) {
	t := sub.task

	if sub.future != nil {
		if t.CacheTTL > 0 {
			if value, ok := s.cache.Get(cache.TierTasks, taskCacheKey(t)); ok {
				t.Status = TaskCompleted
				sub.future.resolve(TaskResult{
					TaskID:      t.ID,
					Value:       value,
					Attempts:    0,
					FromCache:   true,
					CompletedAt: time.Now(),
				})
				return
			}
		}
		s.futures[t.ID] = sub.future
	}

	t.Status = TaskPending
	s.pending = append(s.pending, t)
}

// formBatches runs the strategy pipeline on the pending queue. Tasks move
// from the queue into exactly one batch each; held tasks stay pending.
func (s *Scheduler) formBatches() {
	batches, held := s.former.Form(time.Now(), s.pending)
	s.pending = held

	for _, b := range batches {
		s.queued = append(s.queued, b)
		s.publish(events.TopicBatch, events.BatchFormedEvent{
			BatchID:   b.ID,
			Strategy:  string(b.Strategy),
			TaskCount: len(b.Tasks),
			Timestamp: time.Now(),
		})
	}
}

// assignBatches hands queued batches to idle workers, marking them assigned;
// the worker goroutine marks them running when it picks them up. Assigning a
// batch that already left the queued state is a no-op.
func (s *Scheduler) assignBatches(ctx context.Context) {
	for len(s.queued) > 0 {
		w := s.idleWorker()
		if w == nil {
			return
		}

		b := s.queued[0]
		s.queued = s.queued[1:]
		if b.Status != BatchQueued {
			continue
		}

		b.Status = BatchAssigned
		for _, t := range b.Tasks {
			t.Status = TaskRunning
		}
		w.Status = WorkerBusy
		w.CurrentBatchID = b.ID
		s.active[b.ID] = b

		go s.executeBatch(ctx, w.ID, b)
	}
}

func (s *Scheduler) idleWorker() *Worker {
	for _, w := range s.workers {
		if w.Status == WorkerIdle {
			return w
		}
	}
	return nil
}

// executeBatch runs off-loop: it executes all tasks in the batch, dispatching
// them concurrently when the batch has more than one task. Failing tasks do
// not abort sibling tasks; partial success is allowed.
func (s *Scheduler) executeBatch(ctx context.Context, workerID string, b *Batch) {
	b.Status = BatchRunning
	started := time.Now()
	results := make([]TaskResult, len(b.Tasks))

	if len(b.Tasks) == 1 {
		results[0] = s.executeTask(ctx, workerID, b.ID, b.Tasks[0])
	} else {
		g := new(errgroup.Group)
		for i, t := range b.Tasks {
			i, t := i, t
			g.Go(func() error {
				results[i] = s.executeTask(ctx, workerID, b.ID, t)
				return nil
			})
		}
		_ = g.Wait()
	}

	select {
	case s.resultCh <- batchResult{workerID: workerID, batch: b, results: results, started: started}:
	case <-s.stopCh:
	}
}

// executeTask runs one task through its kind's circuit breaker with the
// task's timeout enforced around the executor call.
func (s *Scheduler) executeTask(ctx context.Context, workerID, batchID string, t *Task) TaskResult {
	start := time.Now()

	res := TaskResult{
		TaskID:   t.ID,
		WorkerID: workerID,
		BatchID:  batchID,
		Attempts: t.RetryCount + 1,
	}

	executor, err := s.executors.Lookup(t.Kind)
	if err != nil {
		res.Err = err
		res.CompletedAt = time.Now()
		return res
	}

	tctx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cb := s.breakers.Get(t.Kind)
	value, err := cb.Execute(func() (any, error) {
		type outcome struct {
			value any
			err   error
		}
		ch := make(chan outcome, 1)
		go func() {
			v, execErr := executor.Execute(tctx, t.Kind, t.Payload)
			ch <- outcome{value: v, err: execErr}
		}()

		select {
		case o := <-ch:
			return o.value, o.err
		case <-tctx.Done():
			// A task exceeding its timeout is a transient failure.
			return nil, tctx.Err()
		}
	})

	res.Value = value
	res.Err = err
	res.Duration = time.Since(start)
	res.CompletedAt = time.Now()
	return res
}

// onBatchResult applies per-task retry decisions and returns the worker to
// the idle pool, recycling it when it has served its quota.
func (s *Scheduler) onBatchResult(ctx context.Context, br batchResult) {
	succeeded, failed := 0, 0

	for i, res := range br.results {
		t := br.batch.Tasks[i]

		if res.Err == nil {
			succeeded++
			s.completeTask(t, res)
			continue
		}

		decision := s.policy.OnFailure(t.Kind, t.RetryCount, t.MaxRetries, res.Err)
		switch decision.Kind {
		case fault.DecisionRetry:
			t.RetryCount++
			t.Status = TaskPending
			s.publish(events.TopicTask, events.TaskRetriedEvent{
				TaskID:     t.ID,
				TaskKind:   t.Kind,
				RetryCount: t.RetryCount,
				After:      decision.After,
				Timestamp:  time.Now(),
			})
			s.requeueAfter(t, decision.After)

		case fault.DecisionRequeue:
			t.RequeueCount++
			t.Status = TaskPending
			s.publish(events.TopicTask, events.TaskRequeuedEvent{
				TaskID:    t.ID,
				TaskKind:  t.Kind,
				After:     decision.After,
				Timestamp: time.Now(),
			})
			s.requeueAfter(t, decision.After)

		default: // DecisionRollbackAndEscalate, DecisionFail
			failed++
			s.failTask(t, res)
		}
	}

	if failed > 0 {
		br.batch.Status = BatchFailed
	} else {
		br.batch.Status = BatchCompleted
	}
	delete(s.active, br.batch.ID)
	s.batchesCompleted++

	s.publish(events.TopicBatch, events.BatchCompletedEvent{
		BatchID:   br.batch.ID,
		WorkerID:  br.workerID,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  time.Since(br.started),
		Timestamp: time.Now(),
	})

	w, ok := s.workers[br.workerID]
	if !ok {
		return
	}
	w.Status = WorkerIdle
	w.CurrentBatchID = ""
	w.TasksCompleted += succeeded
	w.BatchesCompleted++

	if s.cfg.RecycleAfter > 0 && w.BatchesCompleted >= s.cfg.RecycleAfter {
		delete(s.workers, w.ID)
		fresh := newWorker()
		s.workers[fresh.ID] = fresh
		s.publish(events.TopicWorker, events.WorkerScaledEvent{
			WorkerID:  fresh.ID,
			Action:    "recycled",
			PoolSize:  len(s.workers),
			Timestamp: time.Now(),
		})
	}
}

func (s *Scheduler) completeTask(t *Task, res TaskResult) {
	t.Status = TaskCompleted
	s.tasksProcessed++
	s.totalTaskTime += res.Duration

	if t.CacheTTL > 0 && s.cache != nil {
		if err := s.cache.Put(cache.TierTasks, taskCacheKey(t), res.Value, t.CacheTTL); err != nil {
			s.logger.Warn("task result cache put failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	s.resolveFuture(t, res)
}

func (s *Scheduler) failTask(t *Task, res TaskResult) {
	t.Status = TaskFailed
	s.tasksProcessed++
	s.tasksFailed++
	s.totalTaskTime += res.Duration

	s.logger.Debug("task failed terminally",
		zap.String("task_id", t.ID),
		zap.String("kind", t.Kind),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err),
	)

	s.resolveFuture(t, res)
}

func (s *Scheduler) resolveFuture(t *Task, res TaskResult) {
	// Record before resolving so history is visible to anyone the future
	// wakes up.
	if s.recorder != nil {
		s.recorder.RecordTask(context.Background(), t, res)
	}
	if fut, ok := s.futures[t.ID]; ok {
		delete(s.futures, t.ID)
		fut.resolve(res)
	}
}

// requeueAfter puts a task back in the pending queue, immediately or after
// the decision's delay. The task keeps its registered future.
func (s *Scheduler) requeueAfter(t *Task, after time.Duration) {
	if after <= 0 {
		s.pending = append(s.pending, t)
		return
	}
	time.AfterFunc(after, func() {
		select {
		case s.submitCh <- submission{task: t}:
		case <-s.stopCh:
		}
	})
}

// scale grows the pool under sustained queue pressure and shrinks it when
// utilization drops, one worker per tick, bounded by min/max.
func (s *Scheduler) scale() {
	depth := s.queueDepth()

	if depth > s.cfg.QueueHighWater && len(s.workers) < s.cfg.MaxWorkers {
		w := newWorker()
		s.workers[w.ID] = w
		s.publish(events.TopicWorker, events.WorkerScaledEvent{
			WorkerID:  w.ID,
			Action:    "added",
			PoolSize:  len(s.workers),
			Timestamp: time.Now(),
		})
		return
	}

	if len(s.workers) <= s.cfg.MinWorkers {
		return
	}
	busy := 0
	for _, w := range s.workers {
		if w.Status == WorkerBusy {
			busy++
		}
	}
	utilization := float64(busy) / float64(len(s.workers))
	if utilization < s.cfg.UtilizationLowWater && depth == 0 {
		if w := s.idleWorker(); w != nil {
			delete(s.workers, w.ID)
			s.publish(events.TopicWorker, events.WorkerScaledEvent{
				WorkerID:  w.ID,
				Action:    "removed",
				PoolSize:  len(s.workers),
				Timestamp: time.Now(),
			})
		}
	}
}

func (s *Scheduler) queueDepth() int {
	depth := len(s.pending)
	for _, b := range s.queued {
		depth += len(b.Tasks)
	}
	return depth
}

func (s *Scheduler) updateSnapshot() {
	idle, busy := 0, 0
	for _, w := range s.workers {
		if w.Status == WorkerBusy {
			busy++
		} else {
			idle++
		}
	}

	utilization := 0.0
	if len(s.workers) > 0 {
		utilization = float64(busy) / float64(len(s.workers))
	}

	var avg time.Duration
	if s.tasksProcessed > 0 {
		avg = s.totalTaskTime / time.Duration(s.tasksProcessed)
	}

	s.snapMu.Lock()
	s.snapshot = Snapshot{
		QueueDepth:        s.queueDepth(),
		ActiveBatches:     len(s.active),
		IdleWorkers:       idle,
		BusyWorkers:       busy,
		WorkerUtilization: utilization,
		TasksProcessed:    s.tasksProcessed,
		TasksFailed:       s.tasksFailed,
		BatchesCompleted:  s.batchesCompleted,
		AvgTaskDuration:   avg,
	}
	s.snapMu.Unlock()
}

// shutdown fails every future still outstanding.
func (s *Scheduler) shutdown(cause error) {
	s.stopped.Store(true)

	for id, fut := range s.futures {
		fut.resolve(TaskResult{
			TaskID:      id,
			Err:         fmt.Errorf("abandoned: %w", cause),
			CompletedAt: time.Now(),
		})
		delete(s.futures, id)
	}
	s.updateSnapshot()
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

// taskCacheKey fingerprints a task's kind and payload.
func taskCacheKey(t *Task) string {
	h, err := hashstructure.Hash(t.Payload, hashstructure.FormatV2, nil)
	if err != nil {
		return t.Kind + ":" + t.ID
	}
	return fmt.Sprintf("%s:%x", t.Kind, h)
}
