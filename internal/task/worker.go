package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/bgtasks/internal/platform/logger"
)

// WorkerConfig holds the timing knobs of a worker loop.
type WorkerConfig struct {
	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration
	// IdlePause is the sleep after a dequeue that returned no task.
	IdlePause time.Duration
	// ErrorPause is the sleep after a store failure.
	ErrorPause time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with reasonable defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DequeueTimeout: time.Second,
		IdlePause:      100 * time.Millisecond,
		ErrorPause:     time.Second,
	}
}

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Running     bool   `json:"running"`
	CurrentTask string `json:"current_task,omitempty"`
	Processed   int64  `json:"processed"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	Retried     int64  `json:"retried"`
}

// Worker repeatedly dequeues tasks from one queue, executes them and
// applies the retry policy. Stop is cooperative: it is observed between
// tasks and never interrupts a running handler.
type Worker struct {
	id        string
	queue     *Queue
	registry  *Registry
	telemetry Telemetry
	config    WorkerConfig
	logger    *slog.Logger
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu      sync.Mutex
	current *Task

	// unqueued holds a retry whose re-enqueue failed. Only the loop
	// goroutine touches it.
	unqueued *Task

	processed atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// NewWorker creates a worker bound to queue. Unset timeouts fall back to
// DefaultWorkerConfig, a zero IdlePause disables the idle sleep and a nil
// telemetry discards measurements.
func NewWorker(
	id string,
	queue *Queue,
	registry *Registry,
	telemetry Telemetry,
	config WorkerConfig,
	logger *slog.Logger,
) *Worker {
	defaults := DefaultWorkerConfig()
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaults.DequeueTimeout
	}
	if config.IdlePause < 0 {
		config.IdlePause = defaults.IdlePause
	}
	if config.ErrorPause <= 0 {
		config.ErrorPause = defaults.ErrorPause
	}
	if telemetry == nil {
		telemetry = NopTelemetry
	}

	return &Worker{
		id:        id,
		queue:     queue,
		registry:  registry,
		telemetry: telemetry,
		config:    config,
		logger:    logger.With("component", "task_worker", "worker_id", id, "queue", queue.Name()),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// ID returns the worker id recorded in task results.
func (w *Worker) ID() string {
	return w.id
}

// Run processes tasks until Stop is called or ctx is cancelled. Store
// failures are logged and the loop resumes after ErrorPause.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	defer w.releaseUnqueued(ctx)

	for !w.stopRequested(ctx) {
		dequeued, err := w.processNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("worker iteration failed", "error", err)
			w.pause(ctx, w.config.ErrorPause)
			continue
		}
		if !dequeued {
			w.pause(ctx, w.config.IdlePause)
		}
	}
}

// Stop asks the loop to exit at its next iteration boundary.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	stats := WorkerStats{
		ID:        w.id,
		Queue:     w.queue.Name(),
		Running:   w.running.Load(),
		Processed: w.processed.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Retried:   w.retried.Load(),
	}

	w.mu.Lock()
	if w.current != nil {
		stats.CurrentTask = w.current.ID
	}
	w.mu.Unlock()

	return stats
}

// processNext dequeues and executes at most one task. It reports whether a
// task was dequeued. A retry left over from a failed re-enqueue is put back
// on the queue first.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	if err := w.requeueUnqueued(ctx); err != nil {
		return false, err
	}

	t, err := w.queue.Dequeue(ctx, w.config.DequeueTimeout)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	if t.Status == TaskStatusCancelled {
		w.logger.Info("discarding cancelled task", "task_id", t.ID, "function", t.Function)
		return true, nil
	}

	return true, w.execute(ctx, t)
}

func (w *Worker) requeueUnqueued(ctx context.Context) error {
	if w.unqueued == nil {
		return nil
	}
	if err := w.queue.Enqueue(ctx, w.unqueued); err != nil {
		return err
	}
	w.logger.Info("re-enqueued task for retry", "task_id", w.unqueued.ID)
	w.unqueued = nil
	return nil
}

// releaseUnqueued makes a last attempt to enqueue a held retry when the
// loop exits.
func (w *Worker) releaseUnqueued(ctx context.Context) {
	if w.unqueued == nil {
		return
	}
	id := w.unqueued.ID
	if err := w.requeueUnqueued(context.WithoutCancel(ctx)); err != nil {
		w.logger.Error("task left in RETRY without a queue entry", "task_id", id, "error", err)
	}
}

// execute runs one attempt of t and records its outcome in the ledger. Once
// a task is dequeued its attempt is always finished and persisted, even if
// ctx is cancelled meanwhile. The returned error reports a retry that could
// not be put back on the queue.
func (w *Worker) execute(ctx context.Context, t *Task) error {
	log := w.logger.With("task_id", t.ID, "function", t.Function, "priority", t.Config.Priority)
	ctx = logger.WithLogger(context.WithoutCancel(ctx), log)

	start := w.now()
	startedAt := start.UTC()
	if t.Result == nil {
		t.Result = &TaskResult{TaskID: t.ID}
	}
	t.Status = TaskStatusRunning
	t.Result.Status = TaskStatusRunning
	t.Result.StartedAt = &startedAt
	t.Result.CompletedAt = nil
	t.Result.WorkerID = w.id

	w.setCurrent(t)
	defer w.setCurrent(nil)

	if err := w.queue.UpdateTaskStatus(ctx, t); err != nil {
		log.Error("failed to mark task running", "error", err)
	}

	log.Info("processing task", "attempt", t.RetriesAttempted()+1)

	result, err := w.invoke(ctx, t)
	var storeErr error

	finished := w.now()
	completedAt := finished.UTC()
	duration := finished.Sub(start)
	t.Result.CompletedAt = &completedAt
	t.Result.DurationMS = duration.Milliseconds()
	w.processed.Add(1)

	switch {
	case err == nil:
		t.Status = TaskStatusCompleted
		t.Result.Status = TaskStatusCompleted
		t.Result.Result = result
		t.Result.Error = ""
		w.completed.Add(1)
		log.Info("task completed", "duration_ms", t.Result.DurationMS)

		if updateErr := w.queue.UpdateTaskStatus(ctx, t); updateErr != nil {
			log.Error("failed to update task status to completed", "error", updateErr)
		}

	case t.RetriesAttempted() < t.Config.MaxRetries && !errors.Is(err, SkipRetry):
		attempt := t.RetriesAttempted()
		delay := t.Config.RetryDelayFor(attempt)
		retryAt := completedAt.Add(delay)

		t.Status = TaskStatusRetry
		t.Result.Status = TaskStatusRetry
		t.Result.Error = err.Error()
		t.Result.RetriesAttempted = attempt + 1
		t.ScheduledAt = &retryAt
		w.retried.Add(1)
		log.Warn("task failed, scheduling retry",
			"error", err,
			"retry", attempt+1,
			"max_retries", t.Config.MaxRetries,
			"retry_delay", delay)

		// scheduled_at is advisory: the task is dequeue-eligible immediately.
		if enqueueErr := w.queue.Enqueue(ctx, t); enqueueErr != nil {
			log.Error("failed to re-enqueue task for retry", "error", enqueueErr)
			if updateErr := w.queue.UpdateTaskStatus(ctx, t); updateErr != nil {
				log.Error("failed to update task status to retry", "error", updateErr)
			}
			w.unqueued = t
			storeErr = enqueueErr
		}

	default:
		t.Status = TaskStatusFailed
		t.Result.Status = TaskStatusFailed
		t.Result.Error = err.Error()
		w.failed.Add(1)
		log.Error("task failed permanently",
			"error", err,
			"retries_attempted", t.RetriesAttempted())

		if updateErr := w.queue.UpdateTaskStatus(ctx, t); updateErr != nil {
			log.Error("failed to update task status to failed", "error", updateErr)
		}
	}

	w.telemetry.RecordPerformance(ctx, Measurement{
		Operation: "task." + t.Function,
		Duration:  duration,
		Success:   err == nil,
		Context: map[string]any{
			"task_id":   t.ID,
			"worker_id": w.id,
			"priority":  int(t.Config.Priority),
		},
	})
	return storeErr
}

// invoke resolves and calls the task's handler. Only the handler call is
// bounded by the task timeout. invoke always waits for the handler to
// return, so a timed out attempt never overlaps its own retry.
func (w *Worker) invoke(ctx context.Context, t *Task) (any, error) {
	fn, ok := w.registry.Function(t.Function)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrFunctionNotFound, t.Function))
	}

	if t.Config.Timeout <= 0 {
		return perform(ctx, fn, t)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.Config.Timeout)
	defer cancel()

	result, err := perform(callCtx, fn, t)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTaskTimeout, t.Config.Timeout, err)
		}
		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, t.Config.Timeout)
	}
	return result, err
}

// perform calls fn, converting a panic into an error.
func perform(ctx context.Context, fn HandlerFunc, t *Task) (result any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	return fn(ctx, t.Args, t.Kwargs)
}

func (w *Worker) setCurrent(t *Task) {
	w.mu.Lock()
	w.current = t
	w.mu.Unlock()
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stop:
	case <-ctx.Done():
	}
}
