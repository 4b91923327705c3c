package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/bgtasks/internal/store"
)

// QueueStats is a point-in-time view of one queue and its ledger.
type QueueStats struct {
	Queue        string             `json:"queue"`
	Length       int64              `json:"length"`
	TotalTasks   int                `json:"total_tasks"`
	StatusCounts map[TaskStatus]int `json:"status_counts"`
	Completed    int64              `json:"completed"`
	Failed       int64              `json:"failed"`
}

// Queue is a named priority queue plus its status ledger. Any number of
// producers and workers may share one Queue; the backend's atomic dequeue
// guarantees a task id is handed to at most one worker at a time. Ledger
// writes are last-writer-wins.
type Queue struct {
	name    string
	backend store.QueueBackend
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue named name on backend.
func NewQueue(name string, backend store.QueueBackend, logger *slog.Logger) *Queue {
	return &Queue{
		name:    name,
		backend: backend,
		logger:  logger.With("component", "task_queue", "queue", name),
		now:     time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue serializes the task, stores it in the ledger and makes it
// available to workers according to its priority.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	record, err := t.Marshal()
	if err != nil {
		return err
	}

	if err := q.backend.Enqueue(ctx, q.name, t.ID, int(t.Config.Priority), record); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", t.ID, err)
	}

	q.logger.Debug("task enqueued",
		"task_id", t.ID,
		"function", t.Function,
		"priority", t.Config.Priority,
		"status", t.Status)
	return nil
}

// Dequeue waits up to timeout for the highest priority task and removes it
// from the queue. It returns nil, nil when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	record, err := q.backend.Dequeue(ctx, q.name, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
	}
	if record == nil {
		return nil, nil
	}
	return UnmarshalTask(record)
}

// GetTaskStatus reads the ledger entry for id.
func (q *Queue) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	record, err := q.backend.Get(ctx, q.name, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return UnmarshalTask(record)
}

// UpdateTaskStatus upserts the ledger entry for t. Every call with a
// COMPLETED or FAILED status increments the matching aggregate counter, so
// repeating the same terminal update counts it again.
func (q *Queue) UpdateTaskStatus(ctx context.Context, t *Task) error {
	record, err := t.Marshal()
	if err != nil {
		return err
	}

	if err := q.backend.Put(ctx, q.name, t.ID, record); err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}

	var counter string
	switch t.Status {
	case TaskStatusCompleted:
		counter = store.CounterCompleted
	case TaskStatusFailed:
		counter = store.CounterFailed
	default:
		return nil
	}

	if err := q.backend.Incr(ctx, q.name, counter, 1); err != nil {
		return fmt.Errorf("failed to increment %s counter: %w", counter, err)
	}
	return nil
}

// GetQueueStats reports the queue length, the aggregate counters and the
// status distribution of the whole ledger. It scans every record and is
// meant for monitoring, not for hot paths.
func (q *Queue) GetQueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{
		Queue:        q.name,
		StatusCounts: make(map[TaskStatus]int),
	}

	length, err := q.backend.Len(ctx, q.name)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue length: %w", err)
	}
	stats.Length = length

	counters, err := q.backend.Counters(ctx, q.name)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue counters: %w", err)
	}
	stats.Completed = counters[store.CounterCompleted]
	stats.Failed = counters[store.CounterFailed]

	err = q.backend.Scan(ctx, q.name, func(id string, record []byte) error {
		t, err := UnmarshalTask(record)
		if err != nil {
			q.logger.Warn("skipping unreadable ledger record", "task_id", id, "error", err)
			return nil
		}
		stats.StatusCounts[t.Status]++
		stats.TotalTasks++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan ledger: %w", err)
	}

	return stats, nil
}

// ClearCompletedTasks deletes COMPLETED and FAILED ledger entries that
// finished more than olderThan ago and returns how many were removed.
func (q *Queue) ClearCompletedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	var ids []string
	err := q.backend.Scan(ctx, q.name, func(id string, record []byte) error {
		t, err := UnmarshalTask(record)
		if err != nil {
			return nil
		}
		if t.Status != TaskStatusCompleted && t.Status != TaskStatusFailed {
			return nil
		}
		if !finishedAt(t).After(cutoff) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan ledger: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	removed, err := q.backend.Delete(ctx, q.name, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ledger entries: %w", err)
	}

	q.logger.Info("cleared finished tasks", "removed", removed, "older_than", olderThan)
	return removed, nil
}

// CancelTask moves a PENDING task to CANCELLED. It reports false when the
// task is in any other state. A cancelled task stays in the priority
// structure; workers discard it when they dequeue it.
func (q *Queue) CancelTask(ctx context.Context, id string) (bool, error) {
	t, err := q.GetTaskStatus(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != TaskStatusPending {
		return false, nil
	}

	t.Status = TaskStatusCancelled
	now := q.now().UTC()
	t.Result = &TaskResult{
		TaskID:           t.ID,
		Status:           TaskStatusCancelled,
		CompletedAt:      &now,
		RetriesAttempted: t.RetriesAttempted(),
	}
	if err := q.UpdateTaskStatus(ctx, t); err != nil {
		return false, err
	}

	q.logger.Info("task cancelled", "task_id", id)
	return true, nil
}

// RequeueStuckTasks puts RUNNING tasks whose attempt started more than
// olderThan ago back to PENDING and enqueues them again. It returns how
// many tasks were requeued.
func (q *Queue) RequeueStuckTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	var stuck []*Task
	err := q.backend.Scan(ctx, q.name, func(id string, record []byte) error {
		t, err := UnmarshalTask(record)
		if err != nil {
			return nil
		}
		if t.Status != TaskStatusRunning || t.Result == nil || t.Result.StartedAt == nil {
			return nil
		}
		if t.Result.StartedAt.Before(cutoff) {
			stuck = append(stuck, t)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan ledger: %w", err)
	}

	requeued := 0
	var errs []error
	for _, t := range stuck {
		t.Status = TaskStatusPending
		t.Result.Error = "reset after being stuck in running state"
		if err := q.Enqueue(ctx, t); err != nil {
			q.logger.Error("failed to requeue stuck task", "task_id", t.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		q.logger.Info("requeued stuck task", "task_id", t.ID, "function", t.Function)
		requeued++
	}

	return requeued, errors.Join(errs...)
}

// Ping checks the backend connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.backend.Ping(ctx)
}

// Close disconnects the queue's backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// finishedAt is the completion time of the last attempt, falling back to
// the creation time for records without one.
func finishedAt(t *Task) time.Time {
	if t.Result != nil && t.Result.CompletedAt != nil {
		return *t.Result.CompletedAt
	}
	return t.CreatedAt
}
