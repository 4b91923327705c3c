package task

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Priority orders tasks within a queue. Higher values are dequeued first.
type Priority int

// Priority levels
const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a level name into a Priority.
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(name) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, name)
	}
}

// TaskConfig is the execution policy embedded in every task.
type TaskConfig struct {
	// MaxRetries is how many times a failing task is re-enqueued before it is FAILED.
	MaxRetries int `json:"max_retries" validate:"gte=0"`
	// RetryDelay is the base delay before the first retry.
	RetryDelay time.Duration `json:"retry_delay" validate:"gte=0"`
	// RetryBackoff multiplies the delay on every further attempt.
	RetryBackoff float64 `json:"retry_backoff" validate:"gte=1"`
	// MaxRetryDelay caps the computed delay. Zero means no cap.
	MaxRetryDelay time.Duration `json:"max_retry_delay" validate:"gte=0"`
	// Timeout bounds a single handler invocation. Zero means no timeout.
	Timeout  time.Duration  `json:"timeout,omitempty" validate:"gte=0"`
	Priority Priority       `json:"priority" validate:"oneof=1 5 10 20"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DefaultTaskConfig returns the policy applied when a caller supplies none.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		MaxRetries:    3,
		RetryDelay:    60 * time.Second,
		RetryBackoff:  2.0,
		MaxRetryDelay: time.Hour,
		Priority:      PriorityNormal,
	}
}

var configValidator = validator.New()

// Validate checks the config fields against their constraints.
func (c TaskConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RetryDelayFor returns min(RetryDelay * RetryBackoff^attempt, MaxRetryDelay)
// where attempt is the number of retries already made.
func (c TaskConfig) RetryDelayFor(attempt int) time.Duration {
	backoff := c.RetryBackoff
	if backoff < 1 {
		backoff = 1
	}
	delay := float64(c.RetryDelay) * math.Pow(backoff, float64(attempt))
	if c.MaxRetryDelay > 0 && delay > float64(c.MaxRetryDelay) {
		return c.MaxRetryDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// TaskResult records the outcome of the most recent execution attempt.
type TaskResult struct {
	TaskID           string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	Result           any        `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
	RetriesAttempted int        `json:"retries_attempted"`
	WorkerID         string     `json:"worker_id,omitempty"`
}

// Task is a unit of background work: a registered function reference, its
// arguments and its execution policy. The queue ledger owns the
// authoritative copy; workers only hold transient copies while executing.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Function    string         `json:"function"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	Config      TaskConfig     `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Status      TaskStatus     `json:"status"`
	Result      *TaskResult    `json:"result,omitempty"`
}

// TaskSpec describes a task to submit or schedule.
type TaskSpec struct {
	Name     string
	Function string
	Args     []any
	Kwargs   map[string]any
	// Config defaults to DefaultTaskConfig when nil.
	Config *TaskConfig
	// Queue defaults to the manager's default queue when empty.
	Queue string
}

// NewTask builds a PENDING task with a fresh id from spec.
func NewTask(spec TaskSpec, now time.Time) (*Task, error) {
	if spec.Function == "" {
		return nil, fmt.Errorf("%w: function is required", ErrInvalidConfig)
	}

	cfg := DefaultTaskConfig()
	if spec.Config != nil {
		cfg = *spec.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := spec.Name
	if name == "" {
		name = spec.Function
	}

	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Function:  spec.Function,
		Args:      spec.Args,
		Kwargs:    spec.Kwargs,
		Config:    cfg,
		CreatedAt: now.UTC(),
		Status:    TaskStatusPending,
	}, nil
}

// RetriesAttempted returns how many retries the task has consumed.
func (t *Task) RetriesAttempted() int {
	if t.Result == nil {
		return 0
	}
	return t.Result.RetriesAttempted
}

// Marshal serializes the task for the store.
func (t *Task) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}
	return data, nil
}

// UnmarshalTask decodes a record produced by Marshal.
func UnmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return &t, nil
}
