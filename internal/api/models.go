package api

import (
	"time"

	"github.com/phrazzld/bgtasks/internal/task"
)

// SubmitTaskRequest defines the payload for POST /api/tasks. Unset policy
// fields keep the engine defaults.
type SubmitTaskRequest struct {
	Name     string         `json:"name"     validate:"max=200"`
	Function string         `json:"function" validate:"required,max=200"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	Queue    string         `json:"queue"    validate:"max=100"`

	// Priority is a level name: low, normal, high or critical.
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high critical"`

	MaxRetries           *int     `json:"max_retries"             validate:"omitempty,gte=0,lte=100"`
	RetryDelaySeconds    *float64 `json:"retry_delay_seconds"     validate:"omitempty,gte=0"`
	RetryBackoff         *float64 `json:"retry_backoff"           validate:"omitempty,gte=1"`
	MaxRetryDelaySeconds *float64 `json:"max_retry_delay_seconds" validate:"omitempty,gte=0"`
	TimeoutSeconds       *float64 `json:"timeout_seconds"         validate:"omitempty,gte=0"`

	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

// ToSpec converts the request into a task.TaskSpec.
func (r SubmitTaskRequest) ToSpec() (task.TaskSpec, error) {
	cfg := task.DefaultTaskConfig()

	priority, err := task.ParsePriority(r.Priority)
	if err != nil {
		return task.TaskSpec{}, err
	}
	cfg.Priority = priority

	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelaySeconds != nil {
		cfg.RetryDelay = seconds(*r.RetryDelaySeconds)
	}
	if r.RetryBackoff != nil {
		cfg.RetryBackoff = *r.RetryBackoff
	}
	if r.MaxRetryDelaySeconds != nil {
		cfg.MaxRetryDelay = seconds(*r.MaxRetryDelaySeconds)
	}
	if r.TimeoutSeconds != nil {
		cfg.Timeout = seconds(*r.TimeoutSeconds)
	}
	cfg.Tags = r.Tags
	cfg.Metadata = r.Metadata

	return task.TaskSpec{
		Name:     r.Name,
		Function: r.Function,
		Args:     r.Args,
		Kwargs:   r.Kwargs,
		Config:   &cfg,
		Queue:    r.Queue,
	}, nil
}

// SubmitTaskResponse is returned with 202 Accepted after a submission.
type SubmitTaskResponse struct {
	TaskID string          `json:"task_id"`
	Status task.TaskStatus `json:"status"`
}

// CancelTaskResponse reports whether a cancellation changed the task.
type CancelTaskResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
