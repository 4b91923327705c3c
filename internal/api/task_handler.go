package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/bgtasks/internal/api/shared"
	"github.com/phrazzld/bgtasks/internal/platform/logger"
	"github.com/phrazzld/bgtasks/internal/task"
)

// TaskHandler handles task related HTTP requests.
type TaskHandler struct {
	service task.Service
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service task.Service) *TaskHandler {
	return &TaskHandler{service: service}
}

// SubmitTask handles POST /api/tasks requests
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	spec, err := req.ToSpec()
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	id, err := h.service.SubmitTask(r.Context(), spec)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	logger.FromContext(r.Context()).Info("task accepted",
		"task_id", id,
		"function", spec.Function,
		"queue", spec.Queue)

	// Processing happens asynchronously
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{
		TaskID: id,
		Status: task.TaskStatusPending,
	})
}

// GetTask handles GET /api/tasks/{id} requests
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r, "id")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	t, err := h.service.GetTaskStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// CancelTask handles DELETE /api/tasks/{id} requests. Only PENDING tasks
// can be cancelled; for any other state the response reports false.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r, "id")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	cancelled, err := h.service.CancelTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{
		TaskID:    id,
		Cancelled: cancelled,
	})
}

// GetStats handles GET /api/stats requests
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetSystemStats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to collect stats")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Health handles GET /health requests. It reports 503 until the engine is
// initialized and while its store does not answer.
func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.CheckHealth(r.Context())
	if err != nil {
		if !errors.Is(err, task.ErrNotInitialized) {
			logger.FromContext(r.Context()).Warn("health check failed", "error", err)
		}
		shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: health.UptimeSeconds,
	})
}
