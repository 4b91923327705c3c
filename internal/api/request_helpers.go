package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/bgtasks/internal/task"
)

// getPathTaskID extracts and validates a task id from the URL path. Task
// ids are UUID strings.
func getPathTaskID(r *http.Request, paramName string) (string, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return "", fmt.Errorf("%w: %s is required", task.ErrInvalidConfig, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return "", fmt.Errorf("%w: %s has invalid format", task.ErrInvalidConfig, paramName)
	}

	return id.String(), nil
}
