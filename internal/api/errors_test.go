package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/bgtasks/internal/store"
	"github.com/phrazzld/bgtasks/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedMsg    string
	}{
		{
			name:           "nil error",
			err:            nil,
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "An unexpected error occurred",
		},
		{
			name:           "wrapped task not found",
			err:            fmt.Errorf("lookup: %w", task.ErrTaskNotFound),
			expectedStatus: http.StatusNotFound,
			expectedMsg:    "Task not found",
		},
		{
			name:           "queue not found",
			err:            task.ErrQueueNotFound,
			expectedStatus: http.StatusNotFound,
			expectedMsg:    "Queue not found",
		},
		{
			name:           "invalid config",
			err:            fmt.Errorf("%w: bad priority", task.ErrInvalidConfig),
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "Invalid task configuration",
		},
		{
			name:           "invalid entity",
			err:            store.ErrInvalidEntity,
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "Invalid entity data",
		},
		{
			name:           "not initialized",
			err:            task.ErrNotInitialized,
			expectedStatus: http.StatusServiceUnavailable,
			expectedMsg:    "Task engine is not running",
		},
		{
			name:           "store closed",
			err:            store.NewStoreError("task", "get", "backend closed", store.ErrClosed),
			expectedStatus: http.StatusServiceUnavailable,
			expectedMsg:    "Task store is unavailable",
		},
		{
			name:           "unknown error",
			err:            errors.New("pq: password authentication failed"),
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, MapErrorToStatusCode(tt.err))
			assert.Equal(t, tt.expectedMsg, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	type req struct {
		Function string `validate:"required"`
		Retries  int    `validate:"gte=0"`
	}

	v := validator.New()

	assert.Equal(t, "Invalid Function: required field", SanitizeValidationError(v.Struct(req{Retries: 1})))
	assert.Equal(t, "Invalid Retries: too small", SanitizeValidationError(v.Struct(req{Function: "x", Retries: -1})))
	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("something else")))
}
