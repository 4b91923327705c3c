package task

import "errors"

// Errors returned by the task engine
var (
	// ErrFunctionNotFound is returned when a task references a function key
	// that is not registered. Workers treat it as permanent.
	ErrFunctionNotFound = errors.New("task function not found")

	// ErrTaskTimeout is returned when a handler exceeds its configured timeout.
	ErrTaskTimeout = errors.New("task execution timed out")

	// ErrTaskNotFound is returned when no ledger entry exists for a task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueNotFound is returned when a named queue was never created.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInvalidConfig is returned for invalid task configs and specs.
	ErrInvalidConfig = errors.New("invalid task config")

	// ErrNotInitialized is returned by manager calls made before Initialize.
	ErrNotInitialized = errors.New("task manager not initialized")

	// SkipRetry can be returned (or wrapped) by a handler to fail the task
	// permanently without consuming its remaining retries.
	SkipRetry = errors.New("skip retry for the task")
)

// Permanent wraps err so the worker treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return SkipRetry
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, SkipRetry} }
