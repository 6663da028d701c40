package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidDate        = errors.New("invalid date")
	ErrRecurrence         = errors.New("invalid recurrence")
	ErrNotFound           = errors.New("task not found")
	ErrNotInExpectedState = errors.New("task not in expected state")
	ErrTimeout            = errors.New("task execution timed out")
)

// Validationf returns an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Recurrencef returns an error matching ErrRecurrence.
func Recurrencef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRecurrence, fmt.Sprintf(format, args...))
}

// NotFound returns an error matching ErrNotFound for the given id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ExecutionError records why a task run failed. It is what the executor queue
// writes onto the task; it never escapes the poll loop.
type ExecutionError struct {
	TaskID string
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
