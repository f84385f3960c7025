package task

import (
	"errors"
	"fmt"
)

// Common task errors
var (
	ErrNotFound          = errors.New("task not found")
	ErrQueueFull         = errors.New("task queue is full")
	ErrPoolSaturated     = errors.New("pool saturation timeout")
	ErrDeadlineExceeded  = errors.New("task deadline exceeded")
	ErrCancelled         = errors.New("task cancelled")
	ErrTerminal          = errors.New("task already in terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSchedulerStopped  = errors.New("scheduler is not running")
	ErrUnknownHandler    = errors.New("unknown task type")
)

// ValidationError represents a rejected submission
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ExecutionError wraps a failure raised by a payload during one attempt
type ExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
