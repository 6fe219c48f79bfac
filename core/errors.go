package core

import (
	"errors"
	"fmt"
	"regexp"
)

// Engine errors. Callers match them with errors.Is.
var (
	ErrSelection         = errors.New("invalid selector value")
	ErrNotLeaf           = errors.New("factory is not a leaf")
	ErrInvalidName       = errors.New("invalid name")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrBindingType       = errors.New("incompatible data type")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTask              = errors.New("task failed")
	ErrWatchdogTimeout   = errors.New("watchdog timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrNotFound          = errors.New("not found")
	ErrInvalidParameter  = errors.New("invalid parameter value")
	ErrSequence          = errors.New("sequence error")
	ErrAlreadyBound      = errors.New("target already bound")
	ErrNoData            = errors.New("no data available")
	ErrBreakerLeak       = errors.New("breaker not released")
)

// TaskError is captured on a task when its execution fails, is cancelled or
// is stopped by the watchdog. Cause wraps one of ErrTask, ErrCancelled or
// ErrWatchdogTimeout.
type TaskError struct {
	TaskID string // ID of the failed task
	Module string // module or proxy the task was running
	Cause  error  // underlying error
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s (task %s): %v", e.Module, e.TaskID, e.Cause)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName checks that a module, proxy or logger name only uses
// letters, digits, '.', '-' and '_'.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (allowed: letters, digits, '.', '-', '_')", ErrInvalidName, name)
	}
	return nil
}
