package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a dedupe key is already taken.
	ErrConflict = errors.New("dedupe key conflict")
	// ErrPolicy matches every PolicyError.
	ErrPolicy = errors.New("operation not allowed")
)

// ValidationError reports a malformed request or project payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown task or project id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PolicyError reports an operation that is illegal for the task's
// current status, such as resolving a task that is not paused.
type PolicyError struct {
	Op     string
	TaskID string
	Status Status
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s not allowed for task %s in status %s", e.Op, e.TaskID, e.Status)
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

// TaskNotFound is shorthand for a NotFoundError on a task id.
func TaskNotFound(id string) error { return &NotFoundError{Kind: "task", ID: id} }

// ProjectNotFound is shorthand for a NotFoundError on a project id.
func ProjectNotFound(id string) error { return &NotFoundError{Kind: "project", ID: id} }
