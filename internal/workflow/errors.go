package workflow

import (
	"errors"
	"fmt"
)

// ErrCheckpointMissing is returned by a strict resume that finds no
// usable checkpoint for the run.
var ErrCheckpointMissing = errors.New("no checkpoint to resume from")

// ExecutionError reports a node that could not run to completion.
type ExecutionError struct {
	Node Node
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow node %s: %v", e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
