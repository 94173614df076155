package domain

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound means the upstream no longer knows the task.
var ErrTaskNotFound = errors.New("task not found upstream")

// UpstreamError wraps any other failure talking to the upstream service.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
