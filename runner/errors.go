package runner

import "errors"

var (
	// ErrTaskNotFound means the task id does not exist. Fatal to that
	// execution, no retry.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskInactive means the task exists but is disabled. A normal skip,
	// not a failure.
	ErrTaskInactive = errors.New("task is inactive")
)
