package executor

import (
	"errors"
	"fmt"
)

// Kind classifies why an execution failed.
type Kind string

const (
	KindSpawn       Kind = "SPAWN_ERROR"
	KindNonZeroExit Kind = "NON_ZERO_EXIT"
	KindTimeout     Kind = "TIMEOUT"
	KindCanceled    Kind = "CANCELLED"
)

var (
	// ErrSpawn is returned when the process could not be started.
	ErrSpawn = errors.New("executor: process could not be started")

	// ErrNonZeroExit is returned when the process exited unsuccessfully.
	ErrNonZeroExit = errors.New("executor: process exited with non-zero status")

	// ErrTimeout is returned when the process exceeded its time budget.
	ErrTimeout = errors.New("executor: process timed out")

	// ErrCanceled is returned when the caller gave up before the process finished.
	ErrCanceled = errors.New("executor: execution cancelled")
)

// ExecutionError describes a failed run. Error() and Excerpt are safe to show
// to clients; Err carries the raw cause and may name server paths.
type ExecutionError struct {
	Kind     Kind
	ExitCode int
	Excerpt  string
	Err      error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindNonZeroExit:
		if e.Excerpt != "" {
			return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.Excerpt)
		}
		return fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	case KindTimeout:
		return "ffmpeg timed out"
	case KindCanceled:
		return "ffmpeg run cancelled"
	default:
		return "ffmpeg could not be started"
	}
}

func (e *ExecutionError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindNonZeroExit:
		sentinel = ErrNonZeroExit
	case KindTimeout:
		sentinel = ErrTimeout
	case KindCanceled:
		sentinel = ErrCanceled
	default:
		sentinel = ErrSpawn
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}
