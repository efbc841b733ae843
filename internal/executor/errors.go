package executor

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/autoci/internal/models"
)

// Process runner errors.
var (
	// ErrTimeout is returned when a process outlives its timeout.
	ErrTimeout = errors.New("process timed out")

	// ErrCancelled is returned when a process is terminated on request.
	ErrCancelled = errors.New("process cancelled")

	// ErrSpawn is returned when a process cannot be started.
	ErrSpawn = errors.New("process could not be started")

	// ErrEmptyCommand is returned when there is nothing to run.
	ErrEmptyCommand = errors.New("empty command")
)

// ExecError describes why a process did not produce a trustworthy exit code.
type ExecError struct {
	Kind    models.FailureKind
	Command string
	Err     error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	switch e.Kind {
	case models.FailureTimeout:
		return fmt.Sprintf("command %q timed out: %v", e.Command, e.Err)
	case models.FailureCancelled:
		return fmt.Sprintf("command %q cancelled", e.Command)
	case models.FailureSpawn:
		return fmt.Sprintf("command %q could not be started: %v", e.Command, e.Err)
	default:
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error kind.
func (e *ExecError) Is(target error) bool {
	switch e.Kind {
	case models.FailureTimeout:
		return target == ErrTimeout
	case models.FailureCancelled:
		return target == ErrCancelled
	case models.FailureSpawn:
		return target == ErrSpawn
	}
	return false
}

// KindOf returns the failure kind carried by err, or FailureInternal.
func KindOf(err error) models.FailureKind {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return models.FailureInternal
}
