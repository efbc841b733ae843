package postgres

import "errors"

var (
	// ErrNotFound is returned when a job is not in the archive.
	ErrNotFound = errors.New("job not found in history")

	// ErrNotTerminal is returned when archiving a job that is still active.
	ErrNotTerminal = errors.New("job is not finished")

	// ErrClosed is returned by Archiver.Run after Shutdown.
	ErrClosed = errors.New("archiver closed")
)
