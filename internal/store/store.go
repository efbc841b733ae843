// Package store defines the job registry used by the pipeline engine.
package store

import (
	"errors"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateID is returned when a job with the same ID already exists.
	ErrDuplicateID = errors.New("duplicate job id")
)

// JobStore is the registry of jobs. Implementations serialise all
// mutations and hand out snapshots that callers may read without locking.
type JobStore interface {
	// Create inserts a new job.
	Create(job *models.Job) error
	// Get returns a snapshot of a job.
	Get(id string) (*models.Job, error)
	// List returns snapshots of every job, newest first.
	List() []*models.Job
	// ListByRepository returns snapshots of a repository's jobs, newest first.
	ListByRepository(repositoryID string) []*models.Job
	// Update applies fn to the live job under the store lock. The error
	// from fn is returned unchanged.
	Update(id string, fn func(job *models.Job) error) error
	// AppendLog appends an entry to a job's log.
	AppendLog(id string, entry models.LogEntry) error
	// Admit moves up to n of the oldest queued jobs to running and returns
	// snapshots of them in admission order.
	Admit(n int, now time.Time) []*models.Job
	// Counts summarises jobs by status.
	Counts() models.QueueStatus
}
