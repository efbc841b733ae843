// Package memory provides the in-memory implementation of store.JobStore.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store"
)

type entry struct {
	job *models.Job
	seq uint64
}

// Store is a mutex-guarded job registry. Jobs are kept for the life of the
// process.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	seq    uint64
	queued []string // IDs in creation order; entries that left queued are pruned lazily
}

var _ store.JobStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

// Create inserts a new job. The store keeps its own copy.
func (s *Store) Create(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateID
	}
	s.seq++
	s.jobs[job.ID] = &entry{job: job.Clone(), seq: s.seq}
	if job.Status == models.JobStatusQueued {
		s.queued = append(s.queued, job.ID)
	}
	return nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.job.Clone(), nil
}

// List returns snapshots of every job, newest first.
func (s *Store) List() []*models.Job {
	return s.filter(func(*models.Job) bool { return true })
}

// ListByRepository returns snapshots of a repository's jobs, newest first.
func (s *Store) ListByRepository(repositoryID string) []*models.Job {
	return s.filter(func(j *models.Job) bool { return j.RepositoryID == repositoryID })
}

func (s *Store) filter(keep func(*models.Job) bool) []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if keep(e.job) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].seq > entries[k].seq })

	jobs := make([]*models.Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.job.Clone()
	}
	return jobs
}

// Update applies fn to the live job under the write lock.
func (s *Store) Update(id string, fn func(job *models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	return fn(e.job)
}

// AppendLog appends entry to the job's log.
func (s *Store) AppendLog(id string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	e.job.Logs = append(e.job.Logs, entry)
	return nil
}

// Admit moves up to n of the oldest queued jobs to running.
func (s *Store) Admit(n int, now time.Time) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var admitted []*models.Job
	i := 0
	for ; i < len(s.queued) && len(admitted) < n; i++ {
		e, ok := s.jobs[s.queued[i]]
		if !ok || e.job.Status != models.JobStatusQueued {
			continue
		}
		if err := e.job.Transition(models.JobStatusRunning, now); err != nil {
			continue
		}
		admitted = append(admitted, e.job.Clone())
	}
	s.queued = s.queued[i:]
	return admitted
}

// Counts summarises jobs by status.
func (s *Store) Counts() models.QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var qs models.QueueStatus
	for _, e := range s.jobs {
		qs.Total++
		switch e.job.Status {
		case models.JobStatusQueued:
			qs.Queued++
		case models.JobStatusRunning:
			qs.Running++
		case models.JobStatusSuccess:
			qs.Succeeded++
		case models.JobStatusFailed:
			qs.Failed++
		case models.JobStatusCancelled:
			qs.Cancelled++
		}
	}
	return qs
}
