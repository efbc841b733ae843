package pipeline

import (
	"errors"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store"
)

// ErrJobCancelled is the cause attached to a running job's context when it
// is cancelled.
var ErrJobCancelled = errors.New("job cancelled")

var errAlreadyTerminal = errors.New("job already terminal")

// CancelJob cancels a queued or running job. It reports false for a job
// that has already finished and store.ErrNotFound for an unknown ID.
//
// A queued job never starts. A running job is marked cancelled at once and
// its active process group is signalled; the runner then settles the
// remaining stages and records when it stopped.
func (e *Engine) CancelJob(id string) (bool, error) {
	// Holding the scheduler lock keeps admission from racing with the
	// status change below.
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()

	t, ok := e.sched.trackers[id]
	if !ok {
		return false, store.ErrNotFound
	}

	var prev models.JobStatus
	var snapshot *models.Job
	err := e.store.Update(id, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		prev = j.Status
		if err := j.Transition(models.JobStatusCancelled, time.Now()); err != nil {
			return err
		}
		snapshot = j.Clone()
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch prev {
	case models.JobStatusQueued:
		e.log(t, models.LogLevelWarn, "", "", "Job cancelled before it started")
		e.publishJob(t, models.EventJobCancelled, snapshot)
		close(t.done)
	case models.JobStatusRunning:
		e.log(t, models.LogLevelWarn, "", "", "Job cancellation requested; terminating active step")
		e.publishJob(t, models.EventJobCancelled, snapshot)
		if t.cancel != nil {
			t.cancel(ErrJobCancelled)
		}
	}

	e.logger.Info("job cancelled", "job_id", id, "previous_status", prev)
	return true, nil
}
