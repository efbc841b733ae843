package events

import "github.com/narvanalabs/autoci/internal/models"

// Final returns the terminal snapshot carried by ev, if ev is the last
// lifecycle event the job will produce. A job cancelled while queued never
// runs, so its job.cancelled event is final; every admitted job ends with
// job.completed.
func Final(ev models.Event) (*models.Job, bool) {
	if ev.Job == nil {
		return nil, false
	}
	switch ev.Type {
	case models.EventJobCompleted:
		return ev.Job, true
	case models.EventJobCancelled:
		return ev.Job, ev.Job.StartedAt == nil
	default:
		return nil, false
	}
}
