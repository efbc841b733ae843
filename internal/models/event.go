package models

import "time"

// EventType identifies a lifecycle or output event on the bus.
type EventType string

const (
	EventJobCreated     EventType = "job.created"
	EventJobStarted     EventType = "job.started"
	EventJobCompleted   EventType = "job.completed"
	EventJobCancelled   EventType = "job.cancelled"
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStepStarted    EventType = "step.started"
	EventStepCompleted  EventType = "step.completed"
	EventLog            EventType = "log"
)

// Event is published to live observers. Job carries a snapshot for job.*
// events so sinks do not need to query the store.
type Event struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"job_id"`
	RepositoryID string    `json:"repository_id,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Step         string    `json:"step,omitempty"`
	Status       string    `json:"status,omitempty"`
	Log          *LogEntry `json:"log,omitempty"`
	Job          *Job      `json:"job,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
