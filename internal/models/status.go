// Package models provides the data model of the pipeline engine.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change would move backwards
// or skip a required state.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from s to next.
// A queued job is either admitted or cancelled; a running job ends in
// exactly one terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// StepStatus represents the state of a single step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished one way or another.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransition reports whether a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	return canAdvance(string(s), string(next))
}

// StageStatus represents the state of a stage. It shares the step vocabulary.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal reports whether the stage has finished one way or another.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusSuccess || s == StageStatusFailed || s == StageStatusSkipped
}

// CanTransition reports whether a stage may move from s to next.
func (s StageStatus) CanTransition(next StageStatus) bool {
	return canAdvance(string(s), string(next))
}

// canAdvance encodes pending -> running -> {success, failed, skipped},
// with pending -> skipped for work that is never reached.
func canAdvance(from, to string) bool {
	switch from {
	case "pending":
		return to == "running" || to == "skipped"
	case "running":
		return to == "success" || to == "failed" || to == "skipped"
	default:
		return false
	}
}

func transitionError(kind, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}

// FailureKind classifies why a step failed.
type FailureKind string

const (
	// FailureExit means the process exited with a non-zero code.
	FailureExit FailureKind = "exit"
	// FailureTimeout means the process outlived its timeout and was terminated.
	FailureTimeout FailureKind = "timeout"
	// FailureSpawn means the process could not be started.
	FailureSpawn FailureKind = "spawn"
	// FailureCancelled means the job was cancelled while the step ran.
	FailureCancelled FailureKind = "cancelled"
	// FailureInternal means the runner itself faulted.
	FailureInternal FailureKind = "internal"
)

// QueueStatus summarises the job registry.
type QueueStatus struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
