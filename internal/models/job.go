package models

import "time"

// Step is a single command execution within a stage.
type Step struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	WorkDir string        `json:"work_dir"`
	Timeout time.Duration `json:"timeout"`
	Status  StepStatus    `json:"status"`

	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is only set when the process exited on its own.
	ExitCode    *int        `json:"exit_code,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Transition moves the step to next, stamping start and finish times.
func (s *Step) Transition(next StepStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return transitionError("step "+s.Name, string(s.Status), string(next))
	}
	s.Status = next
	if next == StepStatusRunning {
		s.StartedAt = &now
	}
	if next.IsTerminal() && s.StartedAt != nil {
		s.FinishedAt = &now
	}
	return nil
}

// Stage is a named phase of a job.
type Stage struct {
	Name       string      `json:"name"`
	Steps      []*Step     `json:"steps"`
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Transition moves the stage to next, stamping start and finish times.
func (s *Stage) Transition(next StageStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return transitionError("stage "+s.Name, string(s.Status), string(next))
	}
	s.Status = next
	if next == StageStatusRunning {
		s.StartedAt = &now
	}
	if next.IsTerminal() && s.StartedAt != nil {
		s.FinishedAt = &now
	}
	return nil
}

// Skip marks the stage and every step that has not started as skipped.
func (s *Stage) Skip(now time.Time) {
	for _, step := range s.Steps {
		if !step.Status.IsTerminal() {
			_ = step.Transition(StepStatusSkipped, now)
		}
	}
	if !s.Status.IsTerminal() {
		_ = s.Transition(StageStatusSkipped, now)
	}
}

// Job is one execution of a build plan against a checkout.
type Job struct {
	ID           string     `json:"id"`
	RepositoryID string     `json:"repository_id"`
	WorkDir      string     `json:"work_dir"`
	Plan         BuildPlan  `json:"plan"`
	Stages       []*Stage   `json:"stages"`
	Status       JobStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Logs         []LogEntry `json:"logs"`
}

// Transition moves the job to next. StartedAt is stamped on admission;
// FinishedAt is left to the caller because a cancelled running job keeps
// settling its stages after the status is decided.
func (j *Job) Transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransition(next) {
		return transitionError("job "+j.ID, string(j.Status), string(next))
	}
	if next == JobStatusRunning {
		j.StartedAt = &now
	}
	if j.Status == JobStatusQueued && next == JobStatusCancelled {
		j.FinishedAt = &now
	}
	j.Status = next
	return nil
}

// Stage returns the stage with the given name, or nil.
func (j *Job) Stage(name string) *Stage {
	for _, s := range j.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FailedStep returns the first failed stage and step, if any.
func (j *Job) FailedStep() (*Stage, *Step) {
	for _, stage := range j.Stages {
		if stage.Status != StageStatusFailed {
			continue
		}
		for _, step := range stage.Steps {
			if step.Status == StepStatusFailed {
				return stage, step
			}
		}
		return stage, nil
	}
	return nil, nil
}

// Clone returns a deep copy that can be read without holding any lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Plan = j.Plan.Clone()
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)

	out.Stages = make([]*Stage, len(j.Stages))
	for i, stage := range j.Stages {
		sc := *stage
		sc.StartedAt = cloneTime(stage.StartedAt)
		sc.FinishedAt = cloneTime(stage.FinishedAt)
		sc.Steps = make([]*Step, len(stage.Steps))
		for k, step := range stage.Steps {
			stc := *step
			stc.StartedAt = cloneTime(step.StartedAt)
			stc.FinishedAt = cloneTime(step.FinishedAt)
			if step.ExitCode != nil {
				code := *step.ExitCode
				stc.ExitCode = &code
			}
			sc.Steps[k] = &stc
		}
		out.Stages[i] = &sc
	}

	out.Logs = make([]LogEntry, len(j.Logs))
	copy(out.Logs, j.Logs)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
