package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/autoci/internal/executor"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// jobRun drives one admitted job. It is the only writer of the job's stage
// and step records while the job runs.
type jobRun struct {
	engine *Engine
	t      *tracker
	job    *models.Job // admission snapshot; stage and step indexes refer to it
	env    []string
	logger *slog.Logger

	failedStage string
	faulted     bool
	started     time.Time
}

// run is the scheduler's launch function.
func (e *Engine) run(ctx context.Context, job *models.Job, t *tracker) {
	defer e.sched.release(t)

	r := &jobRun{
		engine:  e,
		t:       t,
		job:     job,
		env:     job.Plan.Env(),
		logger:  logger.Wrap(e.logger).WithJobID(job.ID).Logger,
		started: time.Now(),
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline runner panic", "panic", p)
			r.fault(fmt.Errorf("runner panic: %v", p))
		}
		r.finish()
	}()

	e.publishJob(t, models.EventJobStarted, job)
	e.log(t, models.LogLevelInfo, "", "", "Pipeline started")
	r.logger.Info("pipeline started", "stages", len(job.Stages))

	for i, stage := range job.Stages {
		if r.failedStage != "" || ctx.Err() != nil {
			r.skipStage(i, stage.Name)
			continue
		}
		if status := r.runStage(ctx, i, stage); status == models.StageStatusFailed {
			r.failedStage = stage.Name
		}
	}
}

// runStage executes the steps of stage i in order and returns the stage's
// final status.
func (r *jobRun) runStage(ctx context.Context, i int, stage *models.Stage) models.StageStatus {
	e := r.engine
	r.update(func(j *models.Job) error {
		return j.Stages[i].Transition(models.StageStatusRunning, time.Now())
	})
	e.publish(r.t, models.Event{Type: models.EventStageStarted, Stage: stage.Name, Status: string(models.StageStatusRunning)})
	e.log(r.t, models.LogLevelInfo, stage.Name, "", "Starting stage: "+stage.Name)

	succeeded := 0
	failed := false
	for k, step := range stage.Steps {
		if failed || ctx.Err() != nil {
			r.update(func(j *models.Job) error {
				return j.Stages[i].Steps[k].Transition(models.StepStatusSkipped, time.Now())
			})
			continue
		}
		switch r.runStep(ctx, i, k, stage.Name, step) {
		case models.StepStatusSuccess:
			succeeded++
		case models.StepStatusFailed:
			failed = true
		}
	}

	status := models.StageStatusSkipped
	switch {
	case failed:
		status = models.StageStatusFailed
	case succeeded == len(stage.Steps):
		status = models.StageStatusSuccess
	}

	r.update(func(j *models.Job) error {
		return j.Stages[i].Transition(status, time.Now())
	})
	e.publish(r.t, models.Event{Type: models.EventStageCompleted, Stage: stage.Name, Status: string(status)})

	switch status {
	case models.StageStatusSuccess:
		e.log(r.t, models.LogLevelInfo, stage.Name, "", "Stage completed: "+stage.Name)
	case models.StageStatusFailed:
		e.log(r.t, models.LogLevelError, stage.Name, "", "Stage failed: "+stage.Name)
	default:
		e.log(r.t, models.LogLevelWarn, stage.Name, "", "Stage interrupted: "+stage.Name)
	}
	return status
}

// runStep executes step k of stage i and records its outcome.
func (r *jobRun) runStep(ctx context.Context, i, k int, stageName string, step *models.Step) models.StepStatus {
	e := r.engine
	r.update(func(j *models.Job) error {
		return j.Stages[i].Steps[k].Transition(models.StepStatusRunning, time.Now())
	})
	e.publish(r.t, models.Event{Type: models.EventStepStarted, Stage: stageName, Step: step.Name, Status: string(models.StepStatusRunning)})
	e.log(r.t, models.LogLevelInfo, stageName, step.Name, "Running: "+step.Command)

	res, err := e.runner.Run(ctx, executor.Command{
		Command: step.Command,
		WorkDir: step.WorkDir,
		Timeout: step.Timeout,
		Env:     r.env,
		Output: func(stream executor.Stream, line string) {
			level := models.LogLevelInfo
			if stream == executor.StreamStderr {
				level = models.LogLevelWarn
			}
			e.log(r.t, level, stageName, step.Name, line)
		},
	})

	out := classify(step, res, err)

	r.update(func(j *models.Job) error {
		s := j.Stages[i].Steps[k]
		if res != nil {
			s.Stdout = res.Stdout
			s.Stderr = res.Stderr
		}
		s.ExitCode = out.exitCode
		s.Error = out.detail
		s.FailureKind = out.kind
		return s.Transition(out.status, time.Now())
	})
	e.publish(r.t, models.Event{Type: models.EventStepCompleted, Stage: stageName, Step: step.Name, Status: string(out.status)})

	switch out.status {
	case models.StepStatusSuccess:
		e.log(r.t, models.LogLevelInfo, stageName, step.Name, "Step completed: "+step.Name)
	case models.StepStatusFailed:
		e.log(r.t, models.LogLevelError, stageName, step.Name, "Step failed: "+out.detail)
	default:
		msg := "Step cancelled: " + step.Name
		if res != nil && res.Exited {
			// The process finished on its own before the signal landed.
			msg = fmt.Sprintf("%s (process exited with code %d after cancellation)", msg, res.ExitCode)
		}
		e.log(r.t, models.LogLevelWarn, stageName, step.Name, msg)
	}

	r.logger.Debug("step finished",
		"stage", stageName,
		"step", step.Name,
		"status", out.status,
		"failure_kind", out.kind,
	)
	return out.status
}

type stepOutcome struct {
	status   models.StepStatus
	kind     models.FailureKind
	detail   string
	exitCode *int
}

// Shell exit codes for commands that could not be started.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// classify turns a process result into a step outcome. A timeout or
// cancellation always wins over whatever exit code the process produced.
func classify(step *models.Step, res *executor.Result, err error) stepOutcome {
	if err == nil {
		code := res.ExitCode
		if code == 0 {
			return stepOutcome{status: models.StepStatusSuccess, exitCode: &code}
		}
		detail := fmt.Sprintf("exit code %d", code)
		if res.Stderr != "" {
			detail += ": " + res.Stderr
		}
		kind := models.FailureExit
		// The shell reports a command it could not find or execute with
		// these codes; the step never ran.
		if code == exitNotExecutable || code == exitNotFound {
			kind = models.FailureSpawn
		}
		return stepOutcome{status: models.StepStatusFailed, kind: kind, detail: detail, exitCode: &code}
	}

	switch kind := executor.KindOf(err); kind {
	case models.FailureTimeout:
		return stepOutcome{
			status: models.StepStatusFailed,
			kind:   kind,
			detail: fmt.Sprintf("timed out after %s", step.Timeout),
		}
	case models.FailureCancelled:
		return stepOutcome{status: models.StepStatusSkipped, kind: kind, detail: "cancelled while running"}
	default:
		return stepOutcome{status: models.StepStatusFailed, kind: kind, detail: err.Error()}
	}
}

// skipStage marks stage i and all of its steps skipped.
func (r *jobRun) skipStage(i int, name string) {
	r.update(func(j *models.Job) error {
		j.Stages[i].Skip(time.Now())
		return nil
	})
	r.engine.publish(r.t, models.Event{Type: models.EventStageCompleted, Stage: name, Status: string(models.StageStatusSkipped)})
	r.engine.log(r.t, models.LogLevelInfo, name, "", "Skipping stage: "+name)
}

// fault records an unexpected runner failure against whatever stage and
// step were in progress.
func (r *jobRun) fault(err error) {
	now := time.Now()
	stageName := ""
	r.update(func(j *models.Job) error {
		for _, stage := range j.Stages {
			if stage.Status != models.StageStatusRunning {
				continue
			}
			for _, step := range stage.Steps {
				switch step.Status {
				case models.StepStatusRunning:
					step.Error = err.Error()
					step.FailureKind = models.FailureInternal
					_ = step.Transition(models.StepStatusFailed, now)
				case models.StepStatusPending:
					_ = step.Transition(models.StepStatusSkipped, now)
				}
			}
			_ = stage.Transition(models.StageStatusFailed, now)
			stageName = stage.Name
		}
		return nil
	})
	r.faulted = true
	if stageName != "" && r.failedStage == "" {
		r.failedStage = stageName
	}
	r.engine.log(r.t, models.LogLevelError, stageName, "", "Internal error: "+err.Error())
}

// finish settles every unfinished stage, decides the job status unless a
// cancellation already did, and stamps the finish time.
func (r *jobRun) finish() {
	e := r.engine
	now := time.Now()
	var snapshot *models.Job

	r.update(func(j *models.Job) error {
		for _, stage := range j.Stages {
			stage.Skip(now)
		}
		if j.Status == models.JobStatusRunning {
			next := models.JobStatusSuccess
			if r.failedStage != "" || r.faulted {
				next = models.JobStatusFailed
			}
			if err := j.Transition(next, now); err != nil {
				return err
			}
		}
		j.FinishedAt = &now
		snapshot = j.Clone()
		return nil
	})
	if snapshot == nil {
		return
	}

	duration := now.Sub(r.started).Round(time.Millisecond)
	switch snapshot.Status {
	case models.JobStatusSuccess:
		e.log(r.t, models.LogLevelInfo, "", "", fmt.Sprintf("Pipeline completed successfully in %s", duration))
	case models.JobStatusFailed:
		if r.failedStage != "" {
			e.log(r.t, models.LogLevelError, "", "", "Pipeline failed at stage: "+r.failedStage)
		} else {
			e.log(r.t, models.LogLevelError, "", "", "Pipeline failed")
		}
	case models.JobStatusCancelled:
		e.log(r.t, models.LogLevelWarn, "", "", "Pipeline cancelled")
	}

	// Re-read so the completion event carries the summary entry too.
	if final, err := e.store.Get(snapshot.ID); err == nil {
		snapshot = final
	}
	e.publishJob(r.t, models.EventJobCompleted, snapshot)

	r.logger.Info("pipeline finished",
		"status", snapshot.Status,
		"failed_stage", r.failedStage,
		"duration", duration.String(),
	)
}

func (r *jobRun) update(fn func(j *models.Job) error) {
	if err := r.engine.store.Update(r.job.ID, fn); err != nil {
		r.logger.Error("updating job", "error", err)
	}
}
