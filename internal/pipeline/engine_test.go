//go:build unix

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/executor"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/planner"
	"github.com/narvanalabs/autoci/internal/store"
)

func newTestEngine(t *testing.T, maxConcurrency int, timeouts planner.Timeouts) *Engine {
	t.Helper()
	e := NewEngine(&Config{
		MaxConcurrency: maxConcurrency,
		Timeouts:       timeouts,
		Executor:       &executor.Config{Shell: "/bin/sh", KillGrace: 200 * time.Millisecond},
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// plan returns a plan whose security stage always passes.
func plan(install string) models.BuildPlan {
	return models.BuildPlan{Install: install, Audit: "true"}
}

func waitJob(t *testing.T, e *Engine, id string) *models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("waiting for job %s: %v", id, err)
	}
	return job
}

func waitStatus(t *testing.T, e *Engine, id string, want models.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetJob(id)
		if err == nil && job.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(data)) != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s was not written", path)
}

func stageNames(job *models.Job) []string {
	names := make([]string, len(job.Stages))
	for i, s := range job.Stages {
		names[i] = s.Name
	}
	return names
}

// gateCommand blocks until the gate file exists.
func gateCommand(gate string) string {
	return "while [ ! -f " + gate + " ]; do sleep 0.02; done"
}

func TestPipelineSucceeds(t *testing.T) {
	e := newTestEngine(t, 3, planner.Timeouts{})

	p := plan("true")
	p.Build = "true"
	id, err := e.CreateJob(context.Background(), "repo-a", t.TempDir(), p)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job := waitJob(t, e, id)
	if job.Status != models.JobStatusSuccess {
		t.Fatalf("Status = %q, want success; logs: %+v", job.Status, job.Logs)
	}
	if got := strings.Join(stageNames(job), ","); got != "setup,security,build" {
		t.Errorf("stages = %s, want setup,security,build", got)
	}
	for _, stage := range job.Stages {
		if stage.Status != models.StageStatusSuccess {
			t.Errorf("stage %s = %q, want success", stage.Name, stage.Status)
		}
		for _, step := range stage.Steps {
			if step.ExitCode == nil || *step.ExitCode != 0 {
				t.Errorf("step %s exit code = %v, want 0", step.Name, step.ExitCode)
			}
		}
	}
	for _, absent := range []string{planner.StageLint, planner.StageTest, planner.StageContainerize} {
		if job.Stage(absent) != nil {
			t.Errorf("stage %s should be absent", absent)
		}
	}
	if job.StartedAt == nil || job.FinishedAt == nil || job.FinishedAt.Before(*job.StartedAt) {
		t.Errorf("timestamps: started %v finished %v", job.StartedAt, job.FinishedAt)
	}
}

func TestInstallFailureSkipsLaterStages(t *testing.T) {
	e := newTestEngine(t, 3, planner.Timeouts{})

	p := plan("echo installing; echo boom 1>&2; false")
	p.Build = "true"
	p.HasTests = true
	p.Test = "true"
	id, err := e.CreateJob(context.Background(), "repo-b", t.TempDir(), p)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job := waitJob(t, e, id)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}

	setup := job.Stage(planner.StageSetup)
	if setup.Status != models.StageStatusFailed {
		t.Errorf("setup = %q, want failed", setup.Status)
	}
	step := setup.Steps[0]
	if step.Status != models.StepStatusFailed || step.FailureKind != models.FailureExit {
		t.Errorf("install step = %q/%q, want failed/exit", step.Status, step.FailureKind)
	}
	if step.ExitCode == nil || *step.ExitCode != 1 {
		t.Errorf("install exit code = %v, want 1", step.ExitCode)
	}
	if !strings.Contains(step.Error, "boom") {
		t.Errorf("step error %q should carry stderr", step.Error)
	}
	if step.Stdout != "installing" || step.Stderr != "boom" {
		t.Errorf("captured output = %q / %q", step.Stdout, step.Stderr)
	}

	for _, stage := range job.Stages[1:] {
		if stage.Status != models.StageStatusSkipped {
			t.Errorf("stage %s = %q, want skipped", stage.Name, stage.Status)
		}
		for _, s := range stage.Steps {
			if s.Status != models.StepStatusSkipped {
				t.Errorf("step %s = %q, want skipped", s.Name, s.Status)
			}
		}
	}

	failures := 0
	for _, entry := range job.Logs {
		if entry.Level == models.LogLevelError && entry.Step == step.Name {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("found %d step-failure log entries for %s, want 1", failures, step.Name)
	}
}

func TestSecondJobWaitsForCapacity(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})
	dir := t.TempDir()
	gate := filepath.Join(dir, "gate")

	first, err := e.CreateJob(context.Background(), "repo", dir, plan(gateCommand(gate)))
	if err != nil {
		t.Fatalf("CreateJob(first) failed: %v", err)
	}
	second, err := e.CreateJob(context.Background(), "repo", dir, plan("true"))
	if err != nil {
		t.Fatalf("CreateJob(second) failed: %v", err)
	}

	waitStatus(t, e, first, models.JobStatusRunning)
	time.Sleep(100 * time.Millisecond)
	job, _ := e.GetJob(second)
	if job.Status != models.JobStatusQueued {
		t.Fatalf("second job = %q while first runs, want queued", job.Status)
	}
	if qs := e.QueueStatus(); qs.Running != 1 || qs.Queued != 1 {
		t.Errorf("QueueStatus = %+v", qs)
	}

	if err := os.WriteFile(gate, []byte("go"), 0o644); err != nil {
		t.Fatal(err)
	}

	firstJob := waitJob(t, e, first)
	secondJob := waitJob(t, e, second)
	if firstJob.Status != models.JobStatusSuccess || secondJob.Status != models.JobStatusSuccess {
		t.Fatalf("statuses = %q, %q", firstJob.Status, secondJob.Status)
	}
	if secondJob.StartedAt.Before(*firstJob.FinishedAt) {
		t.Errorf("second started %v before first finished %v", secondJob.StartedAt, firstJob.FinishedAt)
	}
}

func TestStepTimeoutFailsJob(t *testing.T) {
	e := newTestEngine(t, 3, planner.Timeouts{Setup: 50 * time.Millisecond})

	start := time.Now()
	id, err := e.CreateJob(context.Background(), "repo", t.TempDir(), plan("sleep 5"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	job := waitJob(t, e, id)
	elapsed := time.Since(start)

	if elapsed > 3*time.Second {
		t.Errorf("timed-out job took %v", elapsed)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	step := job.Stage(planner.StageSetup).Steps[0]
	if step.Status != models.StepStatusFailed || step.FailureKind != models.FailureTimeout {
		t.Errorf("step = %q/%q, want failed/timeout", step.Status, step.FailureKind)
	}
	if step.ExitCode != nil {
		t.Errorf("timed-out step reported exit code %d", *step.ExitCode)
	}
	if !strings.Contains(step.Error, "timed out") {
		t.Errorf("step error = %q", step.Error)
	}
}

func TestCancelQueuedJobNeverStarts(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})
	dir := t.TempDir()
	gate := filepath.Join(dir, "gate")

	var mu sync.Mutex
	started := map[string]bool{}
	e.Broker().AddSink(events.SinkFunc(func(ev models.Event) {
		if ev.Type == models.EventJobStarted {
			mu.Lock()
			started[ev.JobID] = true
			mu.Unlock()
		}
	}))

	blocker, _ := e.CreateJob(context.Background(), "repo", dir, plan(gateCommand(gate)))
	queued, _ := e.CreateJob(context.Background(), "repo", dir, plan("true"))
	waitStatus(t, e, blocker, models.JobStatusRunning)

	ok, err := e.CancelJob(queued)
	if err != nil || !ok {
		t.Fatalf("CancelJob(queued) = %v, %v", ok, err)
	}
	job := waitJob(t, e, queued)
	if job.Status != models.JobStatusCancelled || job.FinishedAt == nil {
		t.Fatalf("cancelled job = %q, finished %v", job.Status, job.FinishedAt)
	}

	_ = os.WriteFile(gate, []byte("go"), 0o644)
	waitJob(t, e, blocker)

	job, _ = e.GetJob(queued)
	if job.Status != models.JobStatusCancelled || job.StartedAt != nil {
		t.Errorf("cancelled job was admitted: status %q started %v", job.Status, job.StartedAt)
	}
	for _, stage := range job.Stages {
		if stage.Status != models.StageStatusPending {
			t.Errorf("stage %s = %q, want pending", stage.Name, stage.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if started[queued] {
		t.Error("job.started was published for a job cancelled while queued")
	}

	ok, err = e.CancelJob(queued)
	if ok || err != nil {
		t.Errorf("second CancelJob = %v, %v; want false, nil", ok, err)
	}
}

func TestCancelRunningJobStopsProcess(t *testing.T) {
	e := newTestEngine(t, 3, planner.Timeouts{})
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")

	p := plan("echo $$ > " + pidFile + "; sleep 30")
	p.Build = "true"
	id, err := e.CreateJob(context.Background(), "repo", dir, p)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	waitForFile(t, pidFile)

	ok, err := e.CancelJob(id)
	if err != nil || !ok {
		t.Fatalf("CancelJob = %v, %v", ok, err)
	}
	job, _ := e.GetJob(id)
	if job.Status != models.JobStatusCancelled {
		t.Errorf("status right after cancel = %q, want cancelled", job.Status)
	}

	start := time.Now()
	job = waitJob(t, e, id)
	if wait := time.Since(start); wait > 5*time.Second {
		t.Errorf("runner took %v to stop", wait)
	}
	if job.Status != models.JobStatusCancelled || job.FinishedAt == nil {
		t.Fatalf("final job = %q, finished %v", job.Status, job.FinishedAt)
	}

	data, _ := os.ReadFile(pidFile)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("process %d still alive after cancel (kill err %v)", pid, err)
	}

	step := job.Stage(planner.StageSetup).Steps[0]
	if step.FailureKind != models.FailureCancelled || step.Status != models.StepStatusSkipped {
		t.Errorf("interrupted step = %q/%q", step.Status, step.FailureKind)
	}
	for _, stage := range job.Stages {
		if !stage.Status.IsTerminal() {
			t.Errorf("stage %s left %q", stage.Name, stage.Status)
		}
	}
	if job.Stage(planner.StageBuild).Status != models.StageStatusSkipped {
		t.Errorf("build = %q, want skipped", job.Stage(planner.StageBuild).Status)
	}

	if ok, _ := e.CancelJob(id); ok {
		t.Error("cancelling a terminal job should report false")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})
	if _, err := e.CancelJob("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := e.Wait(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Wait err = %v, want ErrNotFound", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})

	if _, err := e.CreateJob(context.Background(), "repo", t.TempDir(), models.BuildPlan{}); !errors.Is(err, models.ErrMissingInstall) {
		t.Errorf("err = %v, want ErrMissingInstall", err)
	}
	if _, err := e.CreateJob(context.Background(), "repo", " ", plan("true")); !errors.Is(err, ErrMissingWorkDir) {
		t.Errorf("err = %v, want ErrMissingWorkDir", err)
	}
}

func TestSpawnFailureFailsJob(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})

	id, err := e.CreateJob(context.Background(), "repo", filepath.Join(t.TempDir(), "missing"), plan("true"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	job := waitJob(t, e, id)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	failedStage, failedStep := job.FailedStep()
	if failedStage == nil || failedStage.Name != planner.StageSetup {
		t.Fatalf("failed stage = %+v", failedStage)
	}
	if failedStep.FailureKind != models.FailureSpawn {
		t.Errorf("FailureKind = %q, want spawn", failedStep.FailureKind)
	}
}

func TestMissingExecutableIsSpawnFailure(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})

	id, err := e.CreateJob(context.Background(), "repo", t.TempDir(), plan("autoci-no-such-tool --version"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	job := waitJob(t, e, id)
	if job.Status != models.JobStatusFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	_, failedStep := job.FailedStep()
	if failedStep == nil || failedStep.FailureKind != models.FailureSpawn {
		t.Fatalf("failed step = %+v, want spawn failure", failedStep)
	}
	if failedStep.ExitCode == nil || *failedStep.ExitCode != 127 {
		t.Errorf("ExitCode = %v, want 127", failedStep.ExitCode)
	}
}

func TestLogOrderMatchesBusOrder(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})

	var mu sync.Mutex
	var bus []string
	e.Broker().AddSink(events.SinkFunc(func(ev models.Event) {
		if ev.Type == models.EventLog {
			mu.Lock()
			bus = append(bus, ev.Log.Message)
			mu.Unlock()
		}
	}))

	p := plan("printf 'one\\ntwo\\nthree\\n'")
	p.Environment = map[string]string{"AUTOCI_GREETING": "hello"}
	p.Build = `test "$AUTOCI_GREETING" = hello`
	id, _ := e.CreateJob(context.Background(), "repo", t.TempDir(), p)
	job := waitJob(t, e, id)
	if job.Status != models.JobStatusSuccess {
		t.Fatalf("Status = %q; logs %+v", job.Status, job.Logs)
	}

	var lines []string
	for _, entry := range job.Logs {
		if entry.Step == "Install Dependencies" && entry.Level == models.LogLevelInfo && !strings.HasPrefix(entry.Message, "Running") && !strings.HasPrefix(entry.Message, "Step") {
			lines = append(lines, entry.Message)
		}
	}
	if strings.Join(lines, ",") != "one,two,three" {
		t.Errorf("install output lines = %v", lines)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bus) != len(job.Logs) {
		t.Fatalf("bus carried %d log events, job has %d entries", len(bus), len(job.Logs))
	}
	for i, entry := range job.Logs {
		if bus[i] != entry.Message {
			t.Errorf("log[%d] = %q, bus[%d] = %q", i, entry.Message, i, bus[i])
		}
	}
}

func TestListJobsAndQueueStatus(t *testing.T) {
	e := newTestEngine(t, 2, planner.Timeouts{})
	dir := t.TempDir()

	a, _ := e.CreateJob(context.Background(), "repo-1", dir, plan("true"))
	b, _ := e.CreateJob(context.Background(), "repo-2", dir, plan("false"))
	waitJob(t, e, a)
	waitJob(t, e, b)

	jobs := e.ListJobs()
	if len(jobs) != 2 || jobs[0].ID != b || jobs[1].ID != a {
		t.Errorf("ListJobs order wrong")
	}
	if got := e.ListJobsByRepository("repo-1"); len(got) != 1 || got[0].ID != a {
		t.Errorf("ListJobsByRepository(repo-1) = %d jobs", len(got))
	}

	qs := e.QueueStatus()
	want := models.QueueStatus{Total: 2, Succeeded: 1, Failed: 1}
	if qs != want {
		t.Errorf("QueueStatus = %+v, want %+v", qs, want)
	}
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	e := newTestEngine(t, 1, planner.Timeouts{})
	dir := t.TempDir()

	running, _ := e.CreateJob(context.Background(), "repo", dir, plan("sleep 30"))
	queued, _ := e.CreateJob(context.Background(), "repo", dir, plan("true"))
	waitStatus(t, e, running, models.JobStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Ping(ctx); err != nil {
		t.Fatalf("Ping before shutdown: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := e.Ping(ctx); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Ping after shutdown = %v, want ErrShuttingDown", err)
	}

	for _, id := range []string{running, queued} {
		job, _ := e.GetJob(id)
		if job.Status != models.JobStatusCancelled {
			t.Errorf("job %s = %q after shutdown, want cancelled", id, job.Status)
		}
	}
	if _, err := e.CreateJob(context.Background(), "repo", dir, plan("true")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("CreateJob after shutdown err = %v, want ErrShuttingDown", err)
	}
}
