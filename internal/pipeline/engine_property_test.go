//go:build unix

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/executor"
	"github.com/narvanalabs/autoci/internal/models"
)

func newPropertyEngine(maxConcurrency int) *Engine {
	return NewEngine(&Config{
		MaxConcurrency: maxConcurrency,
		Executor:       &executor.Config{Shell: "/bin/sh", KillGrace: 200 * time.Millisecond},
	}, nil)
}

// For any cap N and any burst of jobs, no more than N jobs are ever
// running, and every job eventually finishes.
func TestPropertyConcurrencyCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("running jobs never exceed the cap", prop.ForAll(
		func(maxConcurrency, jobCount int) bool {
			e := newPropertyEngine(maxConcurrency)
			defer e.Shutdown(context.Background())

			var mu sync.Mutex
			running, peak, violations := 0, 0, 0
			e.Broker().AddSink(events.SinkFunc(func(ev models.Event) {
				mu.Lock()
				defer mu.Unlock()
				switch ev.Type {
				case models.EventJobStarted:
					running++
				case models.EventJobCompleted:
					running--
				default:
					return
				}
				if running > peak {
					peak = running
				}
				if e.sched.activeCount() > maxConcurrency {
					violations++
				}
			}))

			dir := t.TempDir()
			ids := make([]string, 0, jobCount)
			for i := 0; i < jobCount; i++ {
				id, err := e.CreateJob(context.Background(), "repo", dir, plan("sleep 0.05"))
				if err != nil {
					t.Logf("CreateJob: %v", err)
					return false
				}
				ids = append(ids, id)
				if qs := e.QueueStatus(); qs.Running > maxConcurrency {
					t.Logf("QueueStatus.Running = %d > %d", qs.Running, maxConcurrency)
					return false
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, id := range ids {
				job, err := e.Wait(ctx, id)
				if err != nil || job.Status != models.JobStatusSuccess {
					t.Logf("job %s: %v %v", id, job, err)
					return false
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if peak > maxConcurrency || violations > 0 {
				t.Logf("peak %d, violations %d, cap %d", peak, violations, maxConcurrency)
				return false
			}
			return true
		},
		gen.IntRange(1, 3),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

type stepKey struct {
	job, stage, step string
}

// For any plan, step and stage transitions seen on the bus are monotone,
// and the final record satisfies the fail-fast rules.
func TestPropertyMonotoneTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genCommand := gen.OneConstOf("true", "false")

	properties.Property("transitions never move backwards", prop.ForAll(
		func(install, test, build string, hasTests bool) bool {
			e := newPropertyEngine(2)
			defer e.Shutdown(context.Background())

			var mu sync.Mutex
			seen := map[stepKey][]string{}
			e.Broker().AddSink(events.SinkFunc(func(ev models.Event) {
				switch ev.Type {
				case models.EventStepStarted, models.EventStepCompleted,
					models.EventStageStarted, models.EventStageCompleted:
				default:
					return
				}
				mu.Lock()
				defer mu.Unlock()
				key := stepKey{ev.JobID, ev.Stage, ev.Step}
				seen[key] = append(seen[key], ev.Status)
			}))

			p := plan(install)
			p.Test = test
			p.HasTests = hasTests
			p.Build = build
			id, err := e.CreateJob(context.Background(), "repo", t.TempDir(), p)
			if err != nil {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			job, err := e.Wait(ctx, id)
			if err != nil {
				return false
			}

			mu.Lock()
			defer mu.Unlock()
			for key, statuses := range seen {
				if !monotone(statuses) {
					t.Logf("%v went %v", key, statuses)
					return false
				}
			}
			return failFast(t, job)
		},
		genCommand,
		genCommand,
		genCommand,
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// monotone reports whether statuses only move forward through
// pending, running and a single terminal state.
func monotone(statuses []string) bool {
	rank := map[string]int{"pending": 0, "running": 1, "success": 2, "failed": 2, "skipped": 2}
	last := -1
	terminal := false
	for _, s := range statuses {
		r, ok := rank[s]
		if !ok || r < last || terminal {
			return false
		}
		terminal = r == 2
		last = r
	}
	return true
}

func failFast(t *testing.T, job *models.Job) bool {
	failedSeen := false
	for _, stage := range job.Stages {
		if failedSeen {
			if stage.Status != models.StageStatusSkipped {
				t.Logf("stage %s after failure is %s", stage.Name, stage.Status)
				return false
			}
			continue
		}

		stepFailed := false
		allSuccess := true
		for _, step := range stage.Steps {
			if stepFailed && step.Status != models.StepStatusSkipped {
				return false
			}
			if step.Status == models.StepStatusFailed {
				stepFailed = true
			}
			if step.Status != models.StepStatusSuccess {
				allSuccess = false
			}
		}
		switch stage.Status {
		case models.StageStatusSuccess:
			if !allSuccess {
				return false
			}
		case models.StageStatusFailed:
			if !stepFailed {
				return false
			}
			failedSeen = true
		default:
			t.Logf("stage %s ended %s", stage.Name, stage.Status)
			return false
		}
	}

	want := models.JobStatusSuccess
	if failedSeen {
		want = models.JobStatusFailed
	}
	if job.Status != want {
		t.Logf("job %s, want %s", job.Status, want)
		return false
	}
	return true
}
