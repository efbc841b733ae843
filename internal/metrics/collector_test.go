package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/autoci/internal/models"
)

func finishedJob(id, lang string, status models.JobStatus, wait, run time.Duration) *models.Job {
	created := time.Now().Add(-time.Hour)
	started := created.Add(wait)
	finished := started.Add(run)
	return &models.Job{
		ID:           id,
		RepositoryID: "repo",
		Plan:         models.BuildPlan{Language: lang},
		Status:       status,
		CreatedAt:    created,
		StartedAt:    &started,
		FinishedAt:   &finished,
		Stages: []*models.Stage{
			{Name: "setup", Status: models.StageStatusSuccess, StartedAt: &started, FinishedAt: &finished},
		},
	}
}

func TestCollector_HandleRecordsFinalEventsOnly(t *testing.T) {
	c := NewCollector()
	job := finishedJob("a", "go", models.JobStatusSuccess, time.Second, 10*time.Second)

	c.Handle(models.Event{Type: models.EventJobStarted, JobID: "a", Job: job})
	if _, err := c.GetMetrics(context.Background(), "a"); !errors.Is(err, ErrMetricsNotFound) {
		t.Fatalf("job.started should not be recorded, err = %v", err)
	}

	c.Handle(models.Event{Type: models.EventJobCompleted, JobID: "a", Job: job})
	m, err := c.GetMetrics(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if m.QueueWait != time.Second || m.RunTime != 10*time.Second || m.Language != "go" {
		t.Errorf("metrics = %+v", m)
	}
	if m.StageTimes["setup"] != 10*time.Second {
		t.Errorf("stage times = %v", m.StageTimes)
	}

	queued := &models.Job{ID: "b", Status: models.JobStatusCancelled, CreatedAt: time.Now()}
	now := time.Now()
	queued.FinishedAt = &now
	c.Handle(models.Event{Type: models.EventJobCancelled, JobID: "b", Job: queued})
	if _, err := c.GetMetrics(context.Background(), "b"); err != nil {
		t.Errorf("job cancelled while queued should be recorded: %v", err)
	}
}

func TestCollector_Aggregate(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	failed := finishedJob("c", "python", models.JobStatusFailed, 0, 4*time.Second)
	failed.Stages[0].Status = models.StageStatusFailed
	failed.Stages[0].Steps = []*models.Step{{Name: "install", Status: models.StepStatusFailed}}

	for _, job := range []*models.Job{
		finishedJob("a", "go", models.JobStatusSuccess, time.Second, 2*time.Second),
		finishedJob("b", "go", models.JobStatusSuccess, 3*time.Second, 6*time.Second),
		failed,
	} {
		if err := c.RecordMetrics(ctx, FromJob(job)); err != nil {
			t.Fatal(err)
		}
	}

	agg, err := c.GetAggregateMetrics(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalJobs != 3 || agg.SucceededJobs != 2 || agg.FailedJobs != 1 {
		t.Errorf("counts = %+v", agg)
	}
	if agg.AvgRunTime != 4*time.Second || agg.MaxRunTime != 6*time.Second || agg.MinRunTime != 2*time.Second {
		t.Errorf("run times avg %v max %v min %v", agg.AvgRunTime, agg.MaxRunTime, agg.MinRunTime)
	}
	if agg.StageFailures["setup"] != 1 {
		t.Errorf("stage failures = %v", agg.StageFailures)
	}
	if lm := agg.ByLanguage["go"]; lm == nil || lm.TotalJobs != 2 || lm.AvgRunTime != 4*time.Second {
		t.Errorf("go metrics = %+v", lm)
	}

	agg, _ = c.GetAggregateMetrics(ctx, Filter{Language: "python"})
	if agg.TotalJobs != 1 || agg.SuccessRate != 0 {
		t.Errorf("python aggregate = %+v", agg)
	}
}

func TestCollector_Validation(t *testing.T) {
	c := NewCollector()
	if err := c.RecordMetrics(context.Background(), nil); !errors.Is(err, ErrNilMetrics) {
		t.Errorf("err = %v, want ErrNilMetrics", err)
	}
	if err := c.RecordMetrics(context.Background(), &JobMetrics{}); !errors.Is(err, ErrEmptyJobID) {
		t.Errorf("err = %v, want ErrEmptyJobID", err)
	}
	if _, err := c.GetMetrics(context.Background(), ""); !errors.Is(err, ErrEmptyJobID) {
		t.Errorf("err = %v, want ErrEmptyJobID", err)
	}
}

func TestCollector_Retention(t *testing.T) {
	c := NewCollector(WithRetentionPeriod(time.Hour))
	ctx := context.Background()
	_ = c.RecordMetrics(ctx, &JobMetrics{JobID: "old", CompletedAt: time.Now().Add(-2 * time.Hour)})
	_ = c.RecordMetrics(ctx, &JobMetrics{JobID: "new"})

	if _, err := c.GetMetrics(ctx, "old"); !errors.Is(err, ErrMetricsNotFound) {
		t.Errorf("expired entry still present: %v", err)
	}
	if _, err := c.GetMetrics(ctx, "new"); err != nil {
		t.Errorf("fresh entry missing: %v", err)
	}
}

// For any set of recorded outcomes, the status counts add up to the total.
func TestPropertyAggregateCountsAddUp(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("succeeded + failed + cancelled = total", prop.ForAll(
		func(statuses []models.JobStatus) bool {
			c := NewCollector()
			for i, s := range statuses {
				_ = c.RecordMetrics(context.Background(), &JobMetrics{
					JobID:  fmt.Sprintf("job-%d", i),
					Status: s,
				})
			}
			agg, err := c.GetAggregateMetrics(context.Background(), Filter{})
			if err != nil {
				return false
			}
			return agg.TotalJobs == len(statuses) &&
				agg.SucceededJobs+agg.FailedJobs+agg.CancelledJobs == agg.TotalJobs
		},
		gen.SliceOf(gen.OneConstOf(models.JobStatusSuccess, models.JobStatusFailed, models.JobStatusCancelled)),
	))

	properties.TestingRun(t)
}
