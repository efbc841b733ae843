// Package metrics tracks pipeline outcomes and durations.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/models"
)

// JobMetrics contains the outcome and timing of one finished job.
type JobMetrics struct {
	JobID        string           `json:"job_id"`
	RepositoryID string           `json:"repository_id"`
	Language     string           `json:"language"`
	Status       models.JobStatus `json:"status"`
	FailedStage  string           `json:"failed_stage,omitempty"`

	// QueueWait is the time between creation and admission.
	QueueWait time.Duration `json:"queue_wait"`
	// RunTime is the time between admission and finish.
	RunTime time.Duration `json:"run_time"`

	// StageTimes holds the wall time of every stage that ran.
	StageTimes map[string]time.Duration `json:"stage_times,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Filter selects the jobs included in an aggregate.
type Filter struct {
	RepositoryID string           `json:"repository_id,omitempty"`
	Language     string           `json:"language,omitempty"`
	Status       models.JobStatus `json:"status,omitempty"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
}

// AggregateMetrics summarises a set of finished jobs.
type AggregateMetrics struct {
	TotalJobs     int           `json:"total_jobs"`
	SucceededJobs int           `json:"succeeded_jobs"`
	FailedJobs    int           `json:"failed_jobs"`
	CancelledJobs int           `json:"cancelled_jobs"`
	SuccessRate   float64       `json:"success_rate"`
	AvgRunTime    time.Duration `json:"avg_run_time"`
	MaxRunTime    time.Duration `json:"max_run_time"`
	MinRunTime    time.Duration `json:"min_run_time"`
	AvgQueueWait  time.Duration `json:"avg_queue_wait"`

	// StageFailures counts failed jobs by the stage that failed.
	StageFailures map[string]int `json:"stage_failures,omitempty"`

	ByLanguage map[string]*LanguageMetrics `json:"by_language,omitempty"`
}

// LanguageMetrics contains metrics for a specific language.
type LanguageMetrics struct {
	TotalJobs     int           `json:"total_jobs"`
	SucceededJobs int           `json:"succeeded_jobs"`
	AvgRunTime    time.Duration `json:"avg_run_time"`
}

// Collector keeps metrics for finished jobs in memory. It is an
// events.Sink: attach it to the engine's broker and it records every job
// as the job reaches its final state.
type Collector struct {
	// storage holds metrics keyed by job ID.
	storage map[string]*JobMetrics

	// mu protects the storage map.
	mu sync.RWMutex

	// retentionPeriod is how long to keep metrics.
	retentionPeriod time.Duration
}

// CollectorOption is a functional option for configuring Collector.
type CollectorOption func(*Collector)

// WithRetentionPeriod sets the retention period for metrics.
func WithRetentionPeriod(period time.Duration) CollectorOption {
	return func(c *Collector) {
		c.retentionPeriod = period
	}
}

// NewCollector creates a new Collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		storage:         make(map[string]*JobMetrics),
		retentionPeriod: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle implements events.Sink.
func (c *Collector) Handle(ev models.Event) {
	job, ok := events.Final(ev)
	if !ok {
		return
	}
	_ = c.RecordMetrics(context.Background(), FromJob(job))
}

// FromJob derives metrics from a terminal job snapshot.
func FromJob(job *models.Job) *JobMetrics {
	m := &JobMetrics{
		JobID:        job.ID,
		RepositoryID: job.RepositoryID,
		Language:     job.Plan.Language,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
	}
	if job.FinishedAt != nil {
		m.CompletedAt = *job.FinishedAt
	}
	if job.StartedAt != nil {
		m.QueueWait = job.StartedAt.Sub(job.CreatedAt)
		if job.FinishedAt != nil {
			m.RunTime = job.FinishedAt.Sub(*job.StartedAt)
		}
	}
	if stage, _ := job.FailedStep(); stage != nil {
		m.FailedStage = stage.Name
	}
	for _, stage := range job.Stages {
		if stage.StartedAt == nil || stage.FinishedAt == nil {
			continue
		}
		if m.StageTimes == nil {
			m.StageTimes = make(map[string]time.Duration)
		}
		m.StageTimes[stage.Name] = stage.FinishedAt.Sub(*stage.StartedAt)
	}
	return m
}

// RecordMetrics records metrics for a finished job and drops entries older
// than the retention period.
func (c *Collector) RecordMetrics(ctx context.Context, metrics *JobMetrics) error {
	if metrics == nil {
		return ErrNilMetrics
	}
	if metrics.JobID == "" {
		return ErrEmptyJobID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if metrics.CompletedAt.IsZero() {
		metrics.CompletedAt = time.Now()
	}

	// Store a copy to prevent external modification
	stored := *metrics
	c.storage[metrics.JobID] = &stored

	cutoff := time.Now().Add(-c.retentionPeriod)
	for id, m := range c.storage {
		if m.CompletedAt.Before(cutoff) {
			delete(c.storage, id)
		}
	}
	return nil
}

// GetMetrics retrieves metrics for a job.
func (c *Collector) GetMetrics(ctx context.Context, jobID string) (*JobMetrics, error) {
	if jobID == "" {
		return nil, ErrEmptyJobID
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.storage[jobID]
	if !ok {
		return nil, ErrMetricsNotFound
	}
	result := *m
	return &result, nil
}

// GetAggregateMetrics summarises the recorded jobs that match filter.
func (c *Collector) GetAggregateMetrics(ctx context.Context, filter Filter) (*AggregateMetrics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agg := &AggregateMetrics{
		StageFailures: make(map[string]int),
		ByLanguage:    make(map[string]*LanguageMetrics),
	}

	var totalRun, totalWait time.Duration
	langRun := make(map[string]time.Duration)
	ran := 0

	for _, m := range c.storage {
		if !matchesFilter(m, filter) {
			continue
		}

		agg.TotalJobs++
		switch m.Status {
		case models.JobStatusSuccess:
			agg.SucceededJobs++
		case models.JobStatusFailed:
			agg.FailedJobs++
			if m.FailedStage != "" {
				agg.StageFailures[m.FailedStage]++
			}
		case models.JobStatusCancelled:
			agg.CancelledJobs++
		}

		lang := m.Language
		if lang == "" {
			lang = "unknown"
		}
		lm, ok := agg.ByLanguage[lang]
		if !ok {
			lm = &LanguageMetrics{}
			agg.ByLanguage[lang] = lm
		}
		lm.TotalJobs++
		if m.Status == models.JobStatusSuccess {
			lm.SucceededJobs++
		}

		// Jobs cancelled before admission never ran and would skew timings.
		if m.RunTime == 0 && m.QueueWait == 0 {
			continue
		}
		ran++
		totalRun += m.RunTime
		totalWait += m.QueueWait
		langRun[lang] += m.RunTime
		if m.RunTime > agg.MaxRunTime {
			agg.MaxRunTime = m.RunTime
		}
		if agg.MinRunTime == 0 || m.RunTime < agg.MinRunTime {
			agg.MinRunTime = m.RunTime
		}
	}

	if agg.TotalJobs > 0 {
		agg.SuccessRate = float64(agg.SucceededJobs) / float64(agg.TotalJobs)
	}
	if ran > 0 {
		agg.AvgRunTime = totalRun / time.Duration(ran)
		agg.AvgQueueWait = totalWait / time.Duration(ran)
	}
	for lang, lm := range agg.ByLanguage {
		if lm.TotalJobs > 0 {
			lm.AvgRunTime = langRun[lang] / time.Duration(lm.TotalJobs)
		}
	}
	return agg, nil
}

func matchesFilter(m *JobMetrics, f Filter) bool {
	if f.RepositoryID != "" && m.RepositoryID != f.RepositoryID {
		return false
	}
	if f.Language != "" && m.Language != f.Language {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.StartTime != nil && m.CompletedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && m.CompletedAt.After(*f.EndTime) {
		return false
	}
	return true
}
