// Package pipeline executes build plans as multi-stage jobs with bounded
// concurrency.
//
// An Engine owns the job store, the scheduler and the event bus. Jobs are
// created queued, admitted in creation order while fewer than
// MaxConcurrency runners are active, and then driven stage by stage by a
// runner goroutine. Within a job everything is sequential; across jobs
// nothing is ordered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/executor"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/planner"
	"github.com/narvanalabs/autoci/internal/store"
	"github.com/narvanalabs/autoci/internal/store/memory"
	"github.com/narvanalabs/autoci/pkg/config"
)

// Engine errors.
var (
	// ErrMissingWorkDir is returned when a job is created without a checkout path.
	ErrMissingWorkDir = errors.New("work directory is required")

	// ErrShuttingDown is returned when a job is created after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Config holds engine configuration.
type Config struct {
	MaxConcurrency int
	Timeouts       planner.Timeouts
	Executor       *executor.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: DefaultMaxConcurrency,
		Timeouts:       planner.DefaultTimeouts(),
		Executor:       executor.DefaultConfig(),
	}
}

// ConfigFrom builds an engine Config from the process configuration.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		Timeouts: planner.Timeouts{
			Setup:        cfg.Timeouts.Setup,
			Lint:         cfg.Timeouts.Lint,
			Test:         cfg.Timeouts.Test,
			Security:     cfg.Timeouts.Security,
			Build:        cfg.Timeouts.Build,
			Containerize: cfg.Timeouts.Containerize,
		},
		Executor: &executor.Config{
			Shell:     cfg.Worker.Shell,
			KillGrace: cfg.Worker.KillGrace,
		},
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore replaces the default in-memory job store.
func WithStore(st store.JobStore) Option {
	return func(e *Engine) {
		e.store = st
	}
}

// WithBroker replaces the default event broker.
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// Engine is the control surface of the pipeline executor.
type Engine struct {
	store   store.JobStore
	planner *planner.Planner
	runner  *executor.Runner
	bus     *events.Broker
	sched   *scheduler
	logger  *slog.Logger
}

// NewEngine creates a new engine.
func NewEngine(cfg *Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		planner: planner.New(cfg.Timeouts),
		runner:  executor.NewRunner(cfg.Executor, logger.With("component", "executor")),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = memory.New()
	}
	if e.bus == nil {
		e.bus = events.NewBroker(logger.With("component", "events"))
	}
	e.sched = newScheduler(e.store, cfg.MaxConcurrency, e.run, logger.With("component", "scheduler"))
	return e
}

// Broker returns the event bus.
func (e *Engine) Broker() *events.Broker {
	return e.bus
}

// MaxConcurrency returns the admission cap.
func (e *Engine) MaxConcurrency() int {
	return e.sched.max
}

// Planner returns the stage planner.
func (e *Engine) Planner() *planner.Planner {
	return e.planner
}

// CreateJob queues a new job for plan against the checkout at workDir and
// returns its ID.
func (e *Engine) CreateJob(ctx context.Context, repositoryID, workDir string, plan models.BuildPlan) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := plan.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(workDir) == "" {
		return "", ErrMissingWorkDir
	}

	plan = plan.Clone()
	job := &models.Job{
		ID:           uuid.New().String(),
		RepositoryID: repositoryID,
		WorkDir:      workDir,
		Plan:         plan,
		Stages:       e.planner.Stages(&plan, workDir),
		Status:       models.JobStatusQueued,
		CreatedAt:    time.Now(),
		Logs:         []models.LogEntry{},
	}

	e.sched.mu.Lock()
	if e.sched.stopped {
		e.sched.mu.Unlock()
		return "", ErrShuttingDown
	}
	if err := e.store.Create(job); err != nil {
		e.sched.mu.Unlock()
		return "", fmt.Errorf("creating job: %w", err)
	}
	t := e.sched.register(job.ID)
	// Emitted before any admission so job.created always precedes job.started.
	e.publishJob(t, models.EventJobCreated, job)
	e.log(t, models.LogLevelInfo, "", "", fmt.Sprintf("Job queued with %d stages", len(job.Stages)))
	e.sched.mu.Unlock()

	e.logger.Info("job created",
		"job_id", job.ID,
		"repository_id", repositoryID,
		"stages", len(job.Stages),
	)

	e.sched.schedule()
	return job.ID, nil
}

// GetJob returns a snapshot of a job, including partial progress while it runs.
func (e *Engine) GetJob(id string) (*models.Job, error) {
	return e.store.Get(id)
}

// ListJobs returns every job, newest first.
func (e *Engine) ListJobs() []*models.Job {
	return e.store.List()
}

// ListJobsByRepository returns a repository's jobs, newest first.
func (e *Engine) ListJobsByRepository(repositoryID string) []*models.Job {
	return e.store.ListByRepository(repositoryID)
}

// QueueStatus summarises jobs by status.
func (e *Engine) QueueStatus() models.QueueStatus {
	return e.store.Counts()
}

// Wait blocks until the job is terminal and its runner, if any, has exited.
// It returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*models.Job, error) {
	t, ok := e.sched.tracker(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	select {
	case <-t.done:
		return e.store.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a live event subscription. An empty jobID follows every job.
func (e *Engine) Subscribe(jobID string) *events.Subscriber {
	return e.bus.Subscribe(jobID)
}

// Unsubscribe ends a subscription.
func (e *Engine) Unsubscribe(sub *events.Subscriber) {
	e.bus.Unsubscribe(sub)
}

// Name implements shutdown.Component.
func (e *Engine) Name() string {
	return "pipeline-engine"
}

// Ping reports ErrShuttingDown once the engine has stopped admitting jobs.
func (e *Engine) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()
	if e.sched.stopped {
		return ErrShuttingDown
	}
	return nil
}

// Shutdown stops admission, cancels every unfinished job and waits for
// runners to exit. It implements shutdown.Component.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.sched.stop()

	for _, job := range e.store.List() {
		if job.Status.IsTerminal() {
			continue
		}
		if _, err := e.CancelJob(job.ID); err != nil {
			e.logger.Warn("cancelling job during shutdown", "job_id", job.ID, "error", err)
		}
	}

	if err := e.sched.wait(ctx); err != nil {
		return fmt.Errorf("waiting for runners: %w", err)
	}
	e.logger.Info("pipeline engine stopped")
	return nil
}

// publishJob sends a job-level event carrying a snapshot of job.
func (e *Engine) publishJob(t *tracker, typ models.EventType, job *models.Job) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	e.bus.Publish(models.Event{
		Type:         typ,
		JobID:        job.ID,
		RepositoryID: job.RepositoryID,
		Status:       string(job.Status),
		Job:          job.Clone(),
		Timestamp:    time.Now(),
	})
}

// publish sends a stage or step event.
func (e *Engine) publish(t *tracker, ev models.Event) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	ev.JobID = t.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.bus.Publish(ev)
}

// log appends an entry to the job log and publishes it on the bus.
func (e *Engine) log(t *tracker, level models.LogLevel, stage, step, message string) {
	entry := models.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Stage:     stage,
		Step:      step,
		Message:   message,
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	if err := e.store.AppendLog(t.id, entry); err != nil {
		e.logger.Error("appending job log", "job_id", t.id, "error", err)
		return
	}
	e.bus.Publish(models.Event{
		Type:      models.EventLog,
		JobID:     t.id,
		Stage:     stage,
		Step:      step,
		Log:       &entry,
		Timestamp: entry.Timestamp,
	})
}
