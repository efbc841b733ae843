package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/models"
)

const archiveBuffer = 256

// Saver persists a terminal job.
type Saver interface {
	Save(ctx context.Context, job *models.Job) error
}

// Archiver is an events.Sink that writes every finished job to a Saver
// from a background worker.
type Archiver struct {
	saver   Saver
	queue   chan *models.Job
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewArchiver creates an archiver writing to saver.
func NewArchiver(saver Saver, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		saver:   saver,
		queue:   make(chan *models.Job, archiveBuffer),
		timeout: 10 * time.Second,
		logger:  logger,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Handle implements events.Sink.
func (a *Archiver) Handle(ev models.Event) {
	job, ok := events.Final(ev)
	if !ok {
		return
	}
	select {
	case <-a.closed:
		return
	default:
	}
	select {
	case a.queue <- job:
	default:
		a.logger.Error("archive queue full, job not archived", "job_id", job.ID)
	}
}

// Run writes queued jobs until ctx is done or Shutdown is called.
func (a *Archiver) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.closed:
			for {
				select {
				case job := <-a.queue:
					a.save(ctx, job)
				default:
					return ErrClosed
				}
			}
		case job := <-a.queue:
			a.save(ctx, job)
		}
	}
}

func (a *Archiver) save(ctx context.Context, job *models.Job) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.saver.Save(ctx, job); err != nil {
		a.logger.Error("archiving job", "error", err, "job_id", job.ID)
		return
	}
	a.logger.Debug("job archived", "job_id", job.ID, "status", job.Status)
}

// Shutdown stops accepting jobs and waits for queued ones to be written.
func (a *Archiver) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closed) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements shutdown.Component.
func (a *Archiver) Name() string {
	return "history-archiver"
}
