package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store"
)

// DefaultMaxConcurrency is the number of jobs run at once when not configured.
const DefaultMaxConcurrency = 3

// tracker is the engine's per-job bookkeeping that does not belong on the
// job record itself.
type tracker struct {
	id string

	// emitMu keeps the job log and the bus in the same order.
	emitMu sync.Mutex

	// done is closed once the job is terminal and no runner is left.
	done chan struct{}

	// cancel interrupts the runner; nil until admission.
	cancel context.CancelCauseFunc
}

type launchFunc func(ctx context.Context, job *models.Job, t *tracker)

// scheduler admits queued jobs in creation order while fewer than max
// runners are active. Lock order is scheduler.mu, then the store.
type scheduler struct {
	mu       sync.Mutex
	store    store.JobStore
	max      int
	active   int
	trackers map[string]*tracker
	stopped  bool
	wg       sync.WaitGroup
	launch   launchFunc
	logger   *slog.Logger
}

func newScheduler(st store.JobStore, max int, launch launchFunc, logger *slog.Logger) *scheduler {
	if max <= 0 {
		max = DefaultMaxConcurrency
	}
	return &scheduler{
		store:    st,
		max:      max,
		trackers: make(map[string]*tracker),
		launch:   launch,
		logger:   logger,
	}
}

// register creates the tracker for a newly created job. Callers hold s.mu.
func (s *scheduler) register(id string) *tracker {
	t := &tracker{id: id, done: make(chan struct{})}
	s.trackers[id] = t
	return t
}

func (s *scheduler) tracker(id string) (*tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[id]
	return t, ok
}

// schedule admits as many queued jobs as there is capacity for.
func (s *scheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	free := s.max - s.active
	if free <= 0 {
		return
	}

	for _, job := range s.store.Admit(free, time.Now()) {
		t, ok := s.trackers[job.ID]
		if !ok {
			// Every job is registered under s.mu before it can be admitted.
			s.logger.Error("admitted job has no tracker", "job_id", job.ID)
			continue
		}
		ctx, cancel := context.WithCancelCause(context.Background())
		t.cancel = cancel
		s.active++
		s.wg.Add(1)

		s.logger.Info("job admitted",
			"job_id", job.ID,
			"active", s.active,
			"max_concurrency", s.max,
		)
		go s.launch(ctx, job, t)
	}
}

// release frees the runner slot held by t and re-evaluates the queue.
func (s *scheduler) release(t *tracker) {
	s.mu.Lock()
	s.active--
	if t.cancel != nil {
		t.cancel(nil)
	}
	close(t.done)
	s.mu.Unlock()

	s.wg.Done()
	s.schedule()
}

// activeCount returns the number of runners currently holding a slot.
func (s *scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// stop prevents further admissions.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// wait blocks until every runner has exited or ctx is done.
func (s *scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
