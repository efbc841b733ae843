// Package cleanup removes stale checkouts from the build work directory.
//
// Clones are normally removed as soon as their job finishes. The sweeper
// catches what that misses: clones left behind by a crash or a restart,
// and clones prepared for jobs that were never created.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
)

// Default values for cleanup settings.
const (
	DefaultRetention = 24 * time.Hour
	DefaultInterval  = time.Hour
)

// ErrStopped is returned by Run after Shutdown.
var ErrStopped = errors.New("cleanup service stopped")

// Settings holds sweeper configuration.
type Settings struct {
	// Retention is how long an unused checkout is kept after its last change.
	Retention time.Duration `json:"retention"`
	// Interval is the time between sweeps.
	Interval time.Duration `json:"interval"`
}

// DefaultSettings returns the standard retention and interval.
func DefaultSettings() Settings {
	return Settings{Retention: DefaultRetention, Interval: DefaultInterval}
}

// Validate validates that all cleanup settings have positive values.
func (s *Settings) Validate() error {
	if s.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", s.Retention)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", s.Interval)
	}
	return nil
}

// JobLister reports the jobs whose checkouts may still be in use.
type JobLister interface {
	ListJobs() []*models.Job
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	ItemsRemoved int           `json:"items_removed"`
	SpaceFreed   int64         `json:"space_freed_bytes"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Service periodically removes stale checkouts under a root directory.
type Service struct {
	root     string
	jobs     JobLister
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewService creates a new cleanup service for root. Zero settings fall
// back to the defaults.
func NewService(root string, jobs JobLister, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Retention <= 0 {
		settings.Retention = DefaultRetention
	}
	if settings.Interval <= 0 {
		settings.Interval = DefaultInterval
	}
	return &Service{
		root:     root,
		jobs:     jobs,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// GetSettings returns the settings in effect.
func (s *Service) GetSettings() Settings {
	return s.settings
}

// CleanupWorkspaces removes every directory directly under the root that no
// unfinished job uses and that has not changed within the retention period.
func (s *Service) CleanupWorkspaces(ctx context.Context) (*CleanupResult, error) {
	start := s.now()
	result := &CleanupResult{}
	cutoff := start.Add(-s.settings.Retention)

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return nil, fmt.Errorf("listing work directory: %w", err)
	}

	inUse := s.activeDirs()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if inUse[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		size := dirSize(path)
		s.logger.Info("removing stale checkout",
			"path", path,
			"age", start.Sub(info.ModTime()).Round(time.Second),
			"size_bytes", size,
		)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("failed to remove checkout", "path", path, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("failed to remove %s: %v", path, err))
			continue
		}
		result.ItemsRemoved++
		result.SpaceFreed += size
	}

	result.Duration = s.now().Sub(start)
	return result, nil
}

func (s *Service) activeDirs() map[string]bool {
	dirs := make(map[string]bool)
	if s.jobs == nil {
		return dirs
	}
	for _, job := range s.jobs.ListJobs() {
		if !job.Status.IsTerminal() {
			dirs[filepath.Clean(job.WorkDir)] = true
		}
	}
	return dirs
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// Run sweeps once immediately and then on every interval until ctx is done
// or Shutdown is called.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return ErrStopped
		case <-ticker.C:
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	result, err := s.CleanupWorkspaces(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("workspace cleanup failed", "error", err)
		}
		return
	}
	if result.ItemsRemoved > 0 || len(result.Errors) > 0 {
		s.logger.Info("workspace cleanup completed",
			"items_removed", result.ItemsRemoved,
			"space_freed", result.SpaceFreed,
			"errors", len(result.Errors),
			"duration", result.Duration,
		)
	}
}

// Shutdown stops the sweep loop and waits for a sweep in progress.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements shutdown.Component.
func (s *Service) Name() string {
	return "workspace-cleanup"
}
