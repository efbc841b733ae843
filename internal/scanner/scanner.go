// Package scanner infers a build plan for a checkout from its marker files.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/autoci/internal/models"
)

// detectFunc inspects a checkout and returns a plan, or nil when its
// language markers are absent.
type detectFunc func(ctx context.Context, dir string) (*models.BuildPlan, error)

// Scanner derives BuildPlans from repository checkouts.
type Scanner struct {
	detectors []detectFunc
	logger    *slog.Logger
}

// New creates a Scanner.
func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	// Order matters: a Node project with a Go helper module is a Node project.
	return &Scanner{
		detectors: []detectFunc{detectNode, detectGo, detectRust, detectPython, detectJava},
		logger:    logger,
	}
}

// Scan inspects dir and returns the build plan for it.
func (s *Scanner) Scan(ctx context.Context, dir string) (*models.BuildPlan, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryAccessFailed, dir)
	}

	for _, detect := range s.detectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan, err := detect(ctx, dir)
		if err != nil {
			return nil, err
		}
		if plan == nil {
			continue
		}
		plan.ContainerizeApplicable = fileExists(filepath.Join(dir, "Dockerfile"))
		s.logger.Info("project scanned",
			"dir", dir,
			"language", plan.Language,
			"package_manager", plan.PackageManager,
			"framework", plan.Framework,
			"has_tests", plan.HasTests,
		)
		return plan, nil
	}

	return nil, ErrNoLanguageDetected
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ignoredDirs are never descended into while looking for test files.
var ignoredDirs = map[string]bool{
	"node_modules": true, "dist": true, "build": true, ".git": true, "coverage": true,
	"__pycache__": true, "venv": true, "env": true, ".venv": true, "target": true,
	"vendor": true, ".next": true, ".nuxt": true, "out": true,
}

// maxWalkFiles bounds how much of a checkout is inspected.
const maxWalkFiles = 5000

// anyFile reports whether some file under dir satisfies match.
func anyFile(ctx context.Context, dir string, match func(rel string) bool) bool {
	found := false
	seen := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != dir && (ignoredDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		seen++
		if seen > maxWalkFiles {
			return filepath.SkipAll
		}
		rel, _ := filepath.Rel(dir, path)
		if match(filepath.ToSlash(rel)) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// baseEnvironment is set for every detected project.
func baseEnvironment() map[string]string {
	return map[string]string{"CI": "true"}
}
