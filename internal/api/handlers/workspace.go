package handlers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/checkout"
	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/scanner"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// Source names where a pipeline's files come from: an existing directory on
// the server or a git repository to clone.
type Source struct {
	WorkDir string `json:"work_dir,omitempty"`
	GitURL  string `json:"git_url,omitempty"`
	GitRef  string `json:"git_ref,omitempty"`
}

// validate reports field errors for a source.
func (s Source) validate() apierrors.ValidationErrors {
	var errs apierrors.ValidationErrors
	hasDir := strings.TrimSpace(s.WorkDir) != ""
	hasURL := strings.TrimSpace(s.GitURL) != ""
	switch {
	case !hasDir && !hasURL:
		errs.Add("work_dir", "either work_dir or git_url is required")
	case hasDir && hasURL:
		errs.Add("git_url", "work_dir and git_url are mutually exclusive")
	case hasDir && !filepath.IsAbs(s.WorkDir):
		errs.Add("work_dir", "work_dir must be an absolute path")
	case !hasURL && s.GitRef != "":
		errs.Add("git_ref", "git_ref requires git_url")
	}
	return errs
}

// Checkout is a prepared working directory.
type Checkout struct {
	Dir       string
	CommitSHA string
}

// cloneFunc matches checkout.Clone.
type cloneFunc func(ctx context.Context, gitURL, gitRef, dest string) (*checkout.Result, error)

// Workspace prepares working directories for requests. Git sources are
// cloned into a fresh directory under Root.
type Workspace struct {
	root   string
	clone  cloneFunc
	logger *slog.Logger
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root string, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		root:   root,
		clone:  checkout.Clone,
		logger: logger,
	}
}

// Prepare returns the directory for src, cloning it first when src names a
// git repository.
func (ws *Workspace) Prepare(ctx context.Context, src Source) (*Checkout, error) {
	if src.GitURL == "" {
		info, err := os.Stat(src.WorkDir)
		if err != nil || !info.IsDir() || ws.owns(src.WorkDir) {
			return nil, scanner.ErrRepositoryAccessFailed
		}
		return &Checkout{Dir: src.WorkDir}, nil
	}

	log := logger.Wrap(ws.logger).WithContext(ctx)
	dest := filepath.Join(ws.root, uuid.New().String())
	res, err := ws.clone(ctx, src.GitURL, src.GitRef, dest)
	if err != nil {
		_ = os.RemoveAll(dest)
		log.Warn("checkout failed", "git_url", src.GitURL, "git_ref", src.GitRef, "error", err)
		return nil, err
	}
	log.Info("repository checked out",
		"git_url", src.GitURL,
		"git_ref", src.GitRef,
		"commit", res.CommitSHA,
		"path", res.Path,
	)
	return &Checkout{Dir: res.Path, CommitSHA: res.CommitSHA}, nil
}

// Discard removes a checkout made by Prepare. Caller-owned directories are
// left alone.
func (ws *Workspace) Discard(co *Checkout, src Source) {
	if co == nil || src.GitURL == "" {
		return
	}
	if err := os.RemoveAll(co.Dir); err != nil {
		ws.logger.Warn("removing checkout", "path", co.Dir, "error", err)
	}
}

// Handle removes the clone of a job once the job is final. It implements
// events.Sink; directories outside the workspace root are never touched.
func (ws *Workspace) Handle(ev models.Event) {
	job, ok := events.Final(ev)
	if !ok || !ws.owns(job.WorkDir) {
		return
	}
	go func(dir string) {
		if err := os.RemoveAll(dir); err != nil {
			ws.logger.Warn("removing checkout", "job_id", job.ID, "path", dir, "error", err)
		}
	}(job.WorkDir)
}

// owns reports whether dir is a clone directory created under the root.
func (ws *Workspace) owns(dir string) bool {
	if ws.root == "" || dir == "" {
		return false
	}
	rel, err := filepath.Rel(ws.root, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.Contains(rel, string(filepath.Separator))
}
