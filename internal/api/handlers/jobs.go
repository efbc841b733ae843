package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/events"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store"
)

// Engine is the part of the pipeline engine the API drives.
type Engine interface {
	CreateJob(ctx context.Context, repositoryID, workDir string, plan models.BuildPlan) (string, error)
	GetJob(id string) (*models.Job, error)
	ListJobs() []*models.Job
	ListJobsByRepository(repositoryID string) []*models.Job
	CancelJob(id string) (bool, error)
	QueueStatus() models.QueueStatus
	Subscribe(jobID string) *events.Subscriber
	Unsubscribe(sub *events.Subscriber)
}

// Scanner derives a build plan from a checkout.
type Scanner interface {
	Scan(ctx context.Context, dir string) (*models.BuildPlan, error)
}

// JobHandler handles pipeline job HTTP requests.
type JobHandler struct {
	engine    Engine
	scanner   Scanner
	workspace *Workspace
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(engine Engine, sc Scanner, ws *Workspace, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		engine:    engine,
		scanner:   sc,
		workspace: ws,
		logger:    logger,
	}
}

// CreateJobRequest represents the request body for creating a job.
type CreateJobRequest struct {
	RepositoryID string `json:"repository_id"`
	Source
	// Plan is detected from the checkout when omitted.
	Plan *models.BuildPlan `json:"plan,omitempty"`
}

// CreateJobResponse is returned when a job has been queued.
type CreateJobResponse struct {
	ID           string           `json:"id"`
	RepositoryID string           `json:"repository_id"`
	Status       models.JobStatus `json:"status"`
	WorkDir      string           `json:"work_dir"`
	CommitSHA    string           `json:"commit_sha,omitempty"`
	Stages       []string         `json:"stages"`
	Plan         models.BuildPlan `json:"plan"`
}

// ListJobsResponse is returned by List.
type ListJobsResponse struct {
	Jobs        []*models.Job      `json:"jobs"`
	QueueStatus models.QueueStatus `json:"queue_status"`
}

// Create handles POST /v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.Write(w, r, apierrors.NewValidationError("Invalid request body"))
		return
	}

	errs := req.Source.validate()
	if strings.TrimSpace(req.RepositoryID) == "" {
		errs.Add("repository_id", "repository_id is required")
	}
	if req.Plan != nil && strings.TrimSpace(req.Plan.Install) == "" {
		errs.Add("plan.install", "install command is required")
	}
	if errs.HasErrors() {
		apierrors.Write(w, r, errs.ToAPIError())
		return
	}

	co, err := h.workspace.Prepare(r.Context(), req.Source)
	if err != nil {
		apierrors.Write(w, r, errorFor(err))
		return
	}

	plan := req.Plan
	if plan == nil {
		plan, err = h.scanner.Scan(r.Context(), co.Dir)
		if err != nil {
			h.workspace.Discard(co, req.Source)
			requestLog(h.logger, r).Warn("scan failed", "repository_id", req.RepositoryID, "error", err)
			apierrors.Write(w, r, errorFor(err))
			return
		}
	}

	id, err := h.engine.CreateJob(r.Context(), req.RepositoryID, co.Dir, *plan)
	if err != nil {
		h.workspace.Discard(co, req.Source)
		h.logError(r, "failed to create job", err)
		apierrors.Write(w, r, errorFor(err))
		return
	}

	resp := CreateJobResponse{
		ID:           id,
		RepositoryID: req.RepositoryID,
		Status:       models.JobStatusQueued,
		WorkDir:      co.Dir,
		CommitSHA:    co.CommitSHA,
		Plan:         *plan,
	}
	if job, err := h.engine.GetJob(id); err == nil {
		resp.Status = job.Status
		resp.Plan = job.Plan
		for _, s := range job.Stages {
			resp.Stages = append(resp.Stages, s.Name)
		}
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// List handles GET /v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	var jobs []*models.Job
	if repo := r.URL.Query().Get("repository_id"); repo != "" {
		jobs = h.engine.ListJobsByRepository(repo)
	} else {
		jobs = h.engine.ListJobs()
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:        jobs,
		QueueStatus: h.engine.QueueStatus(),
	})
}

// Get handles GET /v1/jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		h.logError(r, "failed to get job", err)
		apierrors.Write(w, r, errorFor(err))
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Logs handles GET /v1/jobs/{jobID}/logs. The optional stage and level
// query parameters filter the entries.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		h.logError(r, "failed to get job logs", err)
		apierrors.Write(w, r, errorFor(err))
		return
	}

	stage := r.URL.Query().Get("stage")
	level := models.LogLevel(r.URL.Query().Get("level"))
	logs := make([]models.LogEntry, 0, len(job.Logs))
	for _, entry := range job.Logs {
		if stage != "" && entry.Stage != stage {
			continue
		}
		if level != "" && entry.Level != level {
			continue
		}
		logs = append(logs, entry)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"logs":   logs,
	})
}

// Cancel handles DELETE /v1/jobs/{jobID}.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	cancelled, err := h.engine.CancelJob(id)
	if err != nil {
		h.logError(r, "failed to cancel job", err)
		apierrors.Write(w, r, errorFor(err))
		return
	}
	if !cancelled {
		apierrors.Write(w, r, apierrors.NewConflictError("Job has already finished"))
		return
	}

	jobLog(h.logger, r, id).Info("job cancelled via API")
	resp := map[string]any{"message": "Job cancelled"}
	if job, err := h.engine.GetJob(id); err == nil {
		resp["job"] = job
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Queue handles GET /v1/queue.
func (h *JobHandler) Queue(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.QueueStatus())
}

func (h *JobHandler) logError(r *http.Request, msg string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	requestLog(h.logger, r).Error(msg, "path", r.URL.Path, "error", err)
}
