package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/store/postgres"
)

// maxHistoryLimit bounds a single history page.
const maxHistoryLimit = 500

// HistoryReader reads archived jobs.
type HistoryReader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, repositoryID string, limit int) ([]*models.Job, error)
	StageFailures(ctx context.Context) (map[string]int, error)
}

// HistoryHandler serves the job archive.
type HistoryHandler struct {
	history HistoryReader
	logger  *slog.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(history HistoryReader, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{history: history, logger: logger}
}

// List handles GET /v1/history.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			apierrors.Write(w, r, apierrors.NewValidationErrorWithFields(
				apierrors.AddFieldError("limit", "limit must be between 1 and 500")))
			return
		}
		limit = n
	}

	jobs, err := h.history.List(r.Context(), r.URL.Query().Get("repository_id"), limit)
	if err != nil {
		requestLog(h.logger, r).Error("failed to list job history", "error", err)
		apierrors.Write(w, r, apierrors.NewInternalError("Failed to list job history"))
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Get handles GET /v1/history/{jobID}.
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.history.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			apierrors.Write(w, r, apierrors.NewNotFoundError("Job not found in history"))
			return
		}
		requestLog(h.logger, r).Error("failed to get archived job", "error", err)
		apierrors.Write(w, r, apierrors.NewInternalError("Failed to get archived job"))
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// StageFailures handles GET /v1/history/stage-failures.
func (h *HistoryHandler) StageFailures(w http.ResponseWriter, r *http.Request) {
	counts, err := h.history.StageFailures(r.Context())
	if err != nil {
		requestLog(h.logger, r).Error("failed to count stage failures", "error", err)
		apierrors.Write(w, r, apierrors.NewInternalError("Failed to count stage failures"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"stage_failures": counts})
}
