package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/metrics"
	"github.com/narvanalabs/autoci/internal/models"
)

// MetricsSource exposes recorded job metrics.
type MetricsSource interface {
	GetMetrics(ctx context.Context, jobID string) (*metrics.JobMetrics, error)
	GetAggregateMetrics(ctx context.Context, filter metrics.Filter) (*metrics.AggregateMetrics, error)
}

// MetricsHandler serves job metrics.
type MetricsHandler struct {
	source MetricsSource
	logger *slog.Logger
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(source MetricsSource, logger *slog.Logger) *MetricsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsHandler{source: source, logger: logger}
}

// Aggregate handles GET /v1/metrics. Accepted filters are repository_id,
// language, status, since and until (RFC 3339).
func (h *MetricsHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := metrics.Filter{
		RepositoryID: q.Get("repository_id"),
		Language:     q.Get("language"),
		Status:       models.JobStatus(q.Get("status")),
	}

	var errs apierrors.ValidationErrors
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &filter.StartTime},
		{"until", &filter.EndTime},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs.Add(p.name, p.name+" must be an RFC 3339 timestamp")
			continue
		}
		*p.dst = &t
	}
	if errs.HasErrors() {
		apierrors.Write(w, r, errs.ToAPIError())
		return
	}

	agg, err := h.source.GetAggregateMetrics(r.Context(), filter)
	if err != nil {
		requestLog(h.logger, r).Error("failed to aggregate metrics", "error", err)
		apierrors.Write(w, r, apierrors.NewInternalError("Failed to aggregate metrics"))
		return
	}
	WriteJSON(w, http.StatusOK, agg)
}

// Job handles GET /v1/metrics/jobs/{jobID}.
func (h *MetricsHandler) Job(w http.ResponseWriter, r *http.Request) {
	m, err := h.source.GetMetrics(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, metrics.ErrMetricsNotFound) || errors.Is(err, metrics.ErrEmptyJobID) {
			apierrors.Write(w, r, apierrors.NewNotFoundError("No metrics recorded for job"))
			return
		}
		requestLog(h.logger, r).Error("failed to get job metrics", "error", err)
		apierrors.Write(w, r, apierrors.NewInternalError("Failed to get job metrics"))
		return
	}
	WriteJSON(w, http.StatusOK, m)
}
