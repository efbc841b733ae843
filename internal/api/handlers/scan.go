package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/models"
)

// ScanHandler handles project detection requests.
type ScanHandler struct {
	scanner   Scanner
	workspace *Workspace
	planner   StageNamer
	logger    *slog.Logger
}

// StageNamer lists the stages a plan would run.
type StageNamer interface {
	StageNames(plan *models.BuildPlan) []string
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(sc Scanner, ws *Workspace, planner StageNamer, logger *slog.Logger) *ScanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanHandler{
		scanner:   sc,
		workspace: ws,
		planner:   planner,
		logger:    logger,
	}
}

// ScanResponse is the detected plan and the stages it would produce.
type ScanResponse struct {
	Plan      *models.BuildPlan `json:"plan"`
	Stages    []string          `json:"stages"`
	CommitSHA string            `json:"commit_sha,omitempty"`
}

// Scan handles POST /v1/scan. Git sources are cloned into a scratch
// directory that is removed before the response is written.
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var src Source
	if err := decodeJSON(r, &src); err != nil {
		apierrors.Write(w, r, apierrors.NewValidationError("Invalid request body"))
		return
	}
	if errs := src.validate(); errs.HasErrors() {
		apierrors.Write(w, r, errs.ToAPIError())
		return
	}

	co, err := h.workspace.Prepare(r.Context(), src)
	if err != nil {
		apierrors.Write(w, r, errorFor(err))
		return
	}
	defer h.workspace.Discard(co, src)

	plan, err := h.scanner.Scan(r.Context(), co.Dir)
	if err != nil {
		requestLog(h.logger, r).Debug("scan failed", "dir", co.Dir, "error", err)
		apierrors.Write(w, r, errorFor(err))
		return
	}

	WriteJSON(w, http.StatusOK, ScanResponse{
		Plan:      plan,
		Stages:    h.planner.StageNames(plan),
		CommitSHA: co.CommitSHA,
	})
}
