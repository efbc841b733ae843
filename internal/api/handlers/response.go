// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/checkout"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/pipeline"
	"github.com/narvanalabs/autoci/internal/scanner"
	"github.com/narvanalabs/autoci/internal/store"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// maxBodyBytes caps request bodies; plans are small.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// requestLog returns base carrying the request and user IDs of r.
func requestLog(base *slog.Logger, r *http.Request) *slog.Logger {
	return logger.Wrap(base).WithContext(r.Context()).Logger
}

// jobLog is requestLog with the job ID attached.
func jobLog(base *slog.Logger, r *http.Request, jobID string) *slog.Logger {
	return logger.Wrap(base).WithContext(logger.ContextWithJobID(r.Context(), jobID)).Logger
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// errorFor maps domain errors to API errors.
func errorFor(err error) *apierrors.APIError {
	if ce, ok := checkout.AsError(err); ok {
		details := map[string]any{"git_url": ce.GitURL}
		if ce.GitRef != "" {
			details["git_ref"] = ce.GitRef
		}
		if ce.Stderr != "" {
			details["stderr"] = ce.Stderr
		}
		return apierrors.NewValidationError("Failed to check out repository").WithDetails(details)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierrors.NewNotFoundError("Job not found")
	case errors.Is(err, models.ErrMissingInstall):
		return apierrors.NewValidationErrorWithFields(apierrors.AddFieldError("plan.install", "install command is required"))
	case errors.Is(err, pipeline.ErrMissingWorkDir):
		return apierrors.NewValidationErrorWithFields(apierrors.AddFieldError("work_dir", "work directory is required"))
	case errors.Is(err, scanner.ErrNoLanguageDetected):
		return apierrors.NewValidationError("No supported project layout was detected")
	case errors.Is(err, scanner.ErrRepositoryAccessFailed):
		return apierrors.NewValidationError("Repository directory is not accessible")
	case errors.Is(err, scanner.ErrInvalidPackageJSON):
		return apierrors.NewValidationError("package.json could not be parsed")
	case errors.Is(err, checkout.ErrMissingURL):
		return apierrors.NewValidationErrorWithFields(apierrors.AddFieldError("git_url", "git_url is required"))
	case errors.Is(err, pipeline.ErrShuttingDown):
		return apierrors.NewUnavailableError("Server is shutting down")
	default:
		return apierrors.NewInternalError("Internal server error")
	}
}
