package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// Recovery returns a middleware that recovers from panics and logs the error.
func Recovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := logger.RequestIDFromContext(r.Context())
				log.Error("panic recovered",
					"error", rec,
					"error_code", apierrors.CodeInternalError,
					"stack_trace", string(debug.Stack()),
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
				)
				apierrors.WriteErrorWithRequestID(w, apierrors.NewInternalError("An unexpected error occurred"), requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
