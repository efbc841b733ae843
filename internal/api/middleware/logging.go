// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// RequestLogger returns a middleware that logs HTTP requests. Server errors
// are logged at error level and client errors at warn. The request ID is
// put on the context for loggers further down the chain.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := middleware.GetReqID(r.Context())
			r = r.WithContext(logger.ContextWithRequestID(r.Context(), requestID))

			defer func() {
				level := slog.LevelInfo
				switch {
				case ww.Status() >= 500:
					level = slog.LevelError
				case ww.Status() >= 400:
					level = slog.LevelWarn
				}
				log.Log(r.Context(), level, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", requestID,
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
