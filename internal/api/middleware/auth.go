package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/autoci/internal/api/errors"
	"github.com/narvanalabs/autoci/internal/auth"
	"github.com/narvanalabs/autoci/pkg/logger"
)

type contextKey string

// ClaimsKey is the context key for the authenticated claims.
const ClaimsKey contextKey = "claims"

// tokenQueryParam carries a token for clients that cannot set headers,
// such as browser websockets.
const tokenQueryParam = "access_token"

// GetClaims extracts the authenticated claims from the request context.
func GetClaims(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(ClaimsKey).(*auth.Claims); ok {
		return c
	}
	return nil
}

// AuthMiddleware handles JWT and API key authentication.
type AuthMiddleware struct {
	authService  *auth.Service
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware. A nil service
// disables authentication and every request acts as an operator.
func NewAuthMiddleware(authService *auth.Service, apiKeyHeader string, logger *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService:  authService,
		apiKeyHeader: apiKeyHeader,
		logger:       logger,
	}
}

// Authenticate is a middleware that validates JWT tokens or API keys.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.authService == nil {
			anon := &auth.Claims{Subject: "anonymous", Role: auth.RoleOperator}
			next.ServeHTTP(w, withClaims(r, anon))
			return
		}

		var claims *auth.Claims
		if apiKey := r.Header.Get(m.apiKeyHeader); apiKey != "" {
			c, err := m.authService.ValidateAPIKey(apiKey)
			if err != nil {
				m.logger.Debug("API key validation failed", "error", err)
				apierrors.Write(w, r, apierrors.NewUnauthorizedError("Invalid API key"))
				return
			}
			claims = c
		} else {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get(tokenQueryParam)
			}
			if token == "" {
				apierrors.Write(w, r, apierrors.NewUnauthorizedError("Missing authentication"))
				return
			}

			c, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err)
				if errors.Is(err, auth.ErrExpiredToken) {
					apierrors.Write(w, r, apierrors.NewUnauthorizedError("Token has expired"))
					return
				}
				apierrors.Write(w, r, apierrors.NewUnauthorizedError("Invalid token"))
				return
			}
			claims = c
		}

		next.ServeHTTP(w, withClaims(r, claims))
	})
}

// withClaims stores claims on the request and tags its loggers with the subject.
func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), ClaimsKey, claims)
	return r.WithContext(logger.ContextWithUserID(ctx, claims.Subject))
}

// RequirePermission rejects requests whose role lacks p.
func RequirePermission(p auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				apierrors.Write(w, r, apierrors.NewUnauthorizedError("Authentication required"))
				return
			}
			if !auth.HasPermission(claims.Role, p) {
				apierrors.Write(w, r, apierrors.NewForbiddenError("Access denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
