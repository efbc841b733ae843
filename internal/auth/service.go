// Package auth provides authentication and authorization for the API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims represents the JWT claims structure.
type Claims struct {
	Subject string    `json:"sub"`
	Role    Role      `json:"role"`
	Exp     time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration

	// APIKey, when set, is accepted in place of a token and grants the
	// operator role.
	APIKey string
}

// Service issues and validates API credentials.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	apiKeyHash  string
	logger      *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: cfg.TokenExpiry,
		logger:      logger,
	}
	if cfg.APIKey != "" {
		s.apiKeyHash = HashAPIKey(cfg.APIKey)
	}
	return s
}

// GenerateToken creates a new JWT token for subject with the given role.
func (s *Service) GenerateToken(subject string, role Role) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}
	if !role.Valid() {
		return "", ErrInvalidRole
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.tokenExpiry).Unix(),
		"nbf":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signedToken, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, ok := mapClaims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrMissingClaims
	}

	// Tokens without a role predate roles and only ever read.
	role := RoleViewer
	if r, ok := mapClaims["role"].(string); ok && r != "" {
		role = Role(r)
		if !role.Valid() {
			return nil, ErrInvalidRole
		}
	}

	expFloat, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, ErrMissingClaims
	}

	return &Claims{
		Subject: subject,
		Role:    role,
		Exp:     time.Unix(int64(expFloat), 0),
	}, nil
}

// ValidateAPIKey checks apiKey against the configured key.
func (s *Service) ValidateAPIKey(apiKey string) (*Claims, error) {
	if apiKey == "" || s.apiKeyHash == "" {
		return nil, ErrInvalidAPIKey
	}
	if !SecureCompare(HashAPIKey(apiKey), s.apiKeyHash) {
		return nil, ErrInvalidAPIKey
	}
	return &Claims{Subject: "api-key", Role: RoleOperator}, nil
}

// HashAPIKey creates a SHA256 hash of an API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
