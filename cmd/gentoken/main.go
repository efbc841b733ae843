// Package main provides a simple tool to generate API tokens for autoci.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/narvanalabs/autoci/internal/auth"
)

func main() {
	subject := flag.String("subject", "admin", "Subject (user or service name) for the token")
	role := flag.String("role", string(auth.RoleOperator), "Role for the token: operator or viewer")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration (default: 1 year)")
	flag.Parse()

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -secret 'your-secret-at-least-32-chars-long' -role viewer")
		os.Exit(1)
	}
	if len(jwtSecret) < 32 {
		fmt.Fprintln(os.Stderr, "Error: JWT secret must be at least 32 characters")
		os.Exit(1)
	}

	r := auth.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "Error: %v: %q\n", auth.ErrInvalidRole, *role)
		os.Exit(1)
	}

	cfg := &auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}

	svc := auth.NewService(cfg, nil)
	token, err := svc.GenerateToken(*subject, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
