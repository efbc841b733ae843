// Package checkout materialises a git repository into a working directory
// for a pipeline to run in.
package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrMissingURL is returned when no repository URL is given.
var ErrMissingURL = errors.New("checkout: git url is required")

// Error describes a failed git operation.
type Error struct {
	// GitURL is the URL that was being cloned
	GitURL string

	// GitRef is the ref that was being checked out
	GitRef string

	// Stderr contains the git stderr output
	Stderr string

	// ExitCode is the exit code from git
	ExitCode int

	Err error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git clone failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return fmt.Sprintf("git clone failed: %v", e.Err)
	}
	return fmt.Sprintf("git clone failed with exit code %d", e.ExitCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result describes a finished checkout.
type Result struct {
	// Path is the working directory holding the checkout.
	Path string

	// CommitSHA is the resolved HEAD commit.
	CommitSHA string
}

// Clone makes a shallow clone of gitURL at gitRef into dest. An empty
// gitRef uses the remote's default branch. Refs that are not branch or tag
// names (commit SHAs) are fetched explicitly and checked out detached.
func Clone(ctx context.Context, gitURL, gitRef, dest string) (*Result, error) {
	if strings.TrimSpace(gitURL) == "" {
		return nil, ErrMissingURL
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &Error{GitURL: gitURL, GitRef: gitRef, Err: fmt.Errorf("creating destination: %w", err)}
	}

	args := []string{"clone", "--depth", "1"}
	if gitRef != "" {
		args = append(args, "--branch", gitRef)
	}
	args = append(args, gitURL, dest)

	if _, err := git(ctx, args...); err != nil {
		if gitRef == "" || ctx.Err() != nil {
			return nil, wrap(err, gitURL, gitRef)
		}
		return cloneAndCheckout(ctx, gitURL, gitRef, dest)
	}
	return resolve(ctx, gitURL, gitRef, dest)
}

func cloneAndCheckout(ctx context.Context, gitURL, gitRef, dest string) (*Result, error) {
	// Remove any partial clone from the first attempt.
	_ = os.RemoveAll(dest)

	steps := [][]string{
		{"clone", "--depth", "1", gitURL, dest},
		{"-C", dest, "fetch", "--depth", "1", "origin", gitRef},
		{"-C", dest, "checkout", "--detach", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := git(ctx, args...); err != nil {
			return nil, wrap(err, gitURL, gitRef)
		}
	}
	return resolve(ctx, gitURL, gitRef, dest)
}

func resolve(ctx context.Context, gitURL, gitRef, dest string) (*Result, error) {
	sha, err := git(ctx, "-C", dest, "rev-parse", "HEAD")
	if err != nil {
		return nil, wrap(fmt.Errorf("resolving HEAD: %w", err), gitURL, gitRef)
	}
	return &Result{Path: dest, CommitSHA: sha}, nil
}

// gitError carries the output of a failed git invocation.
type gitError struct {
	stderr   string
	exitCode int
	err      error
}

func (e *gitError) Error() string { return e.err.Error() }
func (e *gitError) Unwrap() error { return e.err }

func git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Never block on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &gitError{stderr: stderr.String(), exitCode: exitCode, err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrap(err error, gitURL, gitRef string) *Error {
	out := &Error{GitURL: gitURL, GitRef: gitRef, Err: err}
	var ge *gitError
	if errors.As(err, &ge) {
		out.Stderr = ge.stderr
		out.ExitCode = ge.exitCode
	}
	return out
}

// AsError attempts to convert err to a checkout *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
