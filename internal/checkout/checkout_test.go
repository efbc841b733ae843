package checkout

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newOrigin creates a local repository with two commits on main and a tag
// on the first, and returns its path and both commit SHAs.
func newOrigin(t *testing.T) (string, string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return string(out)
	}

	run("init", "-q", "-b", "main")
	// Let shallow fetches of arbitrary commits succeed over the file transport.
	run("config", "uploadpack.allowReachableSHA1InWant", "true")
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"a"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "first")
	run("tag", "v1")
	first := strings.TrimSpace(run("rev-parse", "HEAD"))

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "second")
	second := strings.TrimSpace(run("rev-parse", "HEAD"))

	return "file://" + dir, first, second
}

func TestClone_DefaultBranch(t *testing.T) {
	origin, _, head := newOrigin(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest := filepath.Join(t.TempDir(), "work", "repo")
	res, err := Clone(ctx, origin, "", dest)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if res.Path != dest || res.CommitSHA != head {
		t.Errorf("result = %+v, want sha %s", res, head)
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); err != nil {
		t.Errorf("checkout missing files: %v", err)
	}
}

func TestClone_Tag(t *testing.T) {
	origin, first, _ := newOrigin(t)
	res, err := Clone(context.Background(), origin, "v1", filepath.Join(t.TempDir(), "repo"))
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if res.CommitSHA != first {
		t.Errorf("CommitSHA = %s, want %s", res.CommitSHA, first)
	}
}

func TestClone_CommitSHA(t *testing.T) {
	origin, first, _ := newOrigin(t)
	dest := filepath.Join(t.TempDir(), "repo")
	res, err := Clone(context.Background(), origin, first, dest)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if res.CommitSHA != first {
		t.Errorf("CommitSHA = %s, want %s", res.CommitSHA, first)
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); !os.IsNotExist(err) {
		t.Error("checkout should be at the first commit")
	}
}

func TestClone_Errors(t *testing.T) {
	if _, err := Clone(context.Background(), " ", "", t.TempDir()); !errors.Is(err, ErrMissingURL) {
		t.Errorf("err = %v, want ErrMissingURL", err)
	}

	origin, _, _ := newOrigin(t)
	_, err := Clone(context.Background(), origin+"-missing", "", filepath.Join(t.TempDir(), "repo"))
	cloneErr, ok := AsError(err)
	if !ok {
		t.Fatalf("err = %v, want *Error", err)
	}
	if cloneErr.ExitCode == 0 || cloneErr.Stderr == "" {
		t.Errorf("error lacks git detail: %+v", cloneErr)
	}

	_, err = Clone(context.Background(), origin, "no-such-ref", filepath.Join(t.TempDir(), "repo"))
	if _, ok := AsError(err); !ok {
		t.Errorf("unknown ref err = %v, want *Error", err)
	}
}
