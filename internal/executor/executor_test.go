//go:build unix

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
)

func newTestRunner() *Runner {
	return NewRunner(&Config{Shell: "/bin/sh", KillGrace: 200 * time.Millisecond}, nil)
}

// processAlive reports whether pid still exists and is not a zombie
// waiting to be reaped.
func processAlive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return !os.IsNotExist(err)
	}
	// The state follows the parenthesised command name.
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), Command{
		Command: "echo hello; echo oops 1>&2",
		WorkDir: t.TempDir(),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Exited || res.ExitCode != 0 {
		t.Errorf("exit = (%v, %d), want (true, 0)", res.Exited, res.ExitCode)
	}
	if res.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	if res.Stderr != "oops" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "oops")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), Command{Command: "echo broken 1>&2; exit 3", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Run returned error for non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "broken" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "broken")
	}
}

func TestRun_WorkDirAndEnv(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()

	res, err := r.Run(context.Background(), Command{
		Command: `pwd; echo "$AUTOCI_TEST_VALUE"`,
		WorkDir: dir,
		Env:     []string{"AUTOCI_TEST_VALUE=from-plan"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(res.Stdout, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), res.Stdout)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[0])
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
	if lines[1] != "from-plan" {
		t.Errorf("env value = %q, want %q", lines[1], "from-plan")
	}
}

func TestRun_StreamsLinesInOrder(t *testing.T) {
	r := newTestRunner()

	var mu sync.Mutex
	var got []string
	_, err := r.Run(context.Background(), Command{
		Command: "printf 'one\\ntwo\\n'; printf 'three' 1>&2",
		Timeout: 5 * time.Second,
		Output: func(stream Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(stream)+":"+line)
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var stdout []string
	var sawStderr bool
	for _, line := range got {
		if strings.HasPrefix(line, "stdout:") {
			stdout = append(stdout, line)
		}
		if line == "stderr:three" {
			sawStderr = true
		}
	}
	if strings.Join(stdout, ",") != "stdout:one,stdout:two" {
		t.Errorf("stdout lines = %v", stdout)
	}
	if !sawStderr {
		t.Errorf("missing unterminated stderr line in %v", got)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner()
	pidFile := filepath.Join(t.TempDir(), "pid")

	start := time.Now()
	res, err := r.Run(context.Background(), Command{
		Command: "echo $$ > " + pidFile + "; sleep 5",
		Timeout: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if KindOf(err) != models.FailureTimeout {
		t.Errorf("KindOf = %q, want %q", KindOf(err), models.FailureTimeout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took %v, want well under 5s", elapsed)
	}
	if res == nil {
		t.Fatal("expected a result alongside the timeout error")
	}

	assertProcessGone(t, pidFile)
}

func TestProcess_Terminate(t *testing.T) {
	r := newTestRunner()
	pidFile := filepath.Join(t.TempDir(), "pid")

	p, err := r.Start(context.Background(), Command{
		Command: "echo $$ > " + pidFile + "; sleep 30",
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForFile(t, pidFile)
	p.Terminate()
	p.Terminate()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not stop after Terminate")
	}

	_, err = p.Wait()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	assertProcessGone(t, pidFile)
}

func TestProcess_TerminateEscalatesToKill(t *testing.T) {
	r := newTestRunner()
	pidFile := filepath.Join(t.TempDir(), "pid")

	p, err := r.Start(context.Background(), Command{
		Command: "trap '' TERM; echo $$ > " + pidFile + "; while :; do sleep 0.1; done",
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForFile(t, pidFile)
	p.Terminate()

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process ignoring SIGTERM was not killed")
	}
	assertProcessGone(t, pidFile)
}

func TestRun_TimeoutKillsDetachedGroupMembers(t *testing.T) {
	r := newTestRunner()
	pidFile := filepath.Join(t.TempDir(), "pid")

	// The background member ignores SIGTERM and does not hold the output
	// pipes, so the shell exits long before it does.
	_, err := r.Run(context.Background(), Command{
		Command: "(trap '' TERM; sh -c 'echo $$ > " + pidFile + "; exec sleep 30') >/dev/null 2>&1 & sleep 10",
		Timeout: 300 * time.Millisecond,
	})
	if KindOf(err) != models.FailureTimeout {
		t.Fatalf("KindOf = %q, want %q (err %v)", KindOf(err), models.FailureTimeout, err)
	}

	waitForFile(t, pidFile)
	assertProcessGone(t, pidFile)
}

func TestRun_ParentContextCancelled(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())

	p, err := r.Start(ctx, Command{Command: "sleep 30", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	_, err = p.Wait()
	if KindOf(err) != models.FailureCancelled {
		t.Errorf("KindOf = %q, want %q", KindOf(err), models.FailureCancelled)
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	r := newTestRunner()

	_, err := r.Start(context.Background(), Command{Command: "   "})
	if !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("err = %v, want ErrEmptyCommand", err)
	}
	if KindOf(err) != models.FailureSpawn {
		t.Errorf("KindOf = %q, want %q", KindOf(err), models.FailureSpawn)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	r := NewRunner(&Config{Shell: "/nonexistent/shell"}, nil)

	_, err := r.Start(context.Background(), Command{Command: "true"})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
}

func TestStart_MissingWorkDir(t *testing.T) {
	r := newTestRunner()

	_, err := r.Start(context.Background(), Command{
		Command: "true",
		WorkDir: filepath.Join(t.TempDir(), "missing"),
	})
	if KindOf(err) != models.FailureSpawn {
		t.Errorf("KindOf = %q, want %q", KindOf(err), models.FailureSpawn)
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(data)) != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s was not written", path)
}

func assertProcessGone(t *testing.T, pidFile string) {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parsing pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("process %d still alive", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
