// Package main provides the autoci command line tool, which scans a
// checkout and runs its pipeline locally.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/narvanalabs/autoci/internal/checkout"
	"github.com/narvanalabs/autoci/internal/models"
	"github.com/narvanalabs/autoci/internal/pipeline"
	"github.com/narvanalabs/autoci/internal/planfile"
	"github.com/narvanalabs/autoci/internal/planner"
	"github.com/narvanalabs/autoci/internal/scanner"
	"github.com/narvanalabs/autoci/pkg/config"
	"github.com/narvanalabs/autoci/pkg/logger"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

const usage = `Usage: autoci <command> [flags]

Commands:
  run    run the pipeline for a checkout and stream its log
  scan   print the build plan detected for a checkout as YAML

Run 'autoci <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	var code int
	switch os.Args[1] {
	case "run":
		code = runCmd(os.Args[2:], os.Stdout, os.Stderr)
	case "scan":
		code = scanCmd(os.Args[2:], os.Stdout, os.Stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = exitUsage
	}
	os.Exit(code)
}

// sourceFlags are shared by every command that needs a checkout.
type sourceFlags struct {
	dir    string
	gitURL string
	gitRef string
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.dir, "dir", "", "Path to an existing checkout (default: current directory)")
	fs.StringVar(&s.gitURL, "git-url", "", "Clone this repository instead of using -dir")
	fs.StringVar(&s.gitRef, "git-ref", "", "Branch, tag or commit to check out with -git-url")
}

// prepare resolves the checkout directory. The returned cleanup removes a
// temporary clone and is never nil.
func (s *sourceFlags) prepare(ctx context.Context, stderr io.Writer) (string, func(), error) {
	noop := func() {}
	switch {
	case s.gitURL != "" && s.dir != "":
		return "", noop, errors.New("-dir and -git-url are mutually exclusive")
	case s.gitRef != "" && s.gitURL == "":
		return "", noop, errors.New("-git-ref requires -git-url")
	case s.gitURL != "":
		tmp, err := os.MkdirTemp("", "autoci-")
		if err != nil {
			return "", noop, fmt.Errorf("creating clone directory: %w", err)
		}
		cleanup := func() { _ = os.RemoveAll(tmp) }
		res, err := checkout.Clone(ctx, s.gitURL, s.gitRef, tmp)
		if err != nil {
			cleanup()
			if ce, ok := checkout.AsError(err); ok && ce.Stderr != "" {
				fmt.Fprintln(stderr, strings.TrimSpace(ce.Stderr))
			}
			return "", noop, err
		}
		fmt.Fprintf(stderr, "cloned %s at %s\n", s.gitURL, res.CommitSHA)
		return res.Path, cleanup, nil
	}

	dir := s.dir
	if dir == "" {
		dir = "."
	}
	abs, err := absDir(dir)
	if err != nil {
		return "", noop, err
	}
	return abs, noop, nil
}

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var src sourceFlags
	src.register(fs)
	planPath := fs.String("plan", "", "YAML build plan to run instead of scanning the checkout")
	repo := fs.String("repository", "local", "Repository ID recorded on the job")
	concurrency := fs.Int("concurrency", 0, "Maximum concurrent jobs (default: WORKER_MAX_CONCURRENCY)")
	verbose := fs.Bool("v", false, "Log engine internals to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.LoadWithDefaults()
	if *concurrency > 0 {
		cfg.Worker.MaxConcurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.NewWithWriter(stderr, level, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, cleanup, err := src.prepare(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer cleanup()

	plan, err := loadPlan(ctx, *planPath, dir, log.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	engine := pipeline.NewEngine(pipeline.ConfigFrom(cfg), log.WithComponent("pipeline").Logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()

	// A sink sees every event in order; a subscriber may drop lines under load.
	printer := newPrinter(stdout)
	engine.Broker().AddSink(printer)

	id, err := engine.CreateJob(context.Background(), *repo, dir, *plan)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			fmt.Fprintln(stderr, "interrupted, cancelling job")
			if _, err := engine.CancelJob(id); err != nil {
				log.Error("cancelling job", "job_id", id, "error", err)
			}
		}
	}()

	job, err := engine.Wait(context.Background(), id)
	close(finished)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	printer.summary(job)

	switch job.Status {
	case models.JobStatusSuccess:
		return exitOK
	case models.JobStatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func scanCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var src sourceFlags
	src.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, cleanup, err := src.prepare(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer cleanup()

	plan, err := scanner.New(nil).Scan(ctx, dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	stages := planner.New(planner.DefaultTimeouts()).StageNames(plan)
	fmt.Fprintf(stdout, "# stages: %s\n", strings.Join(stages, ", "))
	if err := planfile.Write(stdout, plan); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitOK
}

// loadPlan reads the plan file when one is given and scans dir otherwise.
func loadPlan(ctx context.Context, path, dir string, log *slog.Logger) (*models.BuildPlan, error) {
	if path != "" {
		return planfile.Load(path)
	}
	return scanner.New(log.With("component", "scanner")).Scan(ctx, dir)
}

func absDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	return abs, nil
}

// elapsed formats a stage or job duration for the summary.
func elapsed(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	return end.Sub(*start).Round(time.Millisecond).String()
}
