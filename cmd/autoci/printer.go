package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/narvanalabs/autoci/internal/models"
)

// printer writes job log lines as they are published.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

// Handle implements events.Sink.
func (p *printer) Handle(ev models.Event) {
	if ev.Type != models.EventLog || ev.Log == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, formatLog(ev.Log))
}

func formatLog(entry *models.LogEntry) string {
	ts := entry.Timestamp.Format("15:04:05")
	scope := entry.Stage
	if entry.Step != "" {
		scope += "/" + entry.Step
	}
	line := ts
	if scope != "" {
		line += " [" + scope + "]"
	}
	if entry.Level != models.LogLevelInfo {
		line += " " + string(entry.Level) + ":"
	}
	return line + " " + entry.Message
}

// summary prints one line per stage followed by the job result.
func (p *printer) summary(job *models.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out)
	for _, stage := range job.Stages {
		fmt.Fprintf(p.out, "  %-13s %-9s %s\n", stage.Name, stage.Status, elapsed(stage.StartedAt, stage.FinishedAt))
	}
	fmt.Fprintf(p.out, "job %s %s in %s\n", job.ID, job.Status, elapsed(job.StartedAt, job.FinishedAt))
	if stage, step := job.FailedStep(); stage != nil && step != nil {
		fmt.Fprintf(p.out, "failed step %s/%s: %s\n", stage.Name, step.Name, step.Error)
	}
}
