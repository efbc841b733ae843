package models

import "time"

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is a single line of a job's log.
// Job-level entries leave Stage and Step empty; stage-level entries leave Step empty.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Stage     string    `json:"stage,omitempty"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message"`
}
