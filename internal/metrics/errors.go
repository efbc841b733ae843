package metrics

import "errors"

var (
	// ErrNilMetrics is returned when nil metrics are provided.
	ErrNilMetrics = errors.New("metrics cannot be nil")

	// ErrEmptyJobID is returned when an empty job ID is provided.
	ErrEmptyJobID = errors.New("job ID cannot be empty")

	// ErrMetricsNotFound is returned when metrics for a job are not found.
	ErrMetricsNotFound = errors.New("metrics not found for job")
)
