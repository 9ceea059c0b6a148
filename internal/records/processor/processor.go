// Package processor defines the Records Manager's pluggable results-
// processor interface: every accepted MetricRecordsMessage/TelemetryRecord
// is dispatched to each configured processor, and the same processor is
// asked to summarize its accumulated state both periodically (real-time
// snapshots) and once at the end of a run (final results) — spec.md §4.7
// makes no distinction between the two call sites beyond cadence, so one
// interface serves both.
package processor

import (
	"context"

	"github.com/aiperf/aiperf/internal/domain"
)

// ResultsProcessor consumes accepted MetricRecords and produces MetricResult
// summaries on demand. Implementations must be safe for concurrent Process
// calls (the Records Manager dispatches from its pull-handler goroutines)
// and for a concurrent Summarize call racing with Process.
type ResultsProcessor interface {
	Process(ctx context.Context, rec domain.MetricRecordsMessage) error
	Summarize(ctx context.Context) ([]domain.MetricResult, error)
}

// TelemetryProcessor mirrors ResultsProcessor for GPU telemetry snapshots.
type TelemetryProcessor interface {
	Process(ctx context.Context, rec domain.TelemetryRecord) error
	Summarize(ctx context.Context) ([]domain.MetricResult, error)
}
