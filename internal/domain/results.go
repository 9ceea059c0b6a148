package domain

// MetricResult is the summarized statistics for one metric tag across all
// accepted records.
type MetricResult struct {
	Tag           string   `json:"tag"`
	Header        string   `json:"header"`
	Unit          string   `json:"unit,omitempty"`
	Avg           float64  `json:"avg"`
	Min           float64  `json:"min"`
	Max           float64  `json:"max"`
	P1            float64  `json:"p1"`
	P5            float64  `json:"p5"`
	P25           float64  `json:"p25"`
	P50           float64  `json:"p50"`
	P75           float64  `json:"p75"`
	P90           float64  `json:"p90"`
	P95           float64  `json:"p95"`
	P99           float64  `json:"p99"`
	Std           float64  `json:"std"`
	Count         int      `json:"count"`
	StreamingOnly bool     `json:"streaming_only,omitempty"`
	Current       *float64 `json:"current,omitempty"`
}

// RecordsProcessingStats is published periodically by the Records Manager
// while profiling is in progress.
type RecordsProcessingStats struct {
	Envelope
	Stats ProcessingStats `json:"stats"`
}

// AllRecordsReceived is the one-shot latch signal that every expected
// record has been accounted for.
type AllRecordsReceived struct {
	Envelope
	FinalStats ProcessingStats `json:"final_stats"`
}

// ErrorSummaryEntry pairs an ErrorDetails identity with its occurrence count.
type ErrorSummaryEntry struct {
	Error ErrorDetails `json:"error"`
	Count int          `json:"count"`
}

// ProcessRecordsResult is the final output of the Records Manager's metric
// pipeline for the profiling phase.
type ProcessRecordsResult struct {
	Envelope
	Records      []MetricResult      `json:"records"`
	StartNs      int64               `json:"start_ns"`
	EndNs        int64               `json:"end_ns"`
	ErrorSummary []ErrorSummaryEntry `json:"error_summary"`
	Cancelled    bool                `json:"cancelled"`
}

// ProcessTelemetryResult mirrors ProcessRecordsResult for GPU telemetry.
type ProcessTelemetryResult struct {
	Envelope
	Records   []MetricResult `json:"records"`
	StartNs   int64          `json:"start_ns"`
	EndNs     int64          `json:"end_ns"`
	Cancelled bool           `json:"cancelled"`
}

// RealtimeMetrics is a live snapshot published while profiling is running.
type RealtimeMetrics struct {
	Envelope
	Records []MetricResult `json:"records"`
}

// RealtimeTelemetryMetrics mirrors RealtimeMetrics for GPU telemetry.
type RealtimeTelemetryMetrics struct {
	Envelope
	Records []MetricResult `json:"records"`
}

// WorkerHealthStatus is the closed enum of Worker health states.
type WorkerHealthStatus string

// Worker health values.
const (
	WorkerHealthy  WorkerHealthStatus = "healthy"
	WorkerIdle     WorkerHealthStatus = "idle"
	WorkerHighLoad WorkerHealthStatus = "high_load"
	WorkerError    WorkerHealthStatus = "error"
	WorkerStale    WorkerHealthStatus = "stale"
)

// WorkerHealth is published periodically by each Worker.
type WorkerHealth struct {
	Envelope
	WorkerID    string             `json:"worker_id"`
	Status      WorkerHealthStatus `json:"status"`
	CPUPercent  float64            `json:"cpu_percent"`
	ErrorCount  int                `json:"error_count"`
	Processed   int                `json:"processed"`
}

// WorkerStatusSummary is the Worker Manager's periodic aggregate view.
type WorkerStatusSummary struct {
	Envelope
	Total    int                            `json:"total"`
	ByStatus map[WorkerHealthStatus]int      `json:"by_status"`
	Workers  map[string]WorkerHealthStatus   `json:"workers"`
}

// FileExportInfo describes one artifact an exporter wrote at end-of-run.
type FileExportInfo struct {
	ExportType string `json:"export_type"`
	FilePath   string `json:"file_path"`
}

// SpawnWorkers asks the controller/service manager to start N more workers
// (and, if configured, a proportional number of record processors).
type SpawnWorkers struct {
	Envelope
	Num int `json:"num"`
}

// ShutdownWorkers asks the controller/service manager to stop the worker
// pool (and its proportional record processors).
type ShutdownWorkers struct {
	Envelope
}

// ProfileConfigure carries the user's benchmark profile to every service.
type ProfileConfigure struct {
	Envelope
	UserConfig map[string]any `json:"user_config"`
}

// ProfileStart signals services to begin the run.
type ProfileStart struct {
	Envelope
}

// ProfileCancel requests an immediate, graceful halt of the current run.
type ProfileCancel struct {
	Envelope
}
