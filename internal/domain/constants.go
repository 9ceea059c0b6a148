package domain

import "time"

// Default timeouts and tuning knobs shared across services. These mirror the
// fixed constants a single-binary distribution would hardcode, but remain
// plain vars so a CLI layer (out of scope here) can override them.
var (
	// DefaultCommsRequestTimeout bounds a synchronous request/reply round trip.
	DefaultCommsRequestTimeout = 10 * time.Second
	// DefaultMaxRegistrationAttempts bounds service.ComponentBase's registration attempts.
	DefaultMaxRegistrationAttempts = 30
	// DefaultServiceRegistrationTimeout bounds how long the controller waits
	// for all spawned services to self-register.
	DefaultServiceRegistrationTimeout = 60 * time.Second
	// DefaultProfileConfigureTimeout bounds the CONFIGURE phase.
	DefaultProfileConfigureTimeout = 30 * time.Second
	// DefaultProfileStartTimeout bounds the START phase.
	DefaultProfileStartTimeout = 30 * time.Second
	// DefaultRecordProcessorScaleFactor: spawn max(1, workers/factor) record processors.
	DefaultRecordProcessorScaleFactor = 4
	// DefaultHeartbeatIntervalSeconds is the default heartbeat cadence.
	DefaultHeartbeatIntervalSeconds = 5
	// RealtimeMetricsInterval is the cadence of RealtimeMetrics snapshots.
	RealtimeMetricsInterval = 1 * time.Second
	// DefaultCancelDrainInterval bounds how long the Records Manager waits
	// for in-flight records after a cancel before force-completing.
	DefaultCancelDrainInterval = 2 * time.Second
	// UsagePctDiffThreshold is the strict threshold for UsageDiscrepancyCountMetric.
	UsagePctDiffThreshold = 10.0
	// DefaultWorkerHealthInterval is the cadence each Worker publishes
	// WorkerHealth at.
	DefaultWorkerHealthInterval = 5 * time.Second
	// DefaultWorkerStatusSummaryInterval is the cadence the Worker Manager
	// publishes WorkerStatusSummary at.
	DefaultWorkerStatusSummaryInterval = 5 * time.Second
	// DefaultWorkerStaleAfter is how long without a WorkerHealth update
	// before the Worker Manager marks a worker Stale.
	DefaultWorkerStaleAfter = 15 * time.Second
	// WorkerHighLoadCPUPercent is the CPU threshold HighLoad status uses.
	WorkerHighLoadCPUPercent = 90.0
)
