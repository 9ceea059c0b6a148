package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceType identifies the kind of service a process is running.
type ServiceType string

// Service type values. Closed enum: Valid reports whether a value is one
// of these (cmd/aiperf checks --role with it).
const (
	ServiceSystemController ServiceType = "system_controller"
	ServiceWorker           ServiceType = "worker"
	ServiceWorkerManager    ServiceType = "worker_manager"
	ServiceTimingManager    ServiceType = "timing_manager"
	ServiceDatasetManager   ServiceType = "dataset_manager"
	ServiceRecordsManager   ServiceType = "records_manager"
	ServiceRecordProcessor  ServiceType = "record_processor"
	ServiceTelemetryManager ServiceType = "telemetry_manager"
)

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceSystemController, ServiceWorker, ServiceWorkerManager,
		ServiceTimingManager, ServiceDatasetManager, ServiceRecordsManager,
		ServiceRecordProcessor, ServiceTelemetryManager:
		return true
	}
	return false
}

// NewServiceID mints a stable "<type>-<short suffix>" identifier for the
// lifetime of a process.
func NewServiceID(t ServiceType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString()[:8])
}

// LifecycleState is the monotonic lifecycle of a service, Failed excepted.
type LifecycleState string

// Lifecycle state values, in their canonical forward order.
const (
	StateCreated      LifecycleState = "created"
	StateInitializing LifecycleState = "initializing"
	StateInitialized  LifecycleState = "initialized"
	StateStarting     LifecycleState = "starting"
	StateRunning      LifecycleState = "running"
	StateStopping     LifecycleState = "stopping"
	StateStopped      LifecycleState = "stopped"
	StateFailed       LifecycleState = "failed"
)

// lifecycleOrder is the index of each non-terminal state in the forward
// sequence; used to reject backward transitions other than into Failed.
var lifecycleOrder = map[LifecycleState]int{
	StateCreated:      0,
	StateInitializing: 1,
	StateInitialized:  2,
	StateStarting:     3,
	StateRunning:      4,
	StateStopping:     5,
	StateStopped:      6,
}

// CanTransition reports whether moving from 'from' to 'to' is legal:
// strictly monotonic forward, or into Failed from any non-terminal state.
func CanTransition(from, to LifecycleState) bool {
	if from == StateFailed || from == StateStopped {
		return false
	}
	if to == StateFailed {
		return true
	}
	fromIdx, fromOK := lifecycleOrder[from]
	toIdx, toOK := lifecycleOrder[to]
	if !fromOK || !toOK {
		return false
	}
	return toIdx == fromIdx+1
}

// ServiceRunInfo is the controller's bookkeeping record for one running
// service instance.
type ServiceRunInfo struct {
	Type         ServiceType    `json:"type"`
	ID           string         `json:"id"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	State        LifecycleState `json:"state"`
	Registered   bool           `json:"registered"`
	RegisteredAt time.Time      `json:"registered_at,omitempty"`
}
