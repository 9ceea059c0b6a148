// Package workermgr implements the Worker Manager: on CONFIGURE it sizes the
// worker pool and asks the System Controller to spawn it, then tracks each
// worker's health and republishes a periodic aggregate view.
package workermgr

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/service"
)

// ClassKey is the lifecycle hook class identifier for the Worker Manager.
const ClassKey = "worker_manager"

var hooksOnce sync.Once

type workerState struct {
	status   domain.WorkerHealthStatus
	lastSeen time.Time
}

// Manager is the Worker Manager service.
type Manager struct {
	*service.ComponentBase

	workerMin, workerCap int
	commsTimeout         time.Duration
	summaryInterval      time.Duration
	staleAfter           time.Duration
	numCPU               func() int
	now                  func() time.Time

	mu      sync.Mutex
	workers map[string]workerState
}

// NewManager constructs the Worker Manager, wiring the CONFIGURE handler,
// the WorkerHealth subscription, and the periodic WorkerStatusSummary
// background task against ClassKey.
func NewManager(cb *service.ComponentBase, workerMin, workerCap int, commsTimeout, summaryInterval, staleAfter time.Duration) *Manager {
	m := &Manager{
		ComponentBase:   cb,
		workerMin:       workerMin,
		workerCap:       workerCap,
		commsTimeout:    commsTimeout,
		summaryInterval: summaryInterval,
		staleAfter:      staleAfter,
		numCPU:          runtime.NumCPU,
		now:             time.Now,
		workers:         map[string]workerState{},
	}
	m.RegisterCommandHandler(domain.CommandProfileConfigure, m.handleConfigure)

	hooksOnce.Do(func() {
		lifecycle.RegisterOnStart(ClassKey, func(ctx context.Context) error {
			return m.Bus().Subscribe(domain.MessageWorkerHealth, m.handleWorkerHealth)
		})
		lifecycle.RegisterBackgroundTask(ClassKey, lifecycle.BackgroundTaskSpec{
			Name:      "worker_status_summary",
			Immediate: false,
			Interval:  func() time.Duration { return m.summaryInterval },
			Run:       m.publishSummary,
		})
	})
	return m
}

// Size computes the worker pool size per spec.md §4.6:
// min(max(1, 0.75·CPUcount − 1), cap), capped further by loadgen.concurrency,
// floored by workers.min.
func (m *Manager) Size(concurrency int) int {
	base := int(0.75*float64(m.numCPU())) - 1
	if base < 1 {
		base = 1
	}
	n := base
	if m.workerCap > 0 && n > m.workerCap {
		n = m.workerCap
	}
	if concurrency > 0 && n > concurrency {
		n = concurrency
	}
	if n < m.workerMin {
		n = m.workerMin
	}
	return n
}

func (m *Manager) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var pc domain.ProfileConfigure
	if err := json.Unmarshal(cmd.Data, &pc); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	uc, err := decodeUserConfig(pc.UserConfig)
	if err != nil {
		return domain.CommandResponse{}, err
	}

	n := m.Size(uc.Concurrency)

	spawn := domain.SpawnWorkers{Envelope: domain.NewEnvelope(domain.MessageCommand, m.ID), Num: n}
	payload, err := json.Marshal(spawn)
	if err != nil {
		return domain.CommandResponse{}, err
	}
	spawnCmd := domain.Command{
		Envelope:          domain.NewEnvelope(domain.MessageCommand, m.ID),
		CommandID:         service.NewCommandID(),
		CommandType:       domain.CommandSpawnWorkers,
		TargetServiceType: domain.ServiceSystemController,
		RequireResponse:   true,
		Data:              payload,
	}
	resp, err := m.SendCommandAndWaitForResponse(ctx, spawnCmd, m.commsTimeout)
	if err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: spawn_workers: %v", domain.ErrCommunicationCreate, err)
	}
	if resp.Status != domain.ResponseSuccess && resp.Status != domain.ResponseAcknowledged {
		return domain.CommandResponse{}, fmt.Errorf("%w: spawn_workers rejected with status %s", domain.ErrService, resp.Status)
	}

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) handleWorkerHealth(ctx context.Context, payload []byte) error {
	var wh domain.WorkerHealth
	if err := json.Unmarshal(payload, &wh); err != nil {
		return err
	}
	m.mu.Lock()
	m.workers[wh.WorkerID] = workerState{status: wh.Status, lastSeen: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Manager) publishSummary(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	snapshot := make(map[string]domain.WorkerHealthStatus, len(m.workers))
	byStatus := map[domain.WorkerHealthStatus]int{}
	for id, st := range m.workers {
		status := st.status
		if now.Sub(st.lastSeen) > m.staleAfter {
			status = domain.WorkerStale
		}
		snapshot[id] = status
		byStatus[status]++
	}
	m.mu.Unlock()

	summary := domain.WorkerStatusSummary{
		Envelope: domain.NewEnvelope(domain.MessageWorkerStatusSummary, m.ID),
		Total:    len(snapshot),
		ByStatus: byStatus,
		Workers:  snapshot,
	}
	return m.Publish(ctx, domain.MessageWorkerStatusSummary, summary)
}

func decodeUserConfig(raw map[string]any) (config.UserConfig, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return config.UserConfig{}, err
	}
	var uc config.UserConfig
	if err := json.Unmarshal(b, &uc); err != nil {
		return config.UserConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return uc, nil
}
