// Package telemetry implements the Telemetry Manager: an optional service
// (spec.md §4 names it TelemetryManager×1, spawned only when telemetry is
// enabled) that samples host GPU/CPU/memory stats on a fixed cadence and
// pushes TelemetryRecord snapshots to the Records Manager, grounded on the
// Worker's periodic WorkerHealth background task and the bc-dunia-mcpdrill
// example's gopsutil host-stats sampling (no vendor GPU SDK is in the
// example pack, so host CPU/mem stands in as the telemetry source — see
// DESIGN.md).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Telemetry Manager.
const ClassKey = "telemetry_manager"

// sampleFunc returns the current metric readings, keyed by name. Overridden
// in tests so they don't depend on the host's actual CPU/memory.
type sampleFunc func() (map[string]float64, error)

// Manager is the Telemetry Manager service.
type Manager struct {
	*service.ComponentBase

	pusher       transport.Pusher
	sampleInterval time.Duration
	sample       sampleFunc

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

var hooksOnce sync.Once

// NewManager constructs the Telemetry Manager, wiring CONFIGURE/CANCEL
// handlers; sampling itself only begins once PROFILE_START arrives.
func NewManager(cb *service.ComponentBase, pusher transport.Pusher, sampleInterval time.Duration) *Manager {
	m := &Manager{
		ComponentBase:  cb,
		pusher:         pusher,
		sampleInterval: sampleInterval,
		sample:         sampleHostStats,
	}
	m.RegisterCommandHandler(domain.CommandProfileConfigure, m.handleConfigure)
	m.RegisterCommandHandler(domain.CommandProfileStart, m.handleStart)
	m.RegisterCommandHandler(domain.CommandProfileCancel, m.handleCancel)

	hooksOnce.Do(func() {
		lifecycle.RegisterOnStop(ClassKey, func(ctx context.Context) error {
			m.haltSampling()
			return nil
		})
	})
	return m
}

func (m *Manager) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var pc domain.ProfileConfigure
	if err := json.Unmarshal(cmd.Data, &pc); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) handleStart(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	m.startSampling()
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) handleCancel(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	m.haltSampling()
	if err := m.publishResult(context.Background()); err != nil {
		return domain.CommandResponse{}, err
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) startSampling() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.sampleLoop(m.stop)
}

func (m *Manager) haltSampling() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
	_ = m.publishResult(context.Background())
}

func (m *Manager) sampleLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.pushSnapshot(context.Background()); err != nil {
				continue
			}
		}
	}
}

func (m *Manager) pushSnapshot(ctx context.Context) error {
	metrics, err := m.sample()
	if err != nil {
		return err
	}
	rec := domain.TelemetryRecord{
		Envelope: domain.NewEnvelope(domain.MessageTelemetryRecords, m.ID),
		GPUIndex: 0,
		Metrics:  metrics,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.pusher.Push(ctx, domain.MessageTelemetryRecords, raw)
}

// publishResult announces completion of the telemetry collection phase.
// The Records Manager's TelemetryProcessor computes the actual
// ProcessTelemetryResult; this is just the collector's own status message.
func (m *Manager) publishResult(ctx context.Context) error {
	return m.Publish(ctx, domain.MessageTelemetryStatus, struct {
		domain.Envelope
		Active bool `json:"active"`
	}{Envelope: domain.NewEnvelope(domain.MessageTelemetryStatus, m.ID), Active: false})
}

// sampleHostStats reads host CPU/memory usage via gopsutil, standing in for
// vendor GPU telemetry (no GPU SDK appears anywhere in the example pack).
func sampleHostStats() (map[string]float64, error) {
	out := map[string]float64{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_used_percent"] = vm.UsedPercent
		out["mem_used_bytes"] = float64(vm.Used)
	}
	return out, nil
}
