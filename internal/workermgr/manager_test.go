package workermgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
)

// fakeBus is an in-process, asynchronous-dispatch Bus: Publish delivers to
// every Subscribe'd handler of the matching message type on its own
// goroutine, mirroring internal/service's own test fake.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[domain.MessageType][]func(ctx context.Context, payload []byte) error
	published map[domain.MessageType][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  map[domain.MessageType][]func(context.Context, []byte) error{},
		published: map[domain.MessageType][][]byte{},
	}
}

func (f *fakeBus) Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	f.mu.Lock()
	f.published[msgType] = append(f.published[msgType], payload)
	hs := append([]func(context.Context, []byte) error{}, f.handlers[msgType]...)
	f.mu.Unlock()
	for _, h := range hs {
		go func(h func(context.Context, []byte) error) { _ = h(ctx, payload) }(h)
	}
	return nil
}

func (f *fakeBus) Subscribe(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = append(f.handlers[msgType], h)
	return nil
}
func (f *fakeBus) Start(ctx context.Context) error { return nil }
func (f *fakeBus) Close() error                    { return nil }

func (f *fakeBus) last(t domain.MessageType) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[t]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// autoAckCommands answers every inbound Command immediately with
// ResponseSuccess, standing in for both the controller's RegisterService
// handshake (fired by ComponentBase.register on Lifecycle.Start) and its
// SpawnWorkers acknowledgement.
func autoAckCommands(bus *fakeBus) {
	_ = bus.Subscribe(domain.MessageCommand, func(ctx context.Context, payload []byte) error {
		var cmd domain.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return err
		}
		if !cmd.RequireResponse {
			return nil
		}
		resp := domain.CommandResponse{
			Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, "system-controller"),
			CommandID: cmd.CommandID,
			Status:    domain.ResponseSuccess,
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return bus.Publish(context.Background(), domain.MessageCommandResponse, raw)
	})
}

func newManager(t *testing.T, bus *fakeBus) *Manager {
	t.Helper()
	cb := service.NewComponentBase(domain.ServiceWorkerManager, "test-workermgr-"+t.Name(), bus, time.Hour, 3, 10*time.Millisecond, time.Second)
	return NewManager(cb, 1, 256, 2*time.Second, time.Hour, 15*time.Second)
}

// newStartedManager wires an auto-ack responder before starting the
// lifecycle, so ComponentBase's self-registration handshake succeeds
// immediately and Base's CommandResponse subscription is active.
func newStartedManager(t *testing.T) (*Manager, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	autoAckCommands(bus)
	m := newManager(t, bus)
	require.NoError(t, m.Lifecycle.Initialize(context.Background()))
	require.NoError(t, m.Lifecycle.Start(context.Background()))
	t.Cleanup(func() { _ = m.Lifecycle.Stop(context.Background()) })
	return m, bus
}

func TestSizeFormula(t *testing.T) {
	m := newManager(t, newFakeBus())
	m.numCPU = func() int { return 8 } // base = 0.75*8-1 = 5

	require.Equal(t, 5, m.Size(0))
	require.Equal(t, 3, m.Size(3)) // capped by concurrency

	m.workerCap = 2
	require.Equal(t, 2, m.Size(0)) // capped by workerCap

	m.workerCap = 256
	m.workerMin = 10
	require.Equal(t, 10, m.Size(0)) // floored by workerMin
}

func TestSizeFormulaFloorsAtOneWithLowCPUCount(t *testing.T) {
	m := newManager(t, newFakeBus())
	m.numCPU = func() int { return 1 } // 0.75*1-1 = -0.25 -> max(1, ...) = 1
	require.Equal(t, 1, m.Size(0))
}

func TestHandleConfigureSendsSpawnWorkersAndAcksOnSuccess(t *testing.T) {
	m, bus := newStartedManager(t)
	m.numCPU = func() int { return 4 } // base = 2

	pc := domain.ProfileConfigure{
		Envelope:   domain.NewEnvelope(domain.MessageCommand, "system-controller"),
		UserConfig: map[string]any{"concurrency": 0},
	}
	data, err := json.Marshal(pc)
	require.NoError(t, err)
	cmd := domain.Command{CommandID: "cfg-1", CommandType: domain.CommandProfileConfigure, Data: data}

	resp, err := m.handleConfigure(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, domain.ResponseSuccess, resp.Status)

	var sent domain.Command
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageCommand), &sent))
	var spawn domain.SpawnWorkers
	require.NoError(t, json.Unmarshal(sent.Data, &spawn))
	require.Equal(t, 2, spawn.Num)
}

func TestHandleConfigureCapsByConcurrency(t *testing.T) {
	m, bus := newStartedManager(t)
	m.numCPU = func() int { return 64 } // base = 47

	pc := domain.ProfileConfigure{UserConfig: map[string]any{"concurrency": 5}}
	data, err := json.Marshal(pc)
	require.NoError(t, err)
	cmd := domain.Command{CommandID: "cfg-2", CommandType: domain.CommandProfileConfigure, Data: data}

	resp, err := m.handleConfigure(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, domain.ResponseSuccess, resp.Status)

	var sent domain.Command
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageCommand), &sent))
	var spawn domain.SpawnWorkers
	require.NoError(t, json.Unmarshal(sent.Data, &spawn))
	require.Equal(t, 5, spawn.Num)
}

func TestHandleConfigurePropagatesSpawnFailure(t *testing.T) {
	// No responder subscribed at all: SendCommandAndWaitForResponse times
	// out since no CommandResponse ever arrives, and (crucially) the
	// lifecycle is never Start()ed so ComponentBase's own registration
	// handshake never runs either.
	m := newManager(t, newFakeBus())
	m.commsTimeout = 50 * time.Millisecond

	pc := domain.ProfileConfigure{UserConfig: map[string]any{}}
	data, err := json.Marshal(pc)
	require.NoError(t, err)
	cmd := domain.Command{CommandID: "cfg-3", CommandType: domain.CommandProfileConfigure, Data: data}

	_, err = m.handleConfigure(context.Background(), cmd)
	require.Error(t, err)
}

func TestHandleWorkerHealthAndSummary(t *testing.T) {
	m := newManager(t, newFakeBus())

	wh := domain.WorkerHealth{
		Envelope: domain.NewEnvelope(domain.MessageWorkerHealth, "worker-1"),
		WorkerID: "worker-1",
		Status:   domain.WorkerHealthy,
	}
	raw, err := json.Marshal(wh)
	require.NoError(t, err)
	require.NoError(t, m.handleWorkerHealth(context.Background(), raw))
	require.NoError(t, m.publishSummary(context.Background()))

	bus := m.Base.Bus().(*fakeBus)
	var summary domain.WorkerStatusSummary
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageWorkerStatusSummary), &summary))
	require.Equal(t, 1, summary.Total)
	require.Equal(t, domain.WorkerHealthy, summary.Workers["worker-1"])
}

func TestPublishSummaryMarksStaleWorkers(t *testing.T) {
	m := newManager(t, newFakeBus())
	fixedNow := time.Now()
	m.now = func() time.Time { return fixedNow }

	wh := domain.WorkerHealth{
		Envelope: domain.NewEnvelope(domain.MessageWorkerHealth, "worker-1"),
		WorkerID: "worker-1",
		Status:   domain.WorkerHealthy,
	}
	raw, err := json.Marshal(wh)
	require.NoError(t, err)
	require.NoError(t, m.handleWorkerHealth(context.Background(), raw))

	m.now = func() time.Time { return fixedNow.Add(time.Minute) }
	require.NoError(t, m.publishSummary(context.Background()))

	bus := m.Base.Bus().(*fakeBus)
	var summary domain.WorkerStatusSummary
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageWorkerStatusSummary), &summary))
	require.Equal(t, domain.WorkerStale, summary.Workers["worker-1"])
	require.Equal(t, 1, summary.ByStatus[domain.WorkerStale])
}
