package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
)

// inMemoryBus is a synchronous, in-process Bus double: Publish invokes every
// subscriber registered for that message type inline, no goroutines.
type inMemoryBus struct {
	mu   sync.Mutex
	subs map[domain.MessageType][]func(ctx context.Context, payload []byte) error
}

func newInMemoryBus() *inMemoryBus {
	return &inMemoryBus{subs: map[domain.MessageType][]func(ctx context.Context, payload []byte) error{}}
}

func (b *inMemoryBus) Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	b.mu.Lock()
	handlers := append([]func(ctx context.Context, payload []byte) error{}, b.subs[msgType]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *inMemoryBus) Subscribe(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[msgType] = append(b.subs[msgType], h)
	return nil
}

// autoRespond makes the bus answer every Command addressed to serviceID with
// status, standing in for a real registered service during CONFIGURE/START.
func autoRespond(bus *inMemoryBus, serviceID string, status domain.ResponseStatus) {
	_ = bus.Subscribe(domain.MessageCommand, func(ctx context.Context, payload []byte) error {
		var cmd domain.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return err
		}
		if !cmd.TargetsService(serviceID, "") || !cmd.RequireResponse {
			return nil
		}
		resp := domain.CommandResponse{
			Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, serviceID),
			CommandID: cmd.CommandID,
			Status:    status,
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return bus.Publish(ctx, domain.MessageCommandResponse, raw)
	})
}

type fakeSpawner struct {
	mu       sync.Mutex
	spawned  map[domain.ServiceType]int
	stopped  map[domain.ServiceType]int
	stoppedAll bool
	spawnErr error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: map[domain.ServiceType]int{}, stopped: map[domain.ServiceType]int{}}
}

func (f *fakeSpawner) Spawn(role domain.ServiceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned[role]++
	return nil
}

func (f *fakeSpawner) SpawnN(role domain.ServiceType, n int) error {
	for i := 0; i < n; i++ {
		if err := f.Spawn(role); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSpawner) StopRole(role domain.ServiceType, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[role] += n
	return nil
}

func (f *fakeSpawner) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedAll = true
}

type fakeProxy struct {
	startErr, stopErr error
	started, stopped  bool
}

func (f *fakeProxy) Start(ctx context.Context) error { f.started = true; return f.startErr }
func (f *fakeProxy) Stop(ctx context.Context) error   { f.stopped = true; return f.stopErr }

type fakeExporter struct {
	profile   *domain.ProcessRecordsResult
	telemetry *domain.ProcessTelemetryResult
	called    bool
}

func (f *fakeExporter) Export(ctx context.Context, profile *domain.ProcessRecordsResult, telemetry *domain.ProcessTelemetryResult) error {
	f.called = true
	f.profile = profile
	f.telemetry = telemetry
	return nil
}

func testConfig() config.Config {
	return config.Config{
		ServiceRegistrationTimeout:       200 * time.Millisecond,
		ProfileConfigureTimeout:          200 * time.Millisecond,
		ProfileStartTimeout:              200 * time.Millisecond,
		CommsRequestTimeout:              200 * time.Millisecond,
		ScaleRecordProcessorsWithWorkers: true,
		RecordProcessorScaleFactor:       4,
	}
}

func newTestController(t *testing.T, bus *inMemoryBus, spawner Spawner, proxy ProxyManager, exporter Exporter) *Controller {
	t.Helper()
	base := service.NewBase(domain.ServiceSystemController, "test-controller-"+t.Name(), bus)
	return NewController(base, testConfig(), spawner, proxy, exporter)
}

func TestHandleRegisterServiceDedupesByCommandID(t *testing.T) {
	bus := newInMemoryBus()
	c := newTestController(t, bus, newFakeSpawner(), &fakeProxy{}, &fakeExporter{})

	payload, err := json.Marshal(domain.RegisterServicePayload{ServiceType: domain.ServiceWorker, ServiceID: "worker-1"})
	require.NoError(t, err)
	cmd := domain.Command{
		Envelope:    domain.NewEnvelope(domain.MessageCommand, "worker-1"),
		CommandID:   "cmd-fixed",
		CommandType: domain.CommandRegisterService,
		Data:        payload,
	}

	_, err = c.handleRegisterService(context.Background(), cmd)
	require.NoError(t, err)
	_, err = c.handleRegisterService(context.Background(), cmd)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.registrations, 1)
	info := c.registrations["worker-1"]
	require.True(t, info.Registered)
	require.Equal(t, domain.ServiceWorker, info.Type)
}

func TestWaitForRegistrationsSucceedsOnceCountReached(t *testing.T) {
	bus := newInMemoryBus()
	c := newTestController(t, bus, newFakeSpawner(), &fakeProxy{}, &fakeExporter{})
	c.mu.Lock()
	c.expectedRegistrations = 1
	c.mu.Unlock()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.mu.Lock()
		c.registrations["worker-1"] = &domain.ServiceRunInfo{ID: "worker-1"}
		c.mu.Unlock()
	}()

	err := c.waitForRegistrations(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestWaitForRegistrationsTimesOut(t *testing.T) {
	bus := newInMemoryBus()
	c := newTestController(t, bus, newFakeSpawner(), &fakeProxy{}, &fakeExporter{})
	c.mu.Lock()
	c.expectedRegistrations = 1
	c.mu.Unlock()

	err := c.waitForRegistrations(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestHandleSpawnWorkersScalesRecordProcessors(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	c := newTestController(t, bus, spawner, &fakeProxy{}, &fakeExporter{})

	payload, err := json.Marshal(domain.SpawnWorkers{Num: 8})
	require.NoError(t, err)
	cmd := domain.Command{
		Envelope:    domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:   "cmd-spawn",
		CommandType: domain.CommandSpawnWorkers,
		Data:        payload,
	}
	resp, err := c.handleSpawnWorkers(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, domain.ResponseSuccess, resp.Status)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, 8, spawner.spawned[domain.ServiceWorker])
	require.Equal(t, 2, spawner.spawned[domain.ServiceRecordProcessor]) // 8/4
}

func TestHandleSpawnWorkersAppliesMinimumOneRecordProcessor(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	c := newTestController(t, bus, spawner, &fakeProxy{}, &fakeExporter{})

	payload, err := json.Marshal(domain.SpawnWorkers{Num: 1})
	require.NoError(t, err)
	cmd := domain.Command{
		Envelope:    domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:   "cmd-spawn-min",
		CommandType: domain.CommandSpawnWorkers,
		Data:        payload,
	}
	_, err = c.handleSpawnWorkers(context.Background(), cmd)
	require.NoError(t, err)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, 1, spawner.spawned[domain.ServiceRecordProcessor])
}

func TestHandleShutdownWorkersStopsBothRoles(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	c := newTestController(t, bus, spawner, &fakeProxy{}, &fakeExporter{})

	cmd := domain.Command{
		Envelope:    domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:   "cmd-shutdown-workers",
		CommandType: domain.CommandShutdownWorkers,
	}
	_, err := c.handleShutdownWorkers(context.Background(), cmd)
	require.NoError(t, err)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, -1, spawner.stopped[domain.ServiceWorker])
	require.Equal(t, -1, spawner.stopped[domain.ServiceRecordProcessor])
}

func TestBootstrapSpawnsAndWaitsForRegistrations(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	proxy := &fakeProxy{}
	c := newTestController(t, bus, spawner, proxy, &fakeExporter{})

	// Simulate every spawned service immediately registering back.
	origSpawn := spawner.Spawn
	_ = origSpawn
	go func() {
		// poll until spawns happen, then register one ID per spawned role.
		deadline := time.Now().Add(time.Second)
		registered := map[domain.ServiceType]int{}
		for time.Now().Before(deadline) {
			spawner.mu.Lock()
			snapshot := map[domain.ServiceType]int{}
			for k, v := range spawner.spawned {
				snapshot[k] = v
			}
			spawner.mu.Unlock()
			for role, n := range snapshot {
				for registered[role] < n {
					registered[role]++
					id := string(role) + "-" + time.Now().String()
					payload, _ := json.Marshal(domain.RegisterServicePayload{ServiceType: role, ServiceID: id})
					cmd := domain.Command{
						Envelope:    domain.NewEnvelope(domain.MessageCommand, id),
						CommandID:   id,
						CommandType: domain.CommandRegisterService,
						Data:        payload,
					}
					_, _ = c.handleRegisterService(context.Background(), cmd)
				}
			}
			total := 0
			for _, n := range registered {
				total += n
			}
			c.mu.Lock()
			want := c.expectedRegistrations
			c.mu.Unlock()
			if want > 0 && total >= want {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	err := c.Bootstrap(context.Background(), 2, false)
	require.NoError(t, err)
	require.True(t, proxy.started)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, 1, spawner.spawned[domain.ServiceDatasetManager])
	require.Equal(t, 1, spawner.spawned[domain.ServiceTimingManager])
	require.Equal(t, 1, spawner.spawned[domain.ServiceWorkerManager])
	require.Equal(t, 1, spawner.spawned[domain.ServiceRecordsManager])
	require.Equal(t, 2, spawner.spawned[domain.ServiceRecordProcessor])
	require.Equal(t, 0, spawner.spawned[domain.ServiceTelemetryManager])
}

func TestRunProfileRunsStopEvenWhenConfigureFails(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	proxy := &fakeProxy{}
	c := newTestController(t, bus, spawner, proxy, &fakeExporter{})
	require.NoError(t, c.Lifecycle.Initialize(context.Background()))
	require.NoError(t, c.Lifecycle.Start(context.Background()))

	// A target is registered but no auto-responder is wired: configure times out.
	c.mu.Lock()
	c.registrations["ghost-1"] = &domain.ServiceRunInfo{ID: "ghost-1"}
	c.mu.Unlock()

	err := c.RunProfile(context.Background(), config.UserConfig{})
	require.Error(t, err)
	require.True(t, proxy.stopped, "STOP phase must run even when CONFIGURE fails")

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.True(t, spawner.stoppedAll)
}

func TestRunProfileFullSequenceSucceeds(t *testing.T) {
	bus := newInMemoryBus()
	spawner := newFakeSpawner()
	proxy := &fakeProxy{}
	exporter := &fakeExporter{}
	c := newTestController(t, bus, spawner, proxy, exporter)
	require.NoError(t, c.Lifecycle.Initialize(context.Background()))
	require.NoError(t, c.Lifecycle.Start(context.Background()))

	c.mu.Lock()
	c.registrations["worker-1"] = &domain.ServiceRunInfo{ID: "worker-1"}
	c.telemetryEnabled = false
	c.mu.Unlock()
	c.run.setTelemetryEnabled(false)
	autoRespond(bus, "worker-1", domain.ResponseSuccess)

	// Simulate the RUN/COLLECT phase delivering the profile result shortly
	// after START completes.
	go func() {
		time.Sleep(20 * time.Millisecond)
		res := domain.ProcessRecordsResult{Envelope: domain.NewEnvelope(domain.MessageProcessRecordsResult, "records_manager-1")}
		raw, _ := json.Marshal(res)
		_ = bus.Publish(context.Background(), domain.MessageProcessRecordsResult, raw)
	}()
	c.subscribeRunMessages()

	err := c.RunProfile(context.Background(), config.UserConfig{})
	require.NoError(t, err)
	require.True(t, exporter.called)
	require.True(t, proxy.stopped)
}

func TestRunStateSignalsOnlyAfterBothResultsWhenTelemetryEnabled(t *testing.T) {
	rs := newRunState()
	rs.setTelemetryEnabled(true)

	rs.recordProfileResult(domain.ProcessRecordsResult{})
	select {
	case <-rs.done:
		t.Fatal("must not signal done before telemetry result arrives")
	default:
	}

	rs.recordTelemetryResult(domain.ProcessTelemetryResult{})
	select {
	case <-rs.done:
	case <-time.After(time.Second):
		t.Fatal("expected done to be signalled once both results arrived")
	}
}

func TestRunStateSignalsImmediatelyWhenTelemetryDisabled(t *testing.T) {
	rs := newRunState()
	rs.setTelemetryEnabled(false)
	rs.recordProfileResult(domain.ProcessRecordsResult{})
	select {
	case <-rs.done:
	case <-time.After(time.Second):
		t.Fatal("expected done to be signalled once the profile result arrived")
	}
}
