package records

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/records/processor"
	"github.com/aiperf/aiperf/internal/service"
)

// fakeBus mirrors the synchronous-dispatch fake used across internal/worker
// and internal/workermgr tests.
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
		_ = h(ctx, payload)
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

func (f *fakeBus) count(t domain.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[t])
}

// fakePuller records registered handlers so the test can drive records
// directly without a real broker.
type fakePuller struct {
	mu       sync.Mutex
	handlers map[domain.MessageType]func(ctx context.Context, payload []byte) error
	started  bool
}

func newFakePuller() *fakePuller {
	return &fakePuller{handlers: map[domain.MessageType]func(context.Context, []byte) error{}}
}

func (p *fakePuller) Pull(msgType domain.MessageType, _ int, h func(ctx context.Context, payload []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgType] = h
	return nil
}
func (p *fakePuller) Start(ctx context.Context) error { p.started = true; return nil }
func (p *fakePuller) Close() error                    { return nil }

func (p *fakePuller) deliver(t *testing.T, msgType domain.MessageType, payload any) {
	t.Helper()
	p.mu.Lock()
	h := p.handlers[msgType]
	p.mu.Unlock()
	require.NotNil(t, h, "no handler registered for %s", msgType)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), raw))
}

// fakeProcessor is a minimal processor.ResultsProcessor: it counts accepted
// records and returns one synthesized MetricResult per Summarize call.
type fakeProcessor struct {
	mu      sync.Mutex
	records []domain.MetricRecordsMessage
}

func (p *fakeProcessor) Process(_ context.Context, rec domain.MetricRecordsMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *fakeProcessor) Summarize(_ context.Context) ([]domain.MetricResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []domain.MetricResult{{Tag: "fake_metric", Count: len(p.records)}}, nil
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type fakeTelemetryProcessor struct {
	mu      sync.Mutex
	records []domain.TelemetryRecord
}

func (p *fakeTelemetryProcessor) Process(_ context.Context, rec domain.TelemetryRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *fakeTelemetryProcessor) Summarize(_ context.Context) ([]domain.MetricResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []domain.MetricResult{{Tag: "fake_telemetry", Count: len(p.records)}}, nil
}

var _ processor.ResultsProcessor = (*fakeProcessor)(nil)
var _ processor.TelemetryProcessor = (*fakeTelemetryProcessor)(nil)

func newManager(t *testing.T, bus *fakeBus, puller *fakePuller, procs []processor.ResultsProcessor, telProcs []processor.TelemetryProcessor) *Manager {
	t.Helper()
	cb := service.NewComponentBase(domain.ServiceRecordsManager, "test-records-"+t.Name(), bus, time.Hour, 3, 10*time.Millisecond, time.Second)
	return NewManager(cb, puller, procs, telProcs, time.Second, time.Hour, 20*time.Millisecond)
}

func metricRecord(workerID string, endNs int64, errDetails *domain.ErrorDetails) domain.MetricRecordsMessage {
	return domain.MetricRecordsMessage{
		Envelope:       domain.NewEnvelope(domain.MessageMetricRecords, "record-processor-1"),
		WorkerID:       workerID,
		RequestEndNs:   endNs,
		BenchmarkPhase: domain.PhaseProfiling,
		Error:          errDetails,
	}
}

func TestHandleConfigureRegistersPullsAndStartsPuller(t *testing.T) {
	puller := newFakePuller()
	m := newManager(t, newFakeBus(), puller, nil, nil)

	cmd := domain.Command{CommandID: "cfg-1", CommandType: domain.CommandProfileConfigure}
	resp, err := m.handleConfigure(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, domain.ResponseSuccess, resp.Status)
	require.True(t, puller.started)
	require.Contains(t, puller.handlers, domain.MessageMetricRecords)
	require.Contains(t, puller.handlers, domain.MessageTelemetryRecords)
}

func TestCreditPhaseStartSetsWindow(t *testing.T) {
	bus := newFakeBus()
	m := newManager(t, bus, newFakePuller(), nil, nil)

	dur := 10.0
	start := domain.CreditPhaseStart{
		Phase:               domain.PhaseProfiling,
		StartNs:             1_000_000_000,
		ExpectedDurationSec: &dur,
	}
	raw, err := json.Marshal(start)
	require.NoError(t, err)
	require.NoError(t, m.handleCreditPhaseStartPayload(context.Background(), raw))

	m.processingStatusLock.Lock()
	require.Equal(t, int64(1_000_000_000), m.startTimeNs)
	require.NotNil(t, m.expectedDurationSec)
	require.Equal(t, 10.0, *m.expectedDurationSec)
	m.processingStatusLock.Unlock()
}

func TestInBenchmarkWindowAppliesGracePeriod(t *testing.T) {
	m := newManager(t, newFakeBus(), newFakePuller(), nil, nil)
	dur := 5.0
	m.processingStatusLock.Lock()
	m.startTimeNs = 0
	m.expectedDurationSec = &dur
	m.processingStatusLock.Unlock()

	// window = 0 + (5 + 1 grace) seconds = 6s in ns
	within := metricRecord("w1", int64(6*time.Second), nil)
	outside := metricRecord("w1", int64(6*time.Second)+1, nil)

	require.True(t, m.inBenchmarkWindow(within))
	require.False(t, m.inBenchmarkWindow(outside))
}

func TestMetricRecordsDriveCompletionOnCount(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, nil)

	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	final := 2
	m.processingStatusLock.Lock()
	m.finalRequestCount = &final
	m.processingStatusLock.Unlock()

	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 100, nil))
	require.Equal(t, 0, bus.count(domain.MessageAllRecordsReceived))

	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 200, nil))
	require.Eventually(t, func() bool {
		return bus.count(domain.MessageAllRecordsReceived) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return bus.count(domain.MessageProcessRecordsResult) == 1
	}, time.Second, 5*time.Millisecond)

	var result domain.ProcessRecordsResult
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageProcessRecordsResult), &result))
	require.Len(t, result.Records, 1)
	require.Equal(t, 2, result.Records[0].Count)
	require.False(t, result.Cancelled)
}

func TestMetricRecordsOutOfWindowAreDropped(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, nil)
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	dur := 1.0
	m.processingStatusLock.Lock()
	m.startTimeNs = 0
	m.expectedDurationSec = &dur
	m.processingStatusLock.Unlock()

	// window = 1s + 1s grace = 2s; this record lands well past it.
	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", int64(10*time.Second), nil))
	require.Equal(t, 0, proc.count())
}

func TestErrorRecordsAggregateIntoErrorSummary(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, nil)
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	final := 1
	m.processingStatusLock.Lock()
	m.finalRequestCount = &final
	m.processingStatusLock.Unlock()

	errDetails := &domain.ErrorDetails{Type: "TimeoutError", Message: "deadline exceeded"}
	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 100, errDetails))

	require.Eventually(t, func() bool {
		return bus.count(domain.MessageProcessRecordsResult) == 1
	}, time.Second, 5*time.Millisecond)

	var result domain.ProcessRecordsResult
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageProcessRecordsResult), &result))
	require.Len(t, result.ErrorSummary, 1)
	require.Equal(t, "TimeoutError", result.ErrorSummary[0].Error.Type)
	require.Equal(t, 1, result.ErrorSummary[0].Count)

	m.workerStatsLock.Lock()
	require.Equal(t, 1, m.workerStats["w1"].Errors)
	m.workerStatsLock.Unlock()
}

func TestDurationTimeoutCompletesViaCreditPhaseComplete(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	m := newManager(t, bus, puller, []processor.ResultsProcessor{&fakeProcessor{}}, nil)
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	dur := 30.0
	m.processingStatusLock.Lock()
	m.expectedDurationSec = &dur
	m.processingStatusLock.Unlock()

	complete := domain.CreditPhaseComplete{
		Phase:             domain.PhaseProfiling,
		EndNs:             5_000_000_000,
		FinalRequestCount: 3,
		TimeoutTriggered:  true,
	}
	raw, err := json.Marshal(complete)
	require.NoError(t, err)
	require.NoError(t, m.handleCreditPhaseCompletePayload(context.Background(), raw))

	require.Eventually(t, func() bool {
		return bus.count(domain.MessageAllRecordsReceived) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCompletionLatchIsOneShot(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, nil)
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	final := 1
	m.processingStatusLock.Lock()
	m.finalRequestCount = &final
	m.processingStatusLock.Unlock()

	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 100, nil))
	require.Eventually(t, func() bool {
		return bus.count(domain.MessageAllRecordsReceived) == 1
	}, time.Second, 5*time.Millisecond)

	// A later record must not re-trigger completion or re-publish results.
	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 200, nil))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, bus.count(domain.MessageAllRecordsReceived))
}

func TestProfileCancelForceCompletesAfterDrainInterval(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, nil)
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	// No finalRequestCount is ever known: only the cancel drain will complete this run.
	resp, err := m.handleCancel(context.Background(), domain.Command{CommandID: "cancel-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ResponseAcknowledged, resp.Status)

	require.Eventually(t, func() bool {
		return bus.count(domain.MessageAllRecordsReceived) == 1
	}, time.Second, 5*time.Millisecond)

	var result domain.ProcessRecordsResult
	require.Eventually(t, func() bool {
		if bus.count(domain.MessageProcessRecordsResult) != 1 {
			return false
		}
		return json.Unmarshal(bus.last(domain.MessageProcessRecordsResult), &result) == nil
	}, time.Second, 5*time.Millisecond)
	require.True(t, result.Cancelled)
}

func TestTelemetryRecordsSummarizeSeparately(t *testing.T) {
	bus := newFakeBus()
	puller := newFakePuller()
	proc := &fakeProcessor{}
	telProc := &fakeTelemetryProcessor{}
	m := newManager(t, bus, puller, []processor.ResultsProcessor{proc}, []processor.TelemetryProcessor{telProc})
	_, err := m.handleConfigure(context.Background(), domain.Command{CommandID: "cfg"})
	require.NoError(t, err)

	puller.deliver(t, domain.MessageTelemetryRecords, domain.TelemetryRecord{
		Envelope: domain.NewEnvelope(domain.MessageTelemetryRecords, "telemetry-1"),
		GPUIndex: 0,
		Metrics:  map[string]float64{"utilization": 42},
	})
	require.Equal(t, 1, telProc.count())

	final := 1
	m.processingStatusLock.Lock()
	m.finalRequestCount = &final
	m.processingStatusLock.Unlock()
	puller.deliver(t, domain.MessageMetricRecords, metricRecord("w1", 100, nil))

	require.Eventually(t, func() bool {
		return bus.count(domain.MessageProcessTelemetryResult) == 1
	}, time.Second, 5*time.Millisecond)

	var result domain.ProcessTelemetryResult
	require.NoError(t, json.Unmarshal(bus.last(domain.MessageProcessTelemetryResult), &result))
	require.Len(t, result.Records, 1)
	require.Equal(t, "fake_telemetry", result.Records[0].Tag)
}

func (p *fakeTelemetryProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}
