package recordproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
)

type fakeBus struct{}

func (fakeBus) Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	return nil
}
func (fakeBus) Subscribe(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) error {
	return nil
}
func (fakeBus) Start(ctx context.Context) error { return nil }
func (fakeBus) Close() error                    { return nil }

// fakePuller records the handler Pull registers so tests can drive it
// directly, mirroring internal/records's test double.
type fakePuller struct {
	msgType domain.MessageType
	handler func(ctx context.Context, payload []byte) error
	started bool
}

func (f *fakePuller) Pull(msgType domain.MessageType, _ int, h func(ctx context.Context, payload []byte) error) error {
	f.msgType = msgType
	f.handler = h
	return nil
}
func (f *fakePuller) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakePuller) Close() error                    { return nil }

type fakePusher struct {
	msgType domain.MessageType
	payload []byte
}

func (f *fakePusher) Push(_ context.Context, msgType domain.MessageType, payload []byte) error {
	f.msgType = msgType
	f.payload = payload
	return nil
}
func (f *fakePusher) Close() error { return nil }

func newService(t *testing.T) (*Service, *fakePuller, *fakePusher) {
	t.Helper()
	cb := service.NewComponentBase(domain.ServiceRecordProcessor, "test-recordproc-"+t.Name(), fakeBus{}, time.Hour, 3, 10*time.Millisecond, time.Second)
	puller := &fakePuller{}
	pusher := &fakePusher{}
	return NewService(cb, puller, pusher, NewCounter(), 4), puller, pusher
}

func sampleInferenceResult() domain.InferenceResults {
	return domain.InferenceResults{
		Envelope: domain.NewEnvelope(domain.MessageInferenceResults, "worker-7"),
		Record: domain.RequestRecord{
			Turns: []domain.Turn{
				{Content: []domain.MediaContent{{Kind: "text", Text: "what is the capital of France?"}}},
			},
			Model:       "gpt-4",
			StartPerfNs: 1_000_000,
			EndPerfNs:   5_000_000,
			Responses: []domain.Response{
				{PerfNs: 2_000_000, Data: domain.ResponseData{Kind: "text", Text: "Paris"}},
				{PerfNs: 3_000_000, Data: domain.ResponseData{Kind: "text", Text: " is"}},
				{PerfNs: 4_000_000, Data: domain.ResponseData{Kind: "text", Text: " the capital."}},
			},
			CreditPhase: domain.PhaseProfiling,
		},
	}
}

func TestHandleConfigureRegistersPullAndStarts(t *testing.T) {
	s, puller, _ := newService(t)

	_, err := s.handleConfigure(context.Background(), domain.Command{CommandID: "c1"})
	require.NoError(t, err)
	require.Equal(t, domain.MessageInferenceResults, puller.msgType)
	require.True(t, puller.started)
	require.NotNil(t, puller.handler)
}

func TestInferenceResultsPushesMetricRecordsWithTokenCounts(t *testing.T) {
	s, _, pusher := newService(t)

	raw, err := json.Marshal(sampleInferenceResult())
	require.NoError(t, err)
	require.NoError(t, s.handleInferenceResultsPayload(context.Background(), raw))

	require.Equal(t, domain.MessageMetricRecords, pusher.msgType)
	var out domain.MetricRecordsMessage
	require.NoError(t, json.Unmarshal(pusher.payload, &out))

	require.Equal(t, "worker-7", out.WorkerID)
	require.Nil(t, out.Error)
	require.Greater(t, out.Metrics["api_prompt_tokens"].Scalar, 0.0)
	require.Greater(t, out.Metrics["client_prompt_tokens"].Scalar, 0.0)
	require.Equal(t, out.Metrics["api_prompt_tokens"].Scalar, out.Metrics["input_sequence_length"].Scalar)
	require.Greater(t, out.Metrics["output_sequence_length"].Scalar, 0.0)

	// time_to_first_token = (2_000_000 - 1_000_000) ns -> 1ms
	require.InDelta(t, 1.0, out.Metrics["time_to_first_token"].Scalar, 1e-9)
	// inter_token_latency: gaps of 1ms, 1ms averaged -> 1ms
	require.InDelta(t, 1.0, out.Metrics["inter_token_latency"].Scalar, 1e-9)
}

func TestInvalidRecordPassesThroughAsError(t *testing.T) {
	s, _, pusher := newService(t)

	rec := domain.InferenceResults{
		Envelope: domain.NewEnvelope(domain.MessageInferenceResults, "worker-7"),
		Record: domain.RequestRecord{
			StartPerfNs: 0, // invalid: not positive
		},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.handleInferenceResultsPayload(context.Background(), raw))

	var out domain.MetricRecordsMessage
	require.NoError(t, json.Unmarshal(pusher.payload, &out))
	require.NotNil(t, out.Error)
	require.Equal(t, "InvalidInferenceResultError", out.Error.Type)
	require.Empty(t, out.Metrics)
}

func TestExplicitErrorRecordPassesThroughUntokenized(t *testing.T) {
	s, _, pusher := newService(t)

	rec := domain.InferenceResults{
		Envelope: domain.NewEnvelope(domain.MessageInferenceResults, "worker-7"),
		Record: domain.RequestRecord{
			StartPerfNs: 1_000_000,
			Error:       &domain.ErrorDetails{Type: "TimeoutError", Message: "request timed out"},
		},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.handleInferenceResultsPayload(context.Background(), raw))

	var out domain.MetricRecordsMessage
	require.NoError(t, json.Unmarshal(pusher.payload, &out))
	require.Equal(t, "TimeoutError", out.Error.Type)
	require.Empty(t, out.Metrics)
}
