package dataset

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
)

// fakeReplier is an in-process transport.Replier: Handle stores the
// handler so the test can invoke it directly.
type fakeReplier struct {
	handler func(ctx context.Context, payload []byte) ([]byte, error)
	started bool
}

func (f *fakeReplier) Handle(_ string, h func(ctx context.Context, payload []byte) ([]byte, error)) {
	f.handler = h
}
func (f *fakeReplier) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeReplier) Close() error                    { return nil }

type fakeBus struct{}

func (fakeBus) Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	return nil
}
func (fakeBus) Subscribe(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) error {
	return nil
}
func (fakeBus) Start(ctx context.Context) error { return nil }
func (fakeBus) Close() error                    { return nil }

func newManager(t *testing.T, corpus []domain.Conversation, gap time.Duration) (*Manager, *fakeReplier) {
	t.Helper()
	cb := service.NewComponentBase(domain.ServiceDatasetManager, "test-dataset-"+t.Name(), fakeBus{}, time.Hour, 3, 10*time.Millisecond, time.Second)
	replier := &fakeReplier{}
	return NewManager(cb, replier, corpus, gap), replier
}

func sampleCorpus() []domain.Conversation {
	return []domain.Conversation{
		{SessionID: "session-b", Turns: []domain.Turn{{Content: []domain.MediaContent{{Kind: "text", Text: "hi"}}}}},
		{SessionID: "session-a", Turns: []domain.Turn{{Content: []domain.MediaContent{{Kind: "text", Text: "hello"}}}}},
	}
}

func TestHandleConversationRequestReturnsMatchingConversation(t *testing.T) {
	m, replier := newManager(t, sampleCorpus(), time.Second)

	req := domain.ConversationRequest{
		Envelope:       domain.NewEnvelope(domain.MessageConversationRequest, "worker-1"),
		ConversationID: "session-a",
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	respRaw, err := replier.handler(context.Background(), raw)
	require.NoError(t, err)

	var resp domain.ConversationResponse
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	require.Equal(t, "session-a", resp.Conversation.SessionID)
	require.Equal(t, "hello", resp.Conversation.Turns[0].Content[0].Text)
}

func TestHandleConversationRequestUnknownIDReturnsError(t *testing.T) {
	m, replier := newManager(t, sampleCorpus(), time.Second)
	_ = m

	req := domain.ConversationRequest{
		Envelope:       domain.NewEnvelope(domain.MessageConversationRequest, "worker-1"),
		ConversationID: "does-not-exist",
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = replier.handler(context.Background(), raw)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleDatasetTimingRequestBuildsDeterministicSchedule(t *testing.T) {
	m, replier := newManager(t, sampleCorpus(), 100*time.Millisecond)
	_ = m

	req := domain.DatasetTimingRequest{Envelope: domain.NewEnvelope(domain.MessageDatasetTimingRequest, "timing-manager")}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	respRaw, err := replier.handler(context.Background(), raw)
	require.NoError(t, err)

	var resp domain.DatasetTimingResponse
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	require.Len(t, resp.Schedule, 2)
	// Sorted by session id: "session-a" before "session-b".
	require.Equal(t, "session-a", resp.Schedule[0].ConversationID)
	require.Equal(t, int64(0), resp.Schedule[0].DropTimeNs)
	require.Equal(t, "session-b", resp.Schedule[1].ConversationID)
	require.Equal(t, int64(100*time.Millisecond), resp.Schedule[1].DropTimeNs)
}

func TestHandleRPCRejectsUnknownMessageType(t *testing.T) {
	_, replier := newManager(t, sampleCorpus(), time.Second)

	raw, err := json.Marshal(domain.Envelope{MessageType: "bogus"})
	require.NoError(t, err)

	_, err = replier.handler(context.Background(), raw)
	require.Error(t, err)
}

func TestStartStartsReplier(t *testing.T) {
	m, replier := newManager(t, sampleCorpus(), time.Second)
	require.NoError(t, m.Start(context.Background()))
	require.True(t, replier.started)
}
