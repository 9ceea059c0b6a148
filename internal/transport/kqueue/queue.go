// Package kqueue implements the load-balanced push/pull transport over
// Kafka/Redpanda topics via franz-go, grounded on the teacher's
// internal/adapter/queue/redpanda consumer/producer pair.
package kqueue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/aiperf/aiperf/internal/domain"
)

// envelope tags a raw payload with its message type, the same convention as
// redisbus, so one topic can in principle multiplex several message types.
type envelope struct {
	Type    domain.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// Queue is a franz-go backed push/pull client implementing both
// transport.Pusher and transport.Puller against one topic.
type Queue struct {
	client *kgo.Client
	topic  string

	handlers map[domain.MessageType]pullBinding
}

type pullBinding struct {
	sem *semaphore.Weighted
	fn  func(ctx context.Context, payload []byte) error
}

// New constructs a Queue bound to topic on the given brokers.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Queue, error) {
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	base := []kgo.Opt{kgo.SeedBrokers(brokers...), kgo.WithHooks(kotelService.Hooks()...)}
	base = append(base, opts...)
	client, err := kgo.NewClient(base...)
	if err != nil {
		return nil, err
	}
	return &Queue{client: client, topic: topic, handlers: map[domain.MessageType]pullBinding{}}, nil
}

// Push sends payload tagged with msgType onto the topic; the broker
// load-balances records across whichever consumer group is pulling.
func (q *Queue) Push(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	if err := domain.ValidateMessageType(msgType); err != nil {
		return err
	}
	env := envelope{Type: msgType, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: q.topic, Value: raw}
	result := q.client.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		slog.Error("kqueue push failed", slog.String("topic", q.topic), slog.Any("error", err))
		return err
	}
	return nil
}

// Pull registers a handler for msgType with at most maxConcurrency
// in-flight invocations. Must be called before Start.
func (q *Queue) Pull(msgType domain.MessageType, maxConcurrency int, h func(ctx context.Context, payload []byte) error) error {
	if err := domain.ValidateMessageType(msgType); err != nil {
		return err
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	q.handlers[msgType] = pullBinding{sem: semaphore.NewWeighted(int64(maxConcurrency)), fn: h}
	return nil
}

// Start begins fetching records and dispatching them to registered
// handlers, applying each handler's maxConcurrency semaphore as
// backpressure on how fast this process keeps polling.
func (q *Queue) Start(ctx context.Context) error {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			fetches := q.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			fetches.EachError(func(_ string, _ int32, err error) {
				slog.Error("kqueue fetch error", slog.Any("error", err))
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				q.dispatch(ctx, rec)
			})
		}
	}()
	return nil
}

func (q *Queue) dispatch(ctx context.Context, rec *kgo.Record) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		slog.Error("kqueue malformed envelope dropped", slog.Any("error", err))
		return
	}
	if err := domain.ValidateMessageType(env.Type); err != nil {
		slog.Warn("kqueue unknown message type dropped", slog.String("message_type", string(env.Type)))
		return
	}
	binding, ok := q.handlers[env.Type]
	if !ok {
		return
	}
	if err := binding.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer binding.sem.Release(1)
		if err := binding.fn(ctx, env.Payload); err != nil {
			slog.Error("kqueue handler error", slog.String("message_type", string(env.Type)), slog.Any("error", err))
		}
	}()
}

// Close flushes and closes the underlying client.
func (q *Queue) Close() error {
	q.client.Close()
	return nil
}
