// Package redisbus implements the typed pub/sub event bus over Redis
// PUBLISH/SUBSCRIBE, grounded on the teacher's go-redis usage in
// internal/service/ratelimiter and internal/adapter/ai/rate_limit_cache.go.
package redisbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aiperf/aiperf/internal/domain"
)

const channelPrefix = "aiperf:events:"

func channel(t domain.MessageType) string { return channelPrefix + string(t) }

// envelope wraps a raw payload with its message type so the subscriber side
// can route to the right handler without a second round trip.
type envelope struct {
	Type    domain.MessageType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// Bus is a Redis-backed event bus implementing both transport.Publisher and
// transport.Subscriber.
type Bus struct {
	client *redis.Client

	mu       sync.Mutex
	handlers map[domain.MessageType]func(ctx context.Context, payload []byte) error
	pubsub   *redis.PubSub
}

// New connects to addr/db. Connectivity is verified lazily on first use,
// matching the teacher's rate-limit cache construction style.
func New(addr string, db int) *Bus {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{client: client, handlers: map[domain.MessageType]func(ctx context.Context, payload []byte) error{}}
}

// Publish sends payload tagged with msgType to every subscriber.
func (b *Bus) Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error {
	if err := domain.ValidateMessageType(msgType); err != nil {
		return err
	}
	env := envelope{Type: msgType, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel(msgType), raw).Err(); err != nil {
		slog.Error("redisbus publish failed", slog.String("message_type", string(msgType)), slog.Any("error", err))
		return err
	}
	return nil
}

// Subscribe registers h for msgType. Must be called before Start.
func (b *Bus) Subscribe(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) error {
	if err := domain.ValidateMessageType(msgType); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = h
	return nil
}

// Start begins delivering messages to registered handlers in the order the
// broker delivered them. Unknown message types are logged and dropped.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	channels := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		channels = append(channels, channel(t))
	}
	b.pubsub = b.client.Subscribe(ctx, channels...)
	b.mu.Unlock()

	ch := b.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Bus) deliver(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Error("redisbus malformed envelope dropped", slog.Any("error", err))
		return
	}
	if err := domain.ValidateMessageType(env.Type); err != nil {
		slog.Warn("redisbus unknown message type dropped", slog.String("message_type", string(env.Type)))
		return
	}
	b.mu.Lock()
	h, ok := b.handlers[env.Type]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := h(ctx, env.Payload); err != nil {
		slog.Error("redisbus handler error", slog.String("message_type", string(env.Type)), slog.Any("error", err))
	}
}

// Close releases the subscription and the underlying Redis client.
func (b *Bus) Close() error {
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return b.client.Close()
}
