package transport

import (
	"context"
	"errors"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// ErrTimeout is returned by Requester.Request when no reply arrives within
// the deadline. It is a typed failure, not a broken-connection error.
var ErrTimeout = errors.New("transport: request timeout")

// Handler processes one pub/sub message of a given MessageType.
type Handler func(ctx context.Context, payload []byte) error

// Publisher publishes typed messages to the event bus.
type Publisher interface {
	Publish(ctx context.Context, msgType domain.MessageType, payload []byte) error
	Close() error
}

// Subscriber registers {messageType -> handler}; delivery order matches the
// order the broker delivered messages. Unknown message types are logged and
// dropped by the implementation, never delivered to a handler.
type Subscriber interface {
	Subscribe(msgType domain.MessageType, h Handler) error
	Start(ctx context.Context) error
	Close() error
}

// Pusher sends load-balanced work items.
type Pusher interface {
	Push(ctx context.Context, msgType domain.MessageType, payload []byte) error
	Close() error
}

// Puller registers a single handler per messageType, with maxConcurrency
// in-flight handler invocations providing backpressure to the broker.
type Puller interface {
	Pull(msgType domain.MessageType, maxConcurrency int, h Handler) error
	Start(ctx context.Context) error
	Close() error
}

// Requester issues synchronous and asynchronous request/reply calls.
type Requester interface {
	Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
	RequestAsync(ctx context.Context, payload []byte, callback func([]byte, error))
	Close() error
}

// Replier answers Requester calls.
type Replier interface {
	Handle(path string, h func(ctx context.Context, payload []byte) ([]byte, error))
	Start(ctx context.Context) error
	Close() error
}
