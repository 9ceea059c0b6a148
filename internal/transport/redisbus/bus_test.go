package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	bus := New(srv.Addr(), 0)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, srv
}

func TestBusPublishSubscribe(t *testing.T) {
	bus, _ := newTestBus(t)

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})

	err := bus.Subscribe(domain.MessageStatus, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		received = payload
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	time.Sleep(50 * time.Millisecond) // allow SUBSCRIBE to register with miniredis

	require.NoError(t, bus.Publish(ctx, domain.MessageStatus, []byte(`{"hello":"world"}`)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.JSONEq(t, `{"hello":"world"}`, string(received))
}

func TestBusRejectsUnknownMessageType(t *testing.T) {
	bus, _ := newTestBus(t)
	err := bus.Publish(context.Background(), domain.MessageType("bogus"), []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrUnknownMessageType)
}

func TestBusUnknownTypeDroppedNotDelivered(t *testing.T) {
	bus, srv := newTestBus(t)

	delivered := false
	require.NoError(t, bus.Subscribe(domain.MessageStatus, func(ctx context.Context, payload []byte) error {
		delivered = true
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	// Publish an envelope with an unknown type directly, bypassing Publish's validation.
	srv.Publish(channel(domain.MessageStatus), `{"type":"bogus","payload":{}}`)
	time.Sleep(100 * time.Millisecond)

	require.False(t, delivered)
}
