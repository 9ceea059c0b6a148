package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
)

func TestComponentBaseRegisterSucceedsAfterRetries(t *testing.T) {
	bus := newFakeBus()

	var attempts int32
	require.NoError(t, bus.Subscribe(domain.MessageCommand, func(ctx context.Context, payload []byte) error {
		var cmd domain.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return err
		}
		if cmd.CommandType != domain.CommandRegisterService {
			return nil
		}
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil // simulate the controller not answering the first two attempts
		}
		resp := domain.CommandResponse{
			Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, "controller"),
			CommandID: cmd.CommandID,
			Status:    domain.ResponseSuccess,
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return bus.Publish(ctx, domain.MessageCommandResponse, raw)
	}))

	cb := NewComponentBase(domain.ServiceWorker, "test-component-register-"+t.Name(), bus, 5*time.Second, 10, 20*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, cb.Lifecycle.Initialize(context.Background()))
	require.NoError(t, cb.Lifecycle.Start(context.Background()))

	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
	require.Equal(t, domain.StateRunning, cb.Lifecycle.State())
}

func TestComponentBaseRegisterGivesUpAfterMaxAttempts(t *testing.T) {
	bus := newFakeBus()
	// No responder registered: every registration attempt times out.
	cb := NewComponentBase(domain.ServiceWorker, "test-component-giveup-"+t.Name(), bus, time.Second, 2, 10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, cb.Lifecycle.Initialize(context.Background()))

	err := cb.Lifecycle.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, domain.StateFailed, cb.Lifecycle.State())
}

func TestComponentBaseHeartbeatPublishes(t *testing.T) {
	bus := newFakeBus()
	require.NoError(t, bus.Subscribe(domain.MessageCommand, func(ctx context.Context, payload []byte) error {
		var cmd domain.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return err
		}
		resp := domain.CommandResponse{
			Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, "controller"),
			CommandID: cmd.CommandID,
			Status:    domain.ResponseSuccess,
		}
		raw, _ := json.Marshal(resp)
		return bus.Publish(ctx, domain.MessageCommandResponse, raw)
	}))

	received := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe(domain.MessageHeartbeat, func(ctx context.Context, payload []byte) error {
		select {
		case received <- struct{}{}:
		default:
		}
		return nil
	}))

	cb := NewComponentBase(domain.ServiceWorker, "test-component-heartbeat-"+t.Name(), bus, 20*time.Millisecond, 5, 10*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, cb.Lifecycle.Initialize(context.Background()))
	require.NoError(t, cb.Lifecycle.Start(context.Background()))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}
