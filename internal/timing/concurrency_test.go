package timing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
)

type fakeEmitter struct {
	mu        sync.Mutex
	drops     []domain.CreditDrop
	completes []domain.CreditPhaseComplete
	starts    []domain.CreditPhaseStart
}

func (f *fakeEmitter) PublishPhaseStart(ctx context.Context, msg domain.CreditPhaseStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, msg)
	return nil
}

func (f *fakeEmitter) PublishPhaseProgress(ctx context.Context, msg domain.CreditPhaseProgress) error {
	return nil
}

func (f *fakeEmitter) PublishSendingComplete(ctx context.Context, msg domain.CreditPhaseSendingComplete) error {
	return nil
}

func (f *fakeEmitter) PublishPhaseComplete(ctx context.Context, msg domain.CreditPhaseComplete) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, msg)
	return nil
}

func (f *fakeEmitter) DropCredit(ctx context.Context, drop domain.CreditDrop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, drop)
	return nil
}

func (f *fakeEmitter) dropCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drops)
}

func TestConcurrencyCompletesOnCountTarget(t *testing.T) {
	emitter := &fakeEmitter{}
	total := 4
	strategy := NewConcurrency(emitter, 2, 0, CompletionTrigger{TotalExpectedRequests: &total}, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- strategy.Run(context.Background()) }()

	// Acknowledge every drop with a CreditReturn so the strategy keeps
	// dropping replacements until the count target is reached.
	returned := 0
	deadline := time.After(2 * time.Second)
	for returned < total {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for drops")
		default:
		}
		if emitter.dropCount() > returned {
			strategy.OnCreditReturn(domain.CreditReturn{Phase: domain.PhaseProfiling})
			returned++
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	require.Len(t, emitter.completes, 1)
	require.False(t, emitter.completes[0].Cancelled)
	require.Equal(t, total, emitter.completes[0].FinalRequestCount)
}

func TestConcurrencyCancelStopsImmediately(t *testing.T) {
	emitter := &fakeEmitter{}
	total := 1000
	strategy := NewConcurrency(emitter, 2, 0, CompletionTrigger{TotalExpectedRequests: &total}, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- strategy.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	strategy.Cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled Run to return")
	}
	require.Len(t, emitter.completes, 1)
}

func TestConcurrencyWarmupGatesOnReturnsBeforeProfiling(t *testing.T) {
	emitter := &fakeEmitter{}
	total := 1
	strategy := NewConcurrency(emitter, 1, 2, CompletionTrigger{TotalExpectedRequests: &total}, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- strategy.Run(context.Background()) }()

	// Serially ack the two warmup drops, then the one profiling drop.
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return emitter.dropCount() > i }, 2*time.Second, time.Millisecond)
		strategy.OnCreditReturn(domain.CreditReturn{Phase: domain.PhaseProfiling})
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	require.GreaterOrEqual(t, emitter.dropCount(), 3)
}
