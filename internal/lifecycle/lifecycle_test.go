package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiperf/aiperf/internal/domain"
)

func TestLifecycleHappyPath(t *testing.T) {
	classKey := "test.happy"
	var events []domain.LifecycleState
	RegisterOnInit(classKey, func(ctx context.Context) error { events = append(events, domain.StateInitializing); return nil })
	RegisterOnStart(classKey, func(ctx context.Context) error { events = append(events, domain.StateStarting); return nil })
	RegisterOnStop(classKey, func(ctx context.Context) error { events = append(events, domain.StateStopping); return nil })

	l := New("node-1", classKey)
	ctx := context.Background()
	require.NoError(t, l.Initialize(ctx))
	assert.Equal(t, domain.StateInitialized, l.State())
	require.NoError(t, l.Start(ctx))
	assert.Equal(t, domain.StateRunning, l.State())
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, domain.StateStopped, l.State())
	assert.Equal(t, []domain.LifecycleState{domain.StateInitializing, domain.StateStarting, domain.StateStopping}, events)
}

func TestLifecycleChildrenInitializeBeforeParentCompletes(t *testing.T) {
	classKey := "test.parent"
	childKey := "test.child"
	var order []string
	RegisterOnInit(classKey, func(ctx context.Context) error { order = append(order, "parent"); return nil })
	RegisterOnInit(childKey, func(ctx context.Context) error { order = append(order, "child"); return nil })

	parent := New("parent", classKey)
	child := New("child", childKey)
	parent.AttachChildLifecycle(child)

	require.NoError(t, parent.Initialize(context.Background()))
	assert.Equal(t, []string{"child", "parent"}, order)
}

func TestLifecycleSecondStopEscalatesToKill(t *testing.T) {
	classKey := "test.stopblock"
	block := make(chan struct{})
	RegisterOnStop(classKey, func(ctx context.Context) error { <-block; return nil })

	l := New("node", classKey)
	require.NoError(t, l.Initialize(context.Background()))
	require.NoError(t, l.Start(context.Background()))

	var killed int32
	l.OnKill(func() { atomic.StoreInt32(&killed, 1) })

	go func() { _ = l.Stop(context.Background()) }()
	// Give the first Stop time to reach StateStopping.
	for i := 0; i < 100 && l.State() != domain.StateStopping; i++ {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&killed))
	close(block)
}

func TestBackgroundTaskRunsAndStops(t *testing.T) {
	classKey := "test.bgtask"
	var count int32
	RegisterBackgroundTask(classKey, BackgroundTaskSpec{
		Name:      "tick",
		Immediate: true,
		Interval:  func() time.Duration { return time.Millisecond },
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})

	l := New("bg-node", classKey)
	require.NoError(t, l.Initialize(context.Background()))
	require.NoError(t, l.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Stop(context.Background()))
	assert.True(t, atomic.LoadInt32(&count) > 0)
}
