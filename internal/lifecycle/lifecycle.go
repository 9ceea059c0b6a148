package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aiperf/aiperf/internal/domain"
)

// Lifecycle is the init/start/stop state machine for one node in the
// lifecycle tree. A parent's Initialize cascades children first, then
// self; Stop cascades self first, then children (reverse order).
type Lifecycle struct {
	id       string
	classKey string
	hooks    resolved

	mu       sync.Mutex
	state    domain.LifecycleState
	children []*Lifecycle
	tasks    []*task

	stopOnce sync.Once
	kill     func()
}

// New constructs a Lifecycle for id. Hooks declared against classKey (and
// any classes it Inherit()s from) are resolved again when Initialize runs,
// so hooks registered after New still apply.
func New(id, classKey string) *Lifecycle {
	return &Lifecycle{
		id:       id,
		classKey: classKey,
		hooks:    Resolve(classKey),
		state:    domain.StateCreated,
	}
}

// ID returns the lifecycle node's identifier.
func (l *Lifecycle) ID() string { return l.id }

// State returns the current lifecycle state.
func (l *Lifecycle) State() domain.LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnKill registers the function invoked when Stop is called a second time
// while already stopping (the "hard kill" escalation).
func (l *Lifecycle) OnKill(f func()) { l.kill = f }

// AttachChildLifecycle registers child as a child of l, so Initialize and
// Stop cascade into it in the documented order.
func (l *Lifecycle) AttachChildLifecycle(child *Lifecycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.children = append(l.children, child)
}

func (l *Lifecycle) transition(ctx context.Context, to domain.LifecycleState) error {
	l.mu.Lock()
	from := l.state
	if !domain.CanTransition(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("op=Lifecycle.transition id=%s: illegal transition %s->%s", l.id, from, to)
	}
	l.state = to
	hooks := l.hooks.onStateChange
	l.mu.Unlock()

	slog.Info("lifecycle state change", slog.String("lifecycle_id", l.id), slog.String("from", string(from)), slog.String("to", string(to)))
	for _, h := range hooks {
		h(from, to)
	}
	return nil
}

// Initialize cascades children first, then runs this node's onInit hooks in
// declaration order, awaiting each before the next runs.
func (l *Lifecycle) Initialize(ctx context.Context) error {
	l.mu.Lock()
	l.hooks = Resolve(l.classKey)
	l.mu.Unlock()
	if err := l.transition(ctx, domain.StateInitializing); err != nil {
		return err
	}
	for _, c := range l.children {
		if err := c.Initialize(ctx); err != nil {
			_ = l.transition(ctx, domain.StateFailed)
			return &domain.LifecycleOperationError{Operation: "onInit", LifecycleID: l.id, Original: err}
		}
	}
	for _, h := range l.hooks.onInit {
		if err := h(ctx); err != nil {
			_ = l.transition(ctx, domain.StateFailed)
			return &domain.LifecycleOperationError{Operation: "onInit", LifecycleID: l.id, Original: err}
		}
	}
	return l.transition(ctx, domain.StateInitialized)
}

// Start runs this node's onStart hooks and background tasks, then cascades
// into children so every child is fully started before Start returns.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.transition(ctx, domain.StateStarting); err != nil {
		return err
	}
	for _, h := range l.hooks.onStart {
		if err := h(ctx); err != nil {
			_ = l.transition(ctx, domain.StateFailed)
			return &domain.LifecycleOperationError{Operation: "onStart", LifecycleID: l.id, Original: err}
		}
	}
	l.startBackgroundTasks(ctx)
	for _, c := range l.children {
		if err := c.Start(ctx); err != nil {
			_ = l.transition(ctx, domain.StateFailed)
			return err
		}
	}
	return l.transition(ctx, domain.StateRunning)
}

// Stop is idempotent: the first call cascades self then children, running
// onStop hooks and cancelling background tasks; a second call while already
// stopping escalates to the registered hard-kill function.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == domain.StateStopping {
		l.mu.Unlock()
		if l.kill != nil {
			l.kill()
		}
		return nil
	}
	if l.state == domain.StateStopped {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.transition(ctx, domain.StateStopping); err != nil {
		return err
	}
	l.stopBackgroundTasks()
	var firstErr error
	for _, h := range l.hooks.onStop {
		if err := h(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range l.children {
		if err := c.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.transition(ctx, domain.StateStopped); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
