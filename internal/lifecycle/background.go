package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// task is a running instance of a BackgroundTaskSpec.
type task struct {
	spec   BackgroundTaskSpec
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *Lifecycle) startBackgroundTasks(ctx context.Context) {
	for _, spec := range l.hooks.background {
		taskCtx, cancel := context.WithCancel(ctx)
		t := &task{spec: spec, cancel: cancel, done: make(chan struct{})}
		l.tasks = append(l.tasks, t)
		go l.runBackgroundTask(taskCtx, t)
	}
}

func (l *Lifecycle) stopBackgroundTasks() {
	for _, t := range l.tasks {
		t.cancel()
		<-t.done
	}
	l.tasks = nil
}

func (l *Lifecycle) runBackgroundTask(ctx context.Context, t *task) {
	defer close(t.done)
	spec := t.spec

	runOnce := func() error {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", slog.String("lifecycle_id", l.id), slog.String("task", spec.Name), slog.Any("panic", r))
			}
		}()
		return spec.Run(ctx)
	}

	if spec.Immediate {
		if err := runOnce(); err != nil {
			slog.Error("background task error", slog.String("lifecycle_id", l.id), slog.String("task", spec.Name), slog.Any("error", err))
			if spec.StopOnError {
				return
			}
		}
	}

	if spec.Interval == nil {
		// One-shot task (typically something that loops internally until
		// its own ctx.Done()).
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(spec.Interval()):
			if err := runOnce(); err != nil {
				slog.Error("background task error", slog.String("lifecycle_id", l.id), slog.String("task", spec.Name), slog.Any("error", err))
				if spec.StopOnError {
					return
				}
			}
		}
	}
}
