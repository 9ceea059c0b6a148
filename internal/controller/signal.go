package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
)

// RunWithSignals drives RunProfile while watching for SIGINT/SIGTERM, the
// channel-based style the teacher's cmd/worker uses rather than
// signal.NotifyContext. The first signal publishes ProfileCancel and gives
// the run gracePeriod to reach STOP on its own; a second signal during that
// window calls StopAll, which sends SIGTERM to every spawned child, then
// cancels the run and returns an error without waiting for RunProfile; no
// SIGKILL is sent.
func (c *Controller) RunWithSignals(ctx context.Context, uc config.UserConfig, gracePeriod time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan error, 1)
	go func() { done <- c.RunProfile(runCtx, uc) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		slog.Warn("signal received, cancelling profile", slog.String("signal", sig.String()))
		cancelCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommsRequestTimeout)
		if err := c.Cancel(cancelCtx); err != nil {
			slog.Warn("profile cancel publish failed", slog.Any("error", err))
		}
		cancel()

		select {
		case err := <-done:
			return err
		case <-time.After(gracePeriod):
			slog.Warn("grace period elapsed, forcing stop")
			cancelRun()
			return <-done
		case sig2 := <-sigCh:
			slog.Error("second signal received, hard kill", slog.String("signal", sig2.String()))
			c.spawner.StopAll()
			cancelRun()
			return fmt.Errorf("%w: hard kill on second signal", domain.ErrService)
		}
	}
}
