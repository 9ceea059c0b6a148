package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aiperf/aiperf/internal/domain"
)

// runState tracks the RUN/COLLECT phases' passive message stream (spec.md
// §4.4 steps 3-4): CreditPhaseStart/RecordsProcessingStats/
// CreditPhaseSendingComplete/CreditPhaseComplete are logged as they arrive;
// completion is signalled only once the profile's ProcessRecordsResult has
// arrived AND (telemetry is disabled OR its ProcessTelemetryResult has also
// arrived) — an explicit mutex-guarded check, avoiding the race where one
// result type arrives before the other.
type runState struct {
	mu               sync.Mutex
	telemetryEnabled bool
	profile          *domain.ProcessRecordsResult
	telemetry        *domain.ProcessTelemetryResult
	done             chan struct{}
	closeOnce        sync.Once
}

func newRunState() *runState {
	return &runState{done: make(chan struct{})}
}

func (r *runState) setTelemetryEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetryEnabled = enabled
}

func (r *runState) recordProfileResult(res domain.ProcessRecordsResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profile = &res
	r.maybeSignalDone()
}

func (r *runState) recordTelemetryResult(res domain.ProcessTelemetryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = &res
	r.maybeSignalDone()
}

// maybeSignalDone must be called with r.mu held.
func (r *runState) maybeSignalDone() {
	if r.profile == nil {
		return
	}
	if r.telemetryEnabled && r.telemetry == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *runState) snapshot() (*domain.ProcessRecordsResult, *domain.ProcessTelemetryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile, r.telemetry
}

// awaitCollected blocks until both expected results have arrived or ctx is
// cancelled.
func (r *runState) awaitCollected(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribeRunMessages wires the passive RUN-phase log subscriptions plus
// the COLLECT-phase result handlers. Called once during Bootstrap, after the
// command bus subscription is already live.
func (c *Controller) subscribeRunMessages() {
	c.run.setTelemetryEnabled(c.telemetryEnabledSnapshot())

	subscribe := func(msgType domain.MessageType, h func(ctx context.Context, payload []byte) error) {
		if err := c.Bus().Subscribe(msgType, h); err != nil {
			slog.Error("controller subscribe failed", slog.String("message_type", string(msgType)), slog.Any("error", err))
		}
	}

	subscribe(domain.MessageCreditPhaseStart, c.logCreditPhaseStart)
	subscribe(domain.MessageRecordsProcessingStats, c.logProcessingStats)
	subscribe(domain.MessageCreditPhaseSendingDone, c.logCreditPhaseSendingComplete)
	subscribe(domain.MessageCreditPhaseComplete, c.logCreditPhaseComplete)
	subscribe(domain.MessageProcessRecordsResult, c.handleProcessRecordsResult)
	subscribe(domain.MessageProcessTelemetryResult, c.handleProcessTelemetryResult)
}

func (c *Controller) telemetryEnabledSnapshot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.telemetryEnabled
}

func (c *Controller) logCreditPhaseStart(ctx context.Context, payload []byte) error {
	var e domain.CreditPhaseStart
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	slog.Info("credit phase start", slog.String("phase", string(e.Phase)), slog.Int64("start_ns", e.StartNs))
	return nil
}

func (c *Controller) logProcessingStats(ctx context.Context, payload []byte) error {
	var e domain.RecordsProcessingStats
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	slog.Info("records processing stats", slog.Int("processed", e.Stats.Processed), slog.Int("errors", e.Stats.Errors))
	return nil
}

func (c *Controller) logCreditPhaseSendingComplete(ctx context.Context, payload []byte) error {
	var e domain.CreditPhaseSendingComplete
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	slog.Info("credit phase sending complete", slog.String("phase", string(e.Phase)), slog.Int("sent", e.Sent))
	return nil
}

func (c *Controller) logCreditPhaseComplete(ctx context.Context, payload []byte) error {
	var e domain.CreditPhaseComplete
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	slog.Info("credit phase complete",
		slog.String("phase", string(e.Phase)),
		slog.Int("final_request_count", e.FinalRequestCount),
		slog.Bool("timeout_triggered", e.TimeoutTriggered),
		slog.Bool("cancelled", e.Cancelled))
	return nil
}

func (c *Controller) handleProcessRecordsResult(ctx context.Context, payload []byte) error {
	var res domain.ProcessRecordsResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return err
	}
	c.run.recordProfileResult(res)
	return nil
}

func (c *Controller) handleProcessTelemetryResult(ctx context.Context, payload []byte) error {
	var res domain.ProcessTelemetryResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return err
	}
	c.run.recordTelemetryResult(res)
	return nil
}
