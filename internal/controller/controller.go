// Package controller implements the System Controller: the six-phase
// profiling protocol (CONFIGURE -> START -> RUN -> COLLECT -> EXPORT ->
// STOP), service registration bookkeeping, worker-pool scaling, and signal
// handling, spec.md §4.4.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/observability"
	"github.com/aiperf/aiperf/internal/service"
)

// tracer instruments the six-phase profiling protocol, mirroring the
// teacher's per-handler otel.Tracer("http.admin")/tracer.Start pattern
// applied to RPC phases instead of HTTP handlers.
var tracer = otel.Tracer("aiperf.controller")

// ClassKey is the lifecycle hook class identifier for the System Controller.
const ClassKey = "system_controller"

// bringUpRoles are spawned once, unconditionally, before registration is
// awaited; RecordProcessor and (optionally) TelemetryManager are spawned
// alongside them with counts resolved from config/UserConfig.
var bringUpRoles = []domain.ServiceType{
	domain.ServiceDatasetManager,
	domain.ServiceTimingManager,
	domain.ServiceWorkerManager,
	domain.ServiceRecordsManager,
}

// Controller is the System Controller service.
type Controller struct {
	*service.Base

	cfg      config.Config
	spawner  Spawner
	proxy    ProxyManager
	exporter Exporter

	now func() time.Time

	mu                    sync.Mutex
	registrations         map[string]*domain.ServiceRunInfo
	seenRegistrationCmds  map[string]bool
	expectedRegistrations int
	recordProcessorCount  int
	telemetryEnabled      bool

	exitErrorsMu sync.Mutex
	exitErrors   []*domain.ExitError

	run *runState
}

// ProxyManager is the subset of transport/proxy.Manager the controller
// needs; an interface so tests can substitute a no-op fake.
type ProxyManager interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NewController constructs the System Controller.
func NewController(base *service.Base, cfg config.Config, spawner Spawner, px ProxyManager, exporter Exporter) *Controller {
	c := &Controller{
		Base:                 base,
		cfg:                  cfg,
		spawner:              spawner,
		proxy:                px,
		exporter:             exporter,
		now:                  time.Now,
		registrations:        map[string]*domain.ServiceRunInfo{},
		seenRegistrationCmds: map[string]bool{},
		run:                  newRunState(),
	}
	c.RegisterCommandHandler(domain.CommandRegisterService, c.handleRegisterService)
	c.RegisterCommandHandler(domain.CommandSpawnWorkers, c.handleSpawnWorkers)
	c.RegisterCommandHandler(domain.CommandShutdownWorkers, c.handleShutdownWorkers)
	return c
}

// recordExitError accumulates a fatal failure for the end-of-run exit-errors
// panel and returns it wrapped as an ExitError.
func (c *Controller) recordExitError(op string, err error) *domain.ExitError {
	exitErr := &domain.ExitError{ServiceID: c.ID, Operation: op, Err: err}
	c.exitErrorsMu.Lock()
	c.exitErrors = append(c.exitErrors, exitErr)
	c.exitErrorsMu.Unlock()
	slog.Error("fatal controller error", slog.String("op", op), slog.Any("error", err))
	return exitErr
}

// ExitErrors returns every fatal failure recorded so far, for the
// end-of-run panel.
func (c *Controller) ExitErrors() []*domain.ExitError {
	c.exitErrorsMu.Lock()
	defer c.exitErrorsMu.Unlock()
	out := make([]*domain.ExitError, len(c.exitErrors))
	copy(out, c.exitErrors)
	return out
}

// Bootstrap starts the proxy manager, starts this service's own lifecycle
// (subscribing the command bus), spawns the fixed set of services plus N
// record processors, and waits for every one of them to register.
func (c *Controller) Bootstrap(ctx context.Context, recordProcessorCount int, telemetryEnabled bool) error {
	if err := c.proxy.Start(ctx); err != nil {
		return c.recordExitError(domain.OpInitializeServiceManager, err)
	}
	if err := c.Lifecycle.Initialize(ctx); err != nil {
		return c.recordExitError(domain.OpStartServiceManager, err)
	}
	if err := c.Lifecycle.Start(ctx); err != nil {
		return c.recordExitError(domain.OpStartServiceManager, err)
	}
	c.subscribeRunMessages()

	if recordProcessorCount < 1 {
		recordProcessorCount = 1
	}
	c.mu.Lock()
	c.recordProcessorCount = recordProcessorCount
	c.telemetryEnabled = telemetryEnabled
	c.expectedRegistrations = len(bringUpRoles) + recordProcessorCount
	if telemetryEnabled {
		c.expectedRegistrations++
	}
	c.mu.Unlock()
	c.run.setTelemetryEnabled(telemetryEnabled)

	for _, role := range bringUpRoles {
		if err := c.spawner.Spawn(role); err != nil {
			return c.recordExitError(domain.OpRegisterServices, err)
		}
	}
	if err := c.spawner.SpawnN(domain.ServiceRecordProcessor, recordProcessorCount); err != nil {
		return c.recordExitError(domain.OpRegisterServices, err)
	}
	if telemetryEnabled {
		if err := c.spawner.Spawn(domain.ServiceTelemetryManager); err != nil {
			return c.recordExitError(domain.OpRegisterServices, err)
		}
	}

	if err := c.waitForRegistrations(ctx, c.cfg.ServiceRegistrationTimeout); err != nil {
		return c.recordExitError(domain.OpRegisterServices, err)
	}
	return nil
}

func (c *Controller) waitForRegistrations(ctx context.Context, timeout time.Duration) error {
	deadline := c.now().Add(timeout)
	for {
		c.mu.Lock()
		n, want := len(c.registrations), c.expectedRegistrations
		c.mu.Unlock()
		if n >= want {
			return nil
		}
		if c.now().After(deadline) {
			return fmt.Errorf("%w: only %d/%d services registered", domain.ErrTimeout, n, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Controller) handleRegisterService(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var payload domain.RegisterServicePayload
	if err := json.Unmarshal(cmd.Data, &payload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	c.mu.Lock()
	if !c.seenRegistrationCmds[cmd.CommandID] {
		c.seenRegistrationCmds[cmd.CommandID] = true
		now := c.now()
		info, exists := c.registrations[payload.ServiceID]
		if !exists {
			info = &domain.ServiceRunInfo{Type: payload.ServiceType, ID: payload.ServiceID, FirstSeen: now}
			c.registrations[payload.ServiceID] = info
			observability.ServicesRegistered.WithLabelValues(string(payload.ServiceType)).Inc()
		}
		info.LastSeen = now
		info.State = domain.StateRunning
		info.Registered = true
		info.RegisteredAt = now
	}
	c.mu.Unlock()

	slog.Info("service registered", slog.String("service_id", payload.ServiceID), slog.String("service_type", string(payload.ServiceType)))
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, c.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (c *Controller) handleSpawnWorkers(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var sw domain.SpawnWorkers
	if err := json.Unmarshal(cmd.Data, &sw); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	if err := c.spawner.SpawnN(domain.ServiceWorker, sw.Num); err != nil {
		return domain.CommandResponse{}, err
	}
	observability.WorkersActive.Add(float64(sw.Num))

	c.mu.Lock()
	scale := c.cfg.ScaleRecordProcessorsWithWorkers
	factor := c.cfg.RecordProcessorScaleFactor
	c.mu.Unlock()
	if scale {
		extra := sw.Num / factor
		if extra < 1 {
			extra = 1
		}
		if err := c.spawner.SpawnN(domain.ServiceRecordProcessor, extra); err != nil {
			return domain.CommandResponse{}, err
		}
	}

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, c.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (c *Controller) handleShutdownWorkers(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	if err := c.spawner.StopRole(domain.ServiceWorker, -1); err != nil {
		return domain.CommandResponse{}, err
	}
	observability.WorkersActive.Set(0)
	c.mu.Lock()
	scale := c.cfg.ScaleRecordProcessorsWithWorkers
	c.mu.Unlock()
	if scale {
		if err := c.spawner.StopRole(domain.ServiceRecordProcessor, -1); err != nil {
			return domain.CommandResponse{}, err
		}
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, c.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

// RunProfile drives the CONFIGURE -> START -> RUN -> COLLECT -> EXPORT ->
// STOP protocol for one benchmark profile, in the gated, sequential order
// spec.md §4.4 describes. Any step's failure is recorded as an ExitError and
// aborts the remaining steps.
func (c *Controller) RunProfile(ctx context.Context, uc config.UserConfig) error {
	// STOP always runs, on its own un-cancelled context, regardless of which
	// step above it failed or whether ctx itself was cancelled (e.g. by
	// signal handling's grace-period escalation).
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stopCtx, stopSpan := tracer.Start(stopCtx, "Stop")
		defer stopSpan.End()
		if err := c.stopAll(stopCtx); err != nil {
			slog.Warn("stop phase failed", slog.Any("error", err))
		}
	}()

	runCtx, runSpan := tracer.Start(ctx, "RunProfile")
	defer runSpan.End()

	ucMap, err := userConfigToMap(uc)
	if err != nil {
		return c.recordExitError(domain.OpConfigureProfiling, err)
	}

	if err := c.tracedPhase(runCtx, "Configure", func(phaseCtx context.Context) error {
		return c.configure(phaseCtx, ucMap)
	}); err != nil {
		return c.recordExitError(domain.OpConfigureProfiling, err)
	}
	if err := c.tracedPhase(runCtx, "Start", c.start); err != nil {
		return c.recordExitError(domain.OpStartProfiling, err)
	}
	if err := c.tracedPhase(runCtx, "Collect", c.run.awaitCollected); err != nil {
		return c.recordExitError(domain.OpStartProfiling, err)
	}
	if err := c.tracedPhase(runCtx, "Export", c.exportResults); err != nil {
		return c.recordExitError(domain.OpStartProfiling, err)
	}
	return nil
}

// tracedPhase wraps one profiling-protocol phase in its own span, child of
// the RunProfile span started above.
func (c *Controller) tracedPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	phaseCtx, span := tracer.Start(ctx, name)
	defer span.End()
	return fn(phaseCtx)
}

func (c *Controller) targetIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.registrations))
	for id := range c.registrations {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) configure(ctx context.Context, ucMap map[string]any) error {
	payload, err := json.Marshal(domain.ProfileConfigure{Envelope: domain.NewEnvelope(domain.MessageCommand, c.ID), UserConfig: ucMap})
	if err != nil {
		return err
	}
	cmd := domain.Command{
		Envelope:        domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:       service.NewCommandID(),
		CommandType:     domain.CommandProfileConfigure,
		RequireResponse: true,
		Data:            payload,
	}
	resps, err := c.SendCommandAndWaitForAllResponses(ctx, cmd, c.targetIDs(), c.cfg.ProfileConfigureTimeout)
	if err != nil {
		return err
	}
	return firstFailure(resps)
}

func (c *Controller) start(ctx context.Context) error {
	payload, err := json.Marshal(domain.ProfileStart{Envelope: domain.NewEnvelope(domain.MessageCommand, c.ID)})
	if err != nil {
		return err
	}
	cmd := domain.Command{
		Envelope:        domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:       service.NewCommandID(),
		CommandType:     domain.CommandProfileStart,
		RequireResponse: true,
		Data:            payload,
	}
	resps, err := c.SendCommandAndWaitForAllResponses(ctx, cmd, c.targetIDs(), c.cfg.ProfileStartTimeout)
	if err != nil {
		return err
	}
	return firstFailure(resps)
}

// Cancel publishes ProfileCancel, used by signal handling to request an
// immediate, graceful halt.
func (c *Controller) Cancel(ctx context.Context) error {
	trace.SpanFromContext(ctx).AddEvent("profile_cancel_requested")
	return c.Publish(ctx, domain.MessageCommand, domain.ProfileCancel{Envelope: domain.NewEnvelope(domain.MessageCommand, c.ID)})
}

func (c *Controller) exportResults(ctx context.Context) error {
	if c.exporter == nil {
		return nil
	}
	profile, telemetry := c.run.snapshot()
	return c.exporter.Export(ctx, profile, telemetry)
}

func (c *Controller) stopAll(ctx context.Context) error {
	payload, _ := json.Marshal(struct{}{})
	cmd := domain.Command{
		Envelope:    domain.NewEnvelope(domain.MessageCommand, c.ID),
		CommandID:   service.NewCommandID(),
		CommandType: domain.CommandShutdown,
		Data:        payload,
	}
	if err := c.Publish(ctx, domain.MessageCommand, cmd); err != nil {
		slog.Warn("shutdown broadcast failed", slog.Any("error", err))
	}
	c.spawner.StopAll()
	if err := c.Lifecycle.Stop(ctx); err != nil {
		slog.Warn("controller lifecycle stop failed", slog.Any("error", err))
	}
	return c.proxy.Stop(ctx)
}

func firstFailure(resps map[string]domain.CommandResponse) error {
	for id, r := range resps {
		if r.Status != domain.ResponseSuccess && r.Status != domain.ResponseAcknowledged {
			msg := "rejected"
			if r.Error != nil {
				msg = r.Error.Message
			}
			return fmt.Errorf("%w: service %s: %s (status %s)", domain.ErrService, id, msg, r.Status)
		}
	}
	return nil
}

func userConfigToMap(uc config.UserConfig) (map[string]any, error) {
	b, err := json.Marshal(uc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
