package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
)

// ComponentBase adds self-registration and heartbeating to Base: every
// non-controller service (Worker, Timing Manager, Records Manager, Worker
// Manager, Dataset Manager, Record Processor) embeds it, grounded on the
// teacher's backoff-wrapped AI client retry pattern
// (internal/adapter/ai/real/client.go's getBackoffConfig/backoff.Retry).
type ComponentBase struct {
	*Base

	heartbeatInterval         time.Duration
	maxRegistrationAttempts   uint64
	registrationRetryInterval time.Duration
	registrationRequestTimeout time.Duration
	registrationCommandID     string
}

// NewComponentBase constructs a ComponentBase for serviceType, registering
// the self-registration onStart hook and the heartbeat background task
// against classKey. registrationRequestTimeout bounds each individual
// registration round trip; registrationRetryInterval is the fixed wait
// between attempts, up to maxRegistrationAttempts.
func NewComponentBase(serviceType domain.ServiceType, classKey string, bus Bus, heartbeatInterval time.Duration, maxRegistrationAttempts int, registrationRetryInterval, registrationRequestTimeout time.Duration) *ComponentBase {
	return NewComponentBaseWithID(domain.NewServiceID(serviceType), serviceType, classKey, bus, heartbeatInterval, maxRegistrationAttempts, registrationRetryInterval, registrationRequestTimeout)
}

// NewComponentBaseWithID is NewComponentBase with the instance ID supplied
// by the caller; see NewBaseWithID.
func NewComponentBaseWithID(id string, serviceType domain.ServiceType, classKey string, bus Bus, heartbeatInterval time.Duration, maxRegistrationAttempts int, registrationRetryInterval, registrationRequestTimeout time.Duration) *ComponentBase {
	cb := &ComponentBase{
		Base:                       NewBaseWithID(id, serviceType, classKey, bus),
		heartbeatInterval:          heartbeatInterval,
		maxRegistrationAttempts:    uint64(maxRegistrationAttempts),
		registrationRetryInterval:  registrationRetryInterval,
		registrationRequestTimeout: registrationRequestTimeout,
		registrationCommandID:      NewCommandID(),
	}

	registerHooksOnce("component:"+classKey, func() {
		lifecycle.RegisterOnStart(classKey, func(ctx context.Context) error {
			return cb.register(ctx)
		})
		lifecycle.RegisterBackgroundTask(classKey, lifecycle.BackgroundTaskSpec{
			Name:      "heartbeat",
			Immediate: false,
			Interval:  func() time.Duration { return cb.heartbeatInterval },
			Run:       cb.sendHeartbeat,
		})
	})
	return cb
}

// register sends RegisterService to the System Controller, retrying with a
// fixed interval up to maxRegistrationAttempts, reusing the same CommandID
// on every attempt so the controller's dedup-by-command-id makes repeated
// delivery idempotent (spec invariant: RegisterService targets the System
// Controller only, never broadcast).
func (cb *ComponentBase) register(ctx context.Context) error {
	payload, err := json.Marshal(domain.RegisterServicePayload{ServiceType: cb.ServiceType, ServiceID: cb.ID})
	if err != nil {
		return err
	}
	cmd := domain.Command{
		Envelope:          domain.NewEnvelope(domain.MessageCommand, cb.ID),
		CommandID:         cb.registrationCommandID,
		CommandType:       domain.CommandRegisterService,
		TargetServiceType: domain.ServiceSystemController,
		RequireResponse:   true,
		Data:              payload,
	}

	retries := uint64(0)
	if cb.maxRegistrationAttempts > 0 {
		retries = cb.maxRegistrationAttempts - 1
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(cb.registrationRetryInterval), retries)
	boCtx := backoff.WithContext(bo, ctx)

	op := func() error {
		resp, err := cb.SendCommandAndWaitForResponse(ctx, cmd, cb.registrationRequestTimeout)
		if err != nil {
			slog.Warn("registration attempt failed, retrying", slog.String("service_id", cb.ID), slog.Any("error", err))
			return err
		}
		if resp.Status != domain.ResponseSuccess && resp.Status != domain.ResponseAcknowledged {
			return fmt.Errorf("%w: registration rejected with status %s", domain.ErrService, resp.Status)
		}
		return nil
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		return fmt.Errorf("%w: service %s failed to register: %v", domain.ErrService, cb.ID, err)
	}
	slog.Info("service registered", slog.String("service_id", cb.ID), slog.String("service_type", string(cb.ServiceType)))
	return nil
}

func (cb *ComponentBase) sendHeartbeat(ctx context.Context) error {
	hb := domain.Heartbeat{Envelope: domain.NewEnvelope(domain.MessageHeartbeat, cb.ID)}
	return cb.Publish(ctx, domain.MessageHeartbeat, hb)
}
