package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Timing Manager.
const ClassKey = "timing_manager"

// busEmitter adapts the shared Bus + CreditDrop Pusher into the Emitter
// interface a CreditStrategy consumes.
type busEmitter struct {
	serviceID string
	bus       service.Bus
	pusher    transport.Pusher
}

func (e *busEmitter) publish(ctx context.Context, msgType domain.MessageType, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, msgType, raw)
}

func (e *busEmitter) PublishPhaseStart(ctx context.Context, msg domain.CreditPhaseStart) error {
	msg.ServiceID = e.serviceID
	return e.publish(ctx, domain.MessageCreditPhaseStart, msg)
}

func (e *busEmitter) PublishPhaseProgress(ctx context.Context, msg domain.CreditPhaseProgress) error {
	msg.ServiceID = e.serviceID
	return e.publish(ctx, domain.MessageCreditPhaseProgress, msg)
}

func (e *busEmitter) PublishSendingComplete(ctx context.Context, msg domain.CreditPhaseSendingComplete) error {
	msg.ServiceID = e.serviceID
	return e.publish(ctx, domain.MessageCreditPhaseSendingDone, msg)
}

func (e *busEmitter) PublishPhaseComplete(ctx context.Context, msg domain.CreditPhaseComplete) error {
	msg.ServiceID = e.serviceID
	return e.publish(ctx, domain.MessageCreditPhaseComplete, msg)
}

func (e *busEmitter) DropCredit(ctx context.Context, drop domain.CreditDrop) error {
	drop.ServiceID = e.serviceID
	raw, err := json.Marshal(drop)
	if err != nil {
		return err
	}
	return e.pusher.Push(ctx, domain.MessageCreditDrop, raw)
}

// returnReceiver is implemented by every concrete strategy so the manager
// can forward CreditReturn pulls generically.
type returnReceiver interface {
	OnCreditReturn(domain.CreditReturn)
}

// Manager is the Timing Manager service: constructs the configured
// CreditStrategy on CONFIGURE, runs it on START, and forwards
// ProfileCancel/CreditReturn into it.
type Manager struct {
	*service.ComponentBase

	datasetClient transport.Requester
	pusher        transport.Pusher
	puller        transport.Puller
	commsTimeout  time.Duration

	mu       sync.Mutex
	strategy CreditStrategy
	running  sync.WaitGroup
	runErr   error
}

// NewManager constructs the Timing Manager, wiring CONFIGURE/START/CANCEL
// command handlers; the CONFIGURE handler sets up the CreditReturn pull
// subscription.
func NewManager(cb *service.ComponentBase, datasetClient transport.Requester, pusher transport.Pusher, puller transport.Puller, commsTimeout time.Duration) *Manager {
	m := &Manager{ComponentBase: cb, datasetClient: datasetClient, pusher: pusher, puller: puller, commsTimeout: commsTimeout}
	m.RegisterCommandHandler(domain.CommandProfileConfigure, m.handleConfigure)
	m.RegisterCommandHandler(domain.CommandProfileStart, m.handleStart)
	m.RegisterCommandHandler(domain.CommandProfileCancel, m.handleCancel)
	return m
}

func (m *Manager) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var pc domain.ProfileConfigure
	if err := json.Unmarshal(cmd.Data, &pc); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	uc, err := decodeUserConfig(pc.UserConfig)
	if err != nil {
		return domain.CommandResponse{}, err
	}

	strategy, err := m.buildStrategy(ctx, uc)
	if err != nil {
		return domain.CommandResponse{}, err
	}

	if err := m.puller.Pull(domain.MessageCreditReturn, 64, m.handleCreditReturnPayload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	if err := m.puller.Start(ctx); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}

	m.mu.Lock()
	m.strategy = strategy
	m.mu.Unlock()

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) buildStrategy(ctx context.Context, uc config.UserConfig) (CreditStrategy, error) {
	emitter := &busEmitter{serviceID: m.ID, bus: m.Bus(), pusher: m.pusher}
	trigger := CompletionTrigger{TotalExpectedRequests: uc.TotalExpectedRequests, ExpectedDurationSec: uc.ExpectedDurationSec}

	switch uc.TimingMode {
	case config.TimingFixedSchedule:
		schedule, err := m.fetchSchedule(ctx)
		if err != nil {
			return nil, err
		}
		return NewFixedSchedule(emitter, schedule, trigger, domain.RealtimeMetricsInterval), nil
	case config.TimingConcurrency:
		return NewConcurrency(emitter, uc.Concurrency, uc.WarmupRequests, trigger, domain.RealtimeMetricsInterval), nil
	case config.TimingRequestRate:
		return NewRequestRate(emitter, uc.RequestRate, uc.InterArrivalDistribution, trigger, domain.RealtimeMetricsInterval), nil
	default:
		return nil, fmt.Errorf("%w: unknown timing_mode %q", domain.ErrConfiguration, uc.TimingMode)
	}
}

func (m *Manager) fetchSchedule(ctx context.Context) ([]domain.ScheduledDrop, error) {
	req := domain.DatasetTimingRequest{Envelope: domain.NewEnvelope(domain.MessageDatasetTimingRequest, m.ID)}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	respRaw, err := m.datasetClient.Request(ctx, raw, m.commsTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: timing schedule fetch: %v", domain.ErrCommunicationCreate, err)
	}
	var resp domain.DatasetTimingResponse
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return nil, err
	}
	return resp.Schedule, nil
}

func (m *Manager) handleStart(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()
	if strategy == nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: timing manager started before configure", domain.ErrService)
	}

	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if err := strategy.Run(context.Background()); err != nil {
			m.mu.Lock()
			m.runErr = err
			m.mu.Unlock()
		}
	}()

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseAcknowledged,
	}, nil
}

func (m *Manager) handleCancel(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()
	if strategy != nil {
		strategy.Cancel()
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseAcknowledged,
	}, nil
}

func (m *Manager) handleCreditReturnPayload(ctx context.Context, payload []byte) error {
	var ret domain.CreditReturn
	if err := json.Unmarshal(payload, &ret); err != nil {
		return err
	}
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()
	if recv, ok := strategy.(returnReceiver); ok {
		recv.OnCreditReturn(ret)
	}
	return nil
}

func decodeUserConfig(raw map[string]any) (config.UserConfig, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return config.UserConfig{}, err
	}
	var uc config.UserConfig
	if err := json.Unmarshal(b, &uc); err != nil {
		return config.UserConfig{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return uc, nil
}
