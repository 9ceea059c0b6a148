// Package service provides the BaseService/BaseComponentService layer every
// AIPerf process embeds: lifecycle + transport + command RPC, grounded on
// the teacher's internal/service base types that every domain service
// composes (internal/service/evaluation, internal/service/upload).
//
// classKey identifies the service's hook "class" in the internal/lifecycle
// registry. Hooks registered against a classKey are shared process-wide, the
// Go analogue of the Python decorator metadata this design is adapted from
// — so each process constructs exactly one Base per classKey, matching
// AIPerf's one-service-per-process deployment model.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/observability"
	"github.com/aiperf/aiperf/internal/transport"
)

// Bus is the combined publish/subscribe surface Base needs. redisbus.Bus
// satisfies it directly.
type Bus interface {
	transport.Publisher
	transport.Subscriber
}

// CommandHandler answers one Command, returning the payload and status to
// place on the CommandResponse.
type CommandHandler func(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error)

// Base is lifecycle + transport + command RPC, embedded by every concrete
// service. It exposes Publish, SendCommandAndWaitForResponse,
// SendCommandAndWaitForAllResponses, and a default SHUTDOWN handler.
type Base struct {
	ID          string
	ServiceType domain.ServiceType
	Lifecycle   *lifecycle.Lifecycle

	bus Bus

	mu                sync.Mutex
	handlers          map[domain.CommandType]CommandHandler
	pendingSingle     map[string]chan domain.CommandResponse
	pendingAll        map[string]*pendingAllWait
	shutdownRequested bool
}

type pendingAllWait struct {
	mu        sync.Mutex
	remaining map[string]bool
	results   map[string]domain.CommandResponse
	done      chan struct{}
	closed    bool
}

var hookRegistrationOnce sync.Map // classKey -> *sync.Once

func registerHooksOnce(classKey string, register func()) {
	v, _ := hookRegistrationOnce.LoadOrStore(classKey, &sync.Once{})
	v.(*sync.Once).Do(register)
}

// NewBase constructs a Base for serviceType, resolving lifecycle hooks
// declared against classKey.
func NewBase(serviceType domain.ServiceType, classKey string, bus Bus) *Base {
	return NewBaseWithID(domain.NewServiceID(serviceType), serviceType, classKey, bus)
}

// NewBaseWithID is NewBase with the instance ID supplied by the caller,
// letting cmd/aiperf mint the ID once and log with it before the service
// finishes constructing (useful since, unlike the teacher's one-process
// deployment, several AIPerf processes of the same ServiceType run
// concurrently and need distinguishable identities from their first log
// line).
func NewBaseWithID(id string, serviceType domain.ServiceType, classKey string, bus Bus) *Base {
	b := &Base{
		ID:            id,
		ServiceType:   serviceType,
		bus:           bus,
		handlers:      map[domain.CommandType]CommandHandler{},
		pendingSingle: map[string]chan domain.CommandResponse{},
		pendingAll:    map[string]*pendingAllWait{},
	}
	b.Lifecycle = lifecycle.New(b.ID, classKey)

	b.RegisterCommandHandler(domain.CommandShutdown, b.handleShutdown)

	registerHooksOnce(classKey, func() {
		lifecycle.RegisterOnStart(classKey, func(ctx context.Context) error {
			return b.onStart(ctx)
		})
		lifecycle.RegisterOnStop(classKey, func(ctx context.Context) error {
			return b.onStop(ctx)
		})
		lifecycle.RegisterOnStateChange(classKey, func(old, next domain.LifecycleState) {
			b.publishStatus(next)
		})
	})
	return b
}

// Bus exposes the underlying transport bus so composed services can build
// additional publishers/adapters (e.g. the Timing Manager's CreditDrop
// emitter) on top of the same connection.
func (b *Base) Bus() Bus { return b.bus }

// RegisterCommandHandler installs h for commandType, overriding any prior
// handler (e.g. a subclass overriding the default SHUTDOWN behavior).
func (b *Base) RegisterCommandHandler(commandType domain.CommandType, h CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[commandType] = h
}

func (b *Base) onStart(ctx context.Context) error {
	if err := b.bus.Subscribe(domain.MessageCommand, b.handleCommandMessage); err != nil {
		return fmt.Errorf("%w: subscribe command: %v", domain.ErrCommunicationCreate, err)
	}
	if err := b.bus.Subscribe(domain.MessageCommandResponse, b.handleCommandResponseMessage); err != nil {
		return fmt.Errorf("%w: subscribe command_response: %v", domain.ErrCommunicationCreate, err)
	}
	return nil
}

func (b *Base) onStop(ctx context.Context) error {
	b.mu.Lock()
	b.shutdownRequested = true
	b.mu.Unlock()
	return nil
}

// Publish marshals payload and publishes it tagged with msgType.
func (b *Base) Publish(ctx context.Context, msgType domain.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, msgType, raw)
}

func (b *Base) publishStatus(state domain.LifecycleState) {
	b.mu.Lock()
	shuttingDown := b.shutdownRequested
	b.mu.Unlock()
	if shuttingDown {
		return
	}
	status := domain.Status{Envelope: domain.NewEnvelope(domain.MessageStatus, b.ID), State: state}
	if err := b.Publish(context.Background(), domain.MessageStatus, status); err != nil {
		slog.Warn("status publish failed", slog.String("service_id", b.ID), slog.Any("error", err))
	}
}

// SendCommandAndWaitForResponse publishes cmd and blocks for the single
// matching CommandResponse, or transport.ErrTimeout if none arrives in time.
func (b *Base) SendCommandAndWaitForResponse(ctx context.Context, cmd domain.Command, timeout time.Duration) (domain.CommandResponse, error) {
	cmd.RequireResponse = true
	observability.CommandsSentTotal.WithLabelValues(string(cmd.CommandType)).Inc()
	ch := make(chan domain.CommandResponse, 1)
	b.mu.Lock()
	b.pendingSingle[cmd.CommandID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pendingSingle, cmd.CommandID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, domain.MessageCommand, cmd); err != nil {
		return domain.CommandResponse{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return domain.CommandResponse{}, fmt.Errorf("%w: command %s (%s)", transport.ErrTimeout, cmd.CommandID, cmd.CommandType)
	case <-ctx.Done():
		return domain.CommandResponse{}, ctx.Err()
	}
}

// SendCommandAndWaitForAllResponses publishes cmd once and waits until every
// id in targetIDs has replied, or the timeout elapses — in which case the
// responses collected so far are returned alongside transport.ErrTimeout.
func (b *Base) SendCommandAndWaitForAllResponses(ctx context.Context, cmd domain.Command, targetIDs []string, timeout time.Duration) (map[string]domain.CommandResponse, error) {
	cmd.RequireResponse = true
	observability.CommandsSentTotal.WithLabelValues(string(cmd.CommandType)).Inc()
	wait := &pendingAllWait{
		remaining: make(map[string]bool, len(targetIDs)),
		results:   map[string]domain.CommandResponse{},
		done:      make(chan struct{}),
	}
	for _, id := range targetIDs {
		wait.remaining[id] = true
	}
	b.mu.Lock()
	b.pendingAll[cmd.CommandID] = wait
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pendingAll, cmd.CommandID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, domain.MessageCommand, cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wait.done:
		return wait.snapshot(), nil
	case <-timer.C:
		return wait.snapshot(), fmt.Errorf("%w: command %s awaiting %d responses", transport.ErrTimeout, cmd.CommandID, len(wait.remaining))
	case <-ctx.Done():
		return wait.snapshot(), ctx.Err()
	}
}

func (w *pendingAllWait) snapshot() map[string]domain.CommandResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]domain.CommandResponse, len(w.results))
	for k, v := range w.results {
		out[k] = v
	}
	return out
}

func (w *pendingAllWait) record(resp domain.CommandResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.results[resp.ServiceID] = resp
	delete(w.remaining, resp.ServiceID)
	if len(w.remaining) == 0 {
		w.closed = true
		close(w.done)
	}
}

func (b *Base) handleCommandResponseMessage(ctx context.Context, payload []byte) error {
	var resp domain.CommandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	b.mu.Lock()
	single, hasSingle := b.pendingSingle[resp.CommandID]
	all, hasAll := b.pendingAll[resp.CommandID]
	b.mu.Unlock()
	if hasSingle {
		select {
		case single <- resp:
		default:
		}
	}
	if hasAll {
		all.record(resp)
	}
	return nil
}

func (b *Base) handleCommandMessage(ctx context.Context, payload []byte) error {
	var cmd domain.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	if cmd.ServiceID == b.ID || !cmd.TargetsService(b.ID, b.ServiceType) {
		return nil
	}

	b.mu.Lock()
	handler, ok := b.handlers[cmd.CommandType]
	b.mu.Unlock()

	var resp domain.CommandResponse
	if !ok {
		resp = domain.CommandResponse{
			Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, b.ID),
			CommandID: cmd.CommandID,
			Status:    domain.ResponseUnhandled,
		}
	} else {
		var err error
		resp, err = handler(ctx, cmd)
		if err != nil {
			details := domain.ErrorDetailsFromError(err)
			resp = domain.CommandResponse{
				Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, b.ID),
				CommandID: cmd.CommandID,
				Status:    domain.ResponseFailure,
				Error:     &details,
			}
		}
	}
	observability.CommandResponsesTotal.WithLabelValues(string(cmd.CommandType), string(resp.Status)).Inc()

	if !cmd.RequireResponse {
		return nil
	}
	return b.Publish(ctx, domain.MessageCommandResponse, resp)
}

// handleShutdown is the default SHUTDOWN handler: acknowledge, then stop in
// the background. Lifecycle.Stop only escalates to the registered hard-kill
// function when a *second, concurrent* call observes the node still in
// StateStopping (internal/controller/signal.go's double-signal handling is
// the real trigger for that path); by the time this single sequential call
// returns, the node has already finished its StateStopping->StateStopped
// transition regardless of hook errors, so calling Stop again here would
// always just hit the already-stopped no-op branch.
func (b *Base) handleShutdown(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	ack := domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, b.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseAcknowledged,
	}
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Lifecycle.Stop(stopCtx); err != nil {
			slog.Error("shutdown stop failed", slog.String("service_id", b.ID), slog.Any("error", err))
		}
	}()
	return ack, nil
}

// commandIDEntropy backs NewCommandID, grounded on the teacher's
// ulid.Monotonic request-ID generator: a ULID sorts lexicographically by
// creation time, which makes command traces easier to read in log order.
var commandIDEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewCommandID mints a fresh idempotency key for an outbound Command.
func NewCommandID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), commandIDEntropy)
	if err != nil {
		return fmt.Sprintf("cmd-%d", time.Now().UnixNano())
	}
	return id.String()
}
