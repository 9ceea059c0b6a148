// Package dataset implements the Dataset Manager: the exclusive owner of
// the conversation corpus, answering ConversationRequest (one turn of a
// session) and DatasetTimingRequest (the fixed-schedule timing table) over
// a single req/rep address, spec.md §3/§4.9.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Dataset Manager.
const ClassKey = "dataset_manager"

var hooksOnce sync.Once

// Manager is the Dataset Manager service.
type Manager struct {
	*service.ComponentBase

	replier      transport.Replier
	corpus       map[string]domain.Conversation
	order        []string // corpus keys in stable, deterministic iteration order
	interDropGap time.Duration
}

// NewManager constructs a Dataset Manager serving corpus, with a fixed
// schedule built by spacing each conversation interDropGap apart (the
// Open Question resolution documented in DESIGN.md: spec.md names the
// FixedSchedule table's shape but not how it is generated).
func NewManager(cb *service.ComponentBase, replier transport.Replier, corpus []domain.Conversation, interDropGap time.Duration) *Manager {
	order := make([]string, 0, len(corpus))
	indexed := make(map[string]domain.Conversation, len(corpus))
	for _, c := range corpus {
		order = append(order, c.SessionID)
		indexed[c.SessionID] = c
	}
	sort.Strings(order)

	m := &Manager{
		ComponentBase: cb,
		replier:       replier,
		corpus:        indexed,
		order:         order,
		interDropGap:  interDropGap,
	}
	replier.Handle("/rpc", m.handleRPC)
	hooksOnce.Do(func() {
		lifecycle.RegisterOnStart(ClassKey, m.Start)
	})
	return m
}

// handleRPC dispatches on the inbound envelope's MessageType since a
// single logical req/rep address carries both RPC kinds, spec.md §6's
// DatasetManagerProxyFrontend address.
func (m *Manager) handleRPC(ctx context.Context, payload []byte) ([]byte, error) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	switch env.MessageType {
	case domain.MessageConversationRequest:
		return m.handleConversationRequest(payload)
	case domain.MessageDatasetTimingRequest:
		return m.handleDatasetTimingRequest(payload)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, env.MessageType)
	}
}

func (m *Manager) handleConversationRequest(payload []byte) ([]byte, error) {
	var req domain.ConversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	conv, ok := m.corpus[req.ConversationID]
	if !ok {
		slog.Warn("conversation not found", slog.String("conversation_id", req.ConversationID))
		return nil, fmt.Errorf("%w: conversation %q", domain.ErrNotFound, req.ConversationID)
	}
	resp := domain.ConversationResponse{
		Envelope:     domain.NewEnvelope(domain.MessageConversationResponse, m.ID),
		Conversation: conv,
	}
	return json.Marshal(resp)
}

func (m *Manager) handleDatasetTimingRequest(payload []byte) ([]byte, error) {
	var req domain.DatasetTimingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp := domain.DatasetTimingResponse{
		Envelope: domain.NewEnvelope(domain.MessageDatasetTimingResponse, m.ID),
		Schedule: m.buildSchedule(),
	}
	return json.Marshal(resp)
}

// buildSchedule lays every corpus conversation out at a fixed
// interDropGap cadence, in the same deterministic order requests are
// served in — the FixedSchedule timing strategy replays exactly this
// table, so its ordering must be stable across a run.
func (m *Manager) buildSchedule() []domain.ScheduledDrop {
	schedule := make([]domain.ScheduledDrop, 0, len(m.order))
	for i, id := range m.order {
		schedule = append(schedule, domain.ScheduledDrop{
			ConversationID: id,
			DropTimeNs:     int64(i) * m.interDropGap.Nanoseconds(),
		})
	}
	return schedule
}

// Start begins serving the replier. Unlike the command-handler-driven
// services, the Dataset Manager's req/rep endpoint must be live before any
// CONFIGURE round trip can complete, so it starts from the lifecycle
// onStart hook rather than a ProfileConfigure handler.
func (m *Manager) Start(ctx context.Context) error {
	return m.replier.Start(ctx)
}
