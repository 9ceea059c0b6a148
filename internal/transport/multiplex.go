package transport

import (
	"context"

	"github.com/aiperf/aiperf/internal/domain"
)

// MultiPuller fans a single Puller-shaped registration out across several
// underlying Pullers, each bound to its own topic/queue. The Records Manager
// needs this: MetricRecords and TelemetryRecords arrive on two distinct
// Kafka topics, but processor.ResultsProcessor/TelemetryProcessor wiring
// only takes one Puller. Every underlying puller only ever delivers the
// message types its own topic actually carries, so registering the same
// handler on all of them is harmless.
type MultiPuller struct {
	pullers []Puller
}

var _ Puller = (*MultiPuller)(nil)

// NewMultiPuller fans out across pullers.
func NewMultiPuller(pullers ...Puller) *MultiPuller {
	return &MultiPuller{pullers: pullers}
}

func (m *MultiPuller) Pull(msgType domain.MessageType, maxConcurrency int, h Handler) error {
	for _, p := range m.pullers {
		if err := p.Pull(msgType, maxConcurrency, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiPuller) Start(ctx context.Context) error {
	for _, p := range m.pullers {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiPuller) Close() error {
	var first error
	for _, p := range m.pullers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
