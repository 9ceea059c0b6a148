// Package timing implements the credit-issuing scheduler: the three
// strategies behind a common CreditStrategy interface, and the CreditPhase
// state machine every strategy shares, grounded on the teacher's worker-pool
// dispatch loop (internal/service/worker_pool.go) adapted from
// work-stealing job dispatch to credit-based request issuance.
package timing

import (
	"context"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// Emitter publishes the CreditPhase event messages and drops/returns
// credits. A strategy is handed one Emitter and never touches transport
// directly.
type Emitter interface {
	PublishPhaseStart(ctx context.Context, msg domain.CreditPhaseStart) error
	PublishPhaseProgress(ctx context.Context, msg domain.CreditPhaseProgress) error
	PublishSendingComplete(ctx context.Context, msg domain.CreditPhaseSendingComplete) error
	PublishPhaseComplete(ctx context.Context, msg domain.CreditPhaseComplete) error
	DropCredit(ctx context.Context, drop domain.CreditDrop) error
}

// CompletionTrigger decides when a phase is done: request-count-based or
// duration-based (spec.md §4.5 "Profile completion trigger").
type CompletionTrigger struct {
	TotalExpectedRequests *int
	ExpectedDurationSec   *float64
}

// Phase runs the shared Idle->Warmup->Profiling->Complete state machine for
// one strategy: it owns issued/returned bookkeeping, periodic progress
// emission, and completion detection (count or duration based), while the
// concrete strategy decides *when* to drop a credit (and calls RecordIssued).
type Phase struct {
	emitter Emitter
	trigger CompletionTrigger

	mu        sync.Mutex
	state     domain.CreditPhaseState
	issued    int
	completed int
	startNs   int64
	cancelled bool

	progressInterval time.Duration
	nowNs            func() int64
}

// NewPhase constructs a Phase. nowNs defaults to time.Now().UnixNano if nil
// (tests can inject a deterministic clock).
func NewPhase(emitter Emitter, trigger CompletionTrigger, progressInterval time.Duration, nowNs func() int64) *Phase {
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}
	return &Phase{emitter: emitter, trigger: trigger, progressInterval: progressInterval, state: domain.CreditPhaseIdle, nowNs: nowNs}
}

// StartWarmup transitions Idle->Warmup and emits CreditPhaseStart.
func (p *Phase) StartWarmup(ctx context.Context) error {
	return p.enter(ctx, domain.CreditPhaseWarmupRun, domain.PhaseWarmup)
}

// StartProfiling transitions (Idle|Warmup)->Profiling and emits
// CreditPhaseStart, resetting issued/completed counters for the new phase.
func (p *Phase) StartProfiling(ctx context.Context) error {
	p.mu.Lock()
	p.issued, p.completed = 0, 0
	p.mu.Unlock()
	return p.enter(ctx, domain.CreditPhaseProfileRun, domain.PhaseProfiling)
}

func (p *Phase) enter(ctx context.Context, state domain.CreditPhaseState, phaseType domain.CreditPhaseType) error {
	p.mu.Lock()
	p.state = state
	p.startNs = p.nowNs()
	start := domain.CreditPhaseStart{
		Envelope:              domain.NewEnvelope(domain.MessageCreditPhaseStart, ""),
		Phase:                 phaseType,
		StartNs:               p.startNs,
		TotalExpectedRequests: p.trigger.TotalExpectedRequests,
		ExpectedDurationSec:   p.trigger.ExpectedDurationSec,
	}
	p.mu.Unlock()
	return p.emitter.PublishPhaseStart(ctx, start)
}

// RecordIssued increments the issued-credit counter. Call this every time
// the strategy actually drops a credit.
func (p *Phase) RecordIssued() {
	p.mu.Lock()
	p.issued++
	p.mu.Unlock()
}

// RecordReturned increments the completed counter and reports whether the
// phase is now fully drained (every issued credit returned).
func (p *Phase) RecordReturned() (drained bool) {
	p.mu.Lock()
	p.completed++
	drained = p.completed >= p.issued
	p.mu.Unlock()
	return drained
}

// Issued/Completed expose the current counters for completion-trigger checks.
func (p *Phase) Issued() int    { p.mu.Lock(); defer p.mu.Unlock(); return p.issued }
func (p *Phase) Completed() int { p.mu.Lock(); defer p.mu.Unlock(); return p.completed }

// EmitProgress publishes the current sent/completed snapshot.
func (p *Phase) EmitProgress(ctx context.Context, phaseType domain.CreditPhaseType) error {
	p.mu.Lock()
	msg := domain.CreditPhaseProgress{
		Envelope:  domain.NewEnvelope(domain.MessageCreditPhaseProgress, ""),
		Phase:     phaseType,
		Sent:      p.issued,
		Completed: p.completed,
	}
	p.mu.Unlock()
	return p.emitter.PublishPhaseProgress(ctx, msg)
}

// SendingComplete fires once the strategy is done producing drops (before
// all of them have necessarily returned).
func (p *Phase) SendingComplete(ctx context.Context, phaseType domain.CreditPhaseType) error {
	p.mu.Lock()
	msg := domain.CreditPhaseSendingComplete{
		Envelope:  domain.NewEnvelope(domain.MessageCreditPhaseSendingDone, ""),
		Phase:     phaseType,
		Sent:      p.issued,
		SentEndNs: p.nowNs(),
	}
	p.mu.Unlock()
	return p.emitter.PublishSendingComplete(ctx, msg)
}

// Complete transitions to Complete and emits CreditPhaseComplete.
func (p *Phase) Complete(ctx context.Context, phaseType domain.CreditPhaseType, timeoutTriggered bool) error {
	p.mu.Lock()
	p.state = domain.CreditPhaseDone
	msg := domain.CreditPhaseComplete{
		Envelope:          domain.NewEnvelope(domain.MessageCreditPhaseComplete, ""),
		Phase:             phaseType,
		EndNs:             p.nowNs(),
		FinalRequestCount: p.completed,
		TimeoutTriggered:  timeoutTriggered,
		Cancelled:         p.cancelled,
	}
	p.mu.Unlock()
	return p.emitter.PublishPhaseComplete(ctx, msg)
}

// Cancel marks the phase cancelled; the next Complete call carries
// Cancelled=true.
func (p *Phase) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (p *Phase) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// DurationDeadlinePassed reports whether trigger.ExpectedDurationSec has
// elapsed since the phase started.
func (p *Phase) DurationDeadlinePassed() bool {
	if p.trigger.ExpectedDurationSec == nil {
		return false
	}
	p.mu.Lock()
	elapsed := time.Duration(p.nowNs()-p.startNs) * time.Nanosecond
	p.mu.Unlock()
	return elapsed >= time.Duration(*p.trigger.ExpectedDurationSec*float64(time.Second))
}

// CountTargetReached reports whether trigger.TotalExpectedRequests issued
// credits have all returned.
func (p *Phase) CountTargetReached() bool {
	if p.trigger.TotalExpectedRequests == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed >= *p.trigger.TotalExpectedRequests
}
