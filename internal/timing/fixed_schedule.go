package timing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// FixedSchedule drops credits at scheduled monotonic offsets fetched from
// the Dataset Manager: a sorted (conversationId, dropTimeNs) table. No flow
// control — offsets are honored regardless of in-flight load.
type FixedSchedule struct {
	emitter          Emitter
	schedule         []domain.ScheduledDrop
	trigger          CompletionTrigger
	progressInterval time.Duration

	phase   *Phase
	returns chan domain.CreditReturn

	mu        sync.Mutex
	cancelled bool
}

// NewFixedSchedule constructs the FixedSchedule strategy. schedule is
// sorted by DropTimeNs ascending if it isn't already.
func NewFixedSchedule(emitter Emitter, schedule []domain.ScheduledDrop, trigger CompletionTrigger, progressInterval time.Duration) *FixedSchedule {
	sorted := append([]domain.ScheduledDrop(nil), schedule...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DropTimeNs < sorted[j].DropTimeNs })
	return &FixedSchedule{
		emitter:          emitter,
		schedule:         sorted,
		trigger:          trigger,
		progressInterval: progressInterval,
		returns:          make(chan domain.CreditReturn, 4096),
	}
}

// OnCreditReturn feeds a CreditReturn into the strategy's drain bookkeeping.
func (f *FixedSchedule) OnCreditReturn(ret domain.CreditReturn) {
	f.returns <- ret
}

// Cancel stops issuing further scheduled drops.
func (f *FixedSchedule) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *FixedSchedule) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Run issues every scheduled drop at its target offset from phase start,
// then drains returns until every issued credit has come back, the
// duration deadline passes, or Cancel is called.
func (f *FixedSchedule) Run(ctx context.Context) error {
	f.phase = NewPhase(f.emitter, f.trigger, f.progressInterval, nil)
	if err := f.phase.StartProfiling(ctx); err != nil {
		return err
	}
	startNs := time.Now().UnixNano()

	progressTicker := time.NewTicker(f.progressIntervalOrDefault())
	defer progressTicker.Stop()

	idx := 0
schedule:
	for idx < len(f.schedule) {
		if f.isCancelled() {
			return f.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		target := f.schedule[idx]
		waitFor := time.Duration(startNs+target.DropTimeNs-time.Now().UnixNano()) * time.Nanosecond
		if waitFor < 0 {
			waitFor = 0
		}
		timer := time.NewTimer(waitFor)
		select {
		case <-timer.C:
			drop := domain.CreditDrop{
				Envelope:       domain.NewEnvelope(domain.MessageCreditDrop, ""),
				Phase:          domain.PhaseProfiling,
				ConversationID: target.ConversationID,
				CreditDropNs:   target.DropTimeNs,
			}
			if err := f.emitter.DropCredit(ctx, drop); err != nil {
				timer.Stop()
				return err
			}
			f.phase.RecordIssued()
			idx++
		case <-progressTicker.C:
			_ = f.phase.EmitProgress(ctx, domain.PhaseProfiling)
			timer.Stop()
			continue schedule
		case ret := <-f.returns:
			_ = ret
			f.phase.RecordReturned()
			timer.Stop()
			continue schedule
		case <-ctx.Done():
			timer.Stop()
			f.phase.Cancel()
			return f.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		timer.Stop()
	}

	if err := f.phase.SendingComplete(ctx, domain.PhaseProfiling); err != nil {
		return err
	}
	return f.drain(ctx, progressTicker)
}

func (f *FixedSchedule) drain(ctx context.Context, progressTicker *time.Ticker) error {
	var deadline <-chan time.Time
	if f.trigger.ExpectedDurationSec != nil {
		timer := time.NewTimer(time.Duration(*f.trigger.ExpectedDurationSec * float64(time.Second)))
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if f.isCancelled() {
			return f.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		if f.phase.Completed() >= f.phase.Issued() {
			return f.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		select {
		case ret := <-f.returns:
			_ = ret
			if f.phase.RecordReturned() {
				return f.phase.Complete(ctx, domain.PhaseProfiling, false)
			}
		case <-deadline:
			return f.phase.Complete(ctx, domain.PhaseProfiling, true)
		case <-progressTicker.C:
			_ = f.phase.EmitProgress(ctx, domain.PhaseProfiling)
		case <-ctx.Done():
			f.phase.Cancel()
			return f.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
	}
}

func (f *FixedSchedule) progressIntervalOrDefault() time.Duration {
	if f.progressInterval <= 0 {
		return time.Second
	}
	return f.progressInterval
}
