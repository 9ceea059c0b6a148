package timing

import (
	"context"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// Concurrency maintains N in-flight credits, dropping a replacement on every
// CreditReturn. Warmup, if configured, issues W serial drops gated on
// returns before profiling begins (spec.md §4.5).
type Concurrency struct {
	emitter           Emitter
	concurrency       int
	warmupCount       int
	trigger           CompletionTrigger
	progressInterval  time.Duration

	phase   *Phase
	returns chan domain.CreditReturn

	mu        sync.Mutex
	cancelled bool
}

// NewConcurrency constructs the Concurrency strategy.
func NewConcurrency(emitter Emitter, concurrency, warmupCount int, trigger CompletionTrigger, progressInterval time.Duration) *Concurrency {
	return &Concurrency{
		emitter:          emitter,
		concurrency:      concurrency,
		warmupCount:      warmupCount,
		trigger:          trigger,
		progressInterval: progressInterval,
		returns:          make(chan domain.CreditReturn, 4096),
	}
}

// OnCreditReturn feeds a CreditReturn observed on the transport layer into
// the strategy. Must not block the transport dispatch goroutine for long;
// the channel is generously buffered.
func (c *Concurrency) OnCreditReturn(ret domain.CreditReturn) {
	c.returns <- ret
}

func (c *Concurrency) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Cancel stops the strategy immediately; Run returns once in-flight
// bookkeeping finishes publishing CreditPhaseComplete{cancelled=true}.
func (c *Concurrency) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Run drives warmup (if any) then the profiling phase until the completion
// trigger fires, a duration deadline passes, or Cancel is called.
func (c *Concurrency) Run(ctx context.Context) error {
	c.phase = NewPhase(c.emitter, c.trigger, c.progressInterval, nil)

	if c.warmupCount > 0 {
		if err := c.runWarmup(ctx); err != nil {
			return err
		}
		if c.isCancelled() {
			c.phase.Cancel()
			return c.phase.Complete(ctx, domain.PhaseWarmup, false)
		}
	}

	return c.runProfiling(ctx)
}

func (c *Concurrency) runWarmup(ctx context.Context) error {
	if err := c.phase.StartWarmup(ctx); err != nil {
		return err
	}
	for i := 0; i < c.warmupCount; i++ {
		if c.isCancelled() || ctx.Err() != nil {
			c.phase.Cancel()
			return nil
		}
		if err := c.dropOne(ctx, domain.PhaseWarmup); err != nil {
			return err
		}
		select {
		case <-c.returns:
			c.phase.RecordReturned()
		case <-ctx.Done():
			c.phase.Cancel()
			return nil
		}
	}
	return c.phase.SendingComplete(ctx, domain.PhaseWarmup)
}

func (c *Concurrency) runProfiling(ctx context.Context) error {
	if err := c.phase.StartProfiling(ctx); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if c.trigger.ExpectedDurationSec != nil {
		timer := time.NewTimer(time.Duration(*c.trigger.ExpectedDurationSec * float64(time.Second)))
		defer timer.Stop()
		deadline = timer.C
	}

	progressTicker := time.NewTicker(c.progressIntervalOrDefault())
	defer progressTicker.Stop()

	for i := 0; i < c.concurrency; i++ {
		if err := c.dropOne(ctx, domain.PhaseProfiling); err != nil {
			return err
		}
	}

	timeoutTriggered := false
	sendingCompleteSent := false

	for {
		if c.isCancelled() {
			c.phase.Cancel()
			return c.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		if c.trigger.TotalExpectedRequests != nil && c.phase.CountTargetReached() {
			return c.phase.Complete(ctx, domain.PhaseProfiling, false)
		}

		select {
		case ret := <-c.returns:
			drained := c.phase.RecordReturned()
			_ = ret
			if c.trigger.TotalExpectedRequests != nil && c.phase.CountTargetReached() {
				if !sendingCompleteSent {
					_ = c.phase.SendingComplete(ctx, domain.PhaseProfiling)
				}
				return c.phase.Complete(ctx, domain.PhaseProfiling, false)
			}
			if !timeoutTriggered {
				if err := c.dropOne(ctx, domain.PhaseProfiling); err != nil {
					return err
				}
			} else if drained {
				return c.phase.Complete(ctx, domain.PhaseProfiling, true)
			}
		case <-deadline:
			timeoutTriggered = true
			if !sendingCompleteSent {
				sendingCompleteSent = true
				_ = c.phase.SendingComplete(ctx, domain.PhaseProfiling)
			}
			if c.phase.Completed() >= c.phase.Issued() {
				return c.phase.Complete(ctx, domain.PhaseProfiling, true)
			}
		case <-progressTicker.C:
			_ = c.phase.EmitProgress(ctx, domain.PhaseProfiling)
		case <-ctx.Done():
			c.phase.Cancel()
			return c.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
	}
}

func (c *Concurrency) dropOne(ctx context.Context, phaseType domain.CreditPhaseType) error {
	drop := domain.CreditDrop{
		Envelope: domain.NewEnvelope(domain.MessageCreditDrop, ""),
		Phase:    phaseType,
	}
	if err := c.emitter.DropCredit(ctx, drop); err != nil {
		return err
	}
	c.phase.RecordIssued()
	return nil
}

func (c *Concurrency) progressIntervalOrDefault() time.Duration {
	if c.progressInterval <= 0 {
		return time.Second
	}
	return c.progressInterval
}
