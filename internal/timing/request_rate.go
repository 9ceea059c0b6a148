package timing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
)

// RequestRate drops credits at rate r with inter-arrival intervals drawn
// from a configurable distribution; deliberately open-loop (ignores worker
// load) to measure server behavior under offered load, per spec.md §4.5.
type RequestRate struct {
	emitter          Emitter
	ratePerSec       float64
	distribution     config.InterArrivalDistribution
	trigger          CompletionTrigger
	progressInterval time.Duration

	limiter *rate.Limiter // used for the constant distribution
	rng     *rand.Rand    // used for the poisson distribution

	phase   *Phase
	returns chan domain.CreditReturn

	mu        sync.Mutex
	cancelled bool
}

// NewRequestRate constructs the RequestRate strategy.
func NewRequestRate(emitter Emitter, ratePerSec float64, distribution config.InterArrivalDistribution, trigger CompletionTrigger, progressInterval time.Duration) *RequestRate {
	return &RequestRate{
		emitter:          emitter,
		ratePerSec:       ratePerSec,
		distribution:     distribution,
		trigger:          trigger,
		progressInterval: progressInterval,
		limiter:          rate.NewLimiter(rate.Limit(ratePerSec), 1),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		returns:          make(chan domain.CreditReturn, 4096),
	}
}

// OnCreditReturn feeds a CreditReturn into the strategy's drain bookkeeping.
func (r *RequestRate) OnCreditReturn(ret domain.CreditReturn) {
	r.returns <- ret
}

// Cancel stops issuing further drops.
func (r *RequestRate) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *RequestRate) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Run issues credits at the configured rate until the completion trigger
// fires, the duration deadline passes, or Cancel is called.
func (r *RequestRate) Run(ctx context.Context) error {
	r.phase = NewPhase(r.emitter, r.trigger, r.progressInterval, nil)
	if err := r.phase.StartProfiling(ctx); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if r.trigger.ExpectedDurationSec != nil {
		timer := time.NewTimer(time.Duration(*r.trigger.ExpectedDurationSec * float64(time.Second)))
		defer timer.Stop()
		deadline = timer.C
	}

	progressTicker := time.NewTicker(r.progressIntervalOrDefault())
	defer progressTicker.Stop()

	sendingCompleteSent := false
	nextArrival := r.nextInterArrival()

	for {
		if r.isCancelled() {
			return r.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
		if !sendingCompleteSent && r.trigger.TotalExpectedRequests != nil && r.phase.Issued() >= *r.trigger.TotalExpectedRequests {
			sendingCompleteSent = true
			if err := r.phase.SendingComplete(ctx, domain.PhaseProfiling); err != nil {
				return err
			}
		}
		if sendingCompleteSent && r.phase.Completed() >= r.phase.Issued() {
			return r.phase.Complete(ctx, domain.PhaseProfiling, false)
		}

		select {
		case ret := <-r.returns:
			_ = ret
			r.phase.RecordReturned()
		case <-nextArrival:
			if !sendingCompleteSent {
				if err := r.dropOne(ctx); err != nil {
					return err
				}
			}
			nextArrival = r.nextInterArrival()
		case <-deadline:
			sendingCompleteSent = true
			if r.phase.Completed() >= r.phase.Issued() {
				return r.phase.Complete(ctx, domain.PhaseProfiling, true)
			}
		case <-progressTicker.C:
			_ = r.phase.EmitProgress(ctx, domain.PhaseProfiling)
		case <-ctx.Done():
			r.phase.Cancel()
			return r.phase.Complete(ctx, domain.PhaseProfiling, false)
		}
	}
}

func (r *RequestRate) dropOne(ctx context.Context) error {
	drop := domain.CreditDrop{
		Envelope: domain.NewEnvelope(domain.MessageCreditDrop, ""),
		Phase:    domain.PhaseProfiling,
	}
	if err := r.emitter.DropCredit(ctx, drop); err != nil {
		return err
	}
	r.phase.RecordIssued()
	return nil
}

// nextInterArrival returns a timer channel firing after the next sampled
// inter-arrival interval: exactly 1/rate for DistributionConstant (honored
// via rate.Limiter's token bucket), exponentially distributed with mean
// 1/rate for DistributionPoisson (an open-loop Poisson arrival process).
func (r *RequestRate) nextInterArrival() <-chan time.Time {
	var d time.Duration
	switch r.distribution {
	case config.DistributionPoisson:
		meanInterval := time.Duration(float64(time.Second) / r.ratePerSec)
		d = time.Duration(r.rng.ExpFloat64() * float64(meanInterval))
	default:
		d = r.limiter.Reserve().Delay()
	}
	if d < 0 {
		d = 0
	}
	return time.After(d)
}

func (r *RequestRate) progressIntervalOrDefault() time.Duration {
	if r.progressInterval <= 0 {
		return time.Second
	}
	return r.progressInterval
}
