package timing

import "context"

// CreditStrategy is the common interface behind FixedSchedule, Concurrency,
// and RequestRate (spec.md §4.5). Run blocks until the profiling phase
// completes (count reached, duration elapsed, or Cancel called) and must
// itself drive warmup, if configured, before profiling.
type CreditStrategy interface {
	Run(ctx context.Context) error
	Cancel()
}
