package records

// CompletionState is the snapshot of processing/plan state a
// CompletionCondition evaluates against.
type CompletionState struct {
	ExpectedDurationSec *float64
	FinalRequestCount   *int
	TotalRecords        int
	TimeoutTriggered    bool
}

// CompletionCondition is one strategy the Records Manager checks, in order,
// on every accepted record and on every CreditPhaseComplete — spec.md §4.7.
type CompletionCondition interface {
	// Check reports whether the run is complete and, if so, why.
	Check(state CompletionState) (done bool, reason string)
}

// AllRequestsProcessed fires for count-based runs once every planned
// request has been accounted for.
type AllRequestsProcessed struct{}

// Check implements CompletionCondition.
func (AllRequestsProcessed) Check(s CompletionState) (bool, string) {
	if s.ExpectedDurationSec == nil && s.FinalRequestCount != nil && s.TotalRecords >= *s.FinalRequestCount {
		return true, "all_requests_processed"
	}
	return false, ""
}

// DurationTimeout fires for duration-based runs once the Timing Manager has
// reported its own timeout and a final count is known.
type DurationTimeout struct{}

// Check implements CompletionCondition.
func (DurationTimeout) Check(s CompletionState) (bool, string) {
	if s.TimeoutTriggered && s.FinalRequestCount != nil {
		return true, "duration_timeout"
	}
	return false, ""
}

// DefaultConditions is the standard completion-checker chain, spec.md §4.7
// order: AllRequestsProcessed before DurationTimeout.
func DefaultConditions() []CompletionCondition {
	return []CompletionCondition{AllRequestsProcessed{}, DurationTimeout{}}
}
