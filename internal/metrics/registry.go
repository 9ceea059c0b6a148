package metrics

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aiperf/aiperf/internal/domain"
)

// Registry holds every metric definition known to a process and drives the
// three-phase evaluation order spec.md §4.8 specifies.
type Registry struct {
	recordMetrics    []RecordMetric
	statefulMetrics  []RecordWithStateMetric
	aggregateMetrics []AggregateMetric
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// RegisterRecord adds a RecordMetric.
func (r *Registry) RegisterRecord(m RecordMetric) { r.recordMetrics = append(r.recordMetrics, m) }

// RegisterStateful adds a RecordWithStateMetric.
func (r *Registry) RegisterStateful(m RecordWithStateMetric) {
	r.statefulMetrics = append(r.statefulMetrics, m)
}

// RegisterAggregate adds an AggregateMetric.
func (r *Registry) RegisterAggregate(m AggregateMetric) {
	r.aggregateMetrics = append(r.aggregateMetrics, m)
}

// EvaluateRecord runs steps 1 and 2 of spec.md §4.8 for one record: every
// RecordMetric in tag order, then every RecordWithStateMetric in
// dependency-topological order. A metric whose dependency chain raised
// NoMetricValue is excluded, silently, along with everything depending on
// it; an unsatisfiable dependency chain is a circular-dependency error.
func (r *Registry) EvaluateRecord(rec domain.MetricRecordsMessage) (map[string]domain.MetricValue, error) {
	computed := map[string]domain.MetricValue{}
	excluded := map[string]bool{}

	for _, m := range sortRecordMetrics(r.recordMetrics) {
		def := m.Definition()
		v, err := m.Parse(rec)
		if errors.Is(err, domain.ErrNoMetricValue) {
			excluded[def.Tag] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", def.Tag, err)
		}
		computed[def.Tag] = v
	}

	remaining := sortStatefulMetrics(r.statefulMetrics)
	for len(remaining) > 0 {
		var next []RecordWithStateMetric
		progressed := false
		for _, m := range remaining {
			def := m.Definition()
			ready, anyExcluded := dependenciesReady(def.RequiredMetrics, computed, excluded)
			if anyExcluded {
				excluded[def.Tag] = true
				progressed = true
				continue
			}
			if !ready {
				next = append(next, m)
				continue
			}
			v, err := m.Parse(rec, computed)
			progressed = true
			if errors.Is(err, domain.ErrNoMetricValue) {
				excluded[def.Tag] = true
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", def.Tag, err)
			}
			computed[def.Tag] = v
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircularDependency, missingTags(remaining))
		}
		remaining = next
	}

	return computed, nil
}

// EvaluateAggregates runs step 3 of spec.md §4.8: every AggregateMetric,
// iterated by the same dependency-resolution loop.
func (r *Registry) EvaluateAggregates(in AggregateInput) (map[string]domain.MetricValue, error) {
	if in.Computed == nil {
		in.Computed = map[string]domain.MetricValue{}
	}
	// Record-level metrics have all been evaluated before this step, so
	// their tags count as available alongside the aggregates computed so far.
	available := map[string]domain.MetricValue{}
	for _, d := range r.Definitions() {
		available[d.Tag] = domain.MetricValue{}
	}
	for tag, v := range in.Computed {
		available[tag] = v
	}
	excluded := map[string]bool{}
	remaining := sortAggregateMetrics(r.aggregateMetrics)
	for len(remaining) > 0 {
		var next []AggregateMetric
		progressed := false
		for _, m := range remaining {
			def := m.Definition()
			ready, anyExcluded := dependenciesReady(def.RequiredMetrics, available, excluded)
			if anyExcluded {
				excluded[def.Tag] = true
				progressed = true
				continue
			}
			if !ready {
				next = append(next, m)
				continue
			}
			v, err := m.Aggregate(in)
			progressed = true
			if errors.Is(err, domain.ErrNoMetricValue) {
				excluded[def.Tag] = true
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", def.Tag, err)
			}
			in.Computed[def.Tag] = v
			available[def.Tag] = v
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircularDependency, missingAggregateTags(remaining))
		}
		remaining = next
	}
	return in.Computed, nil
}

// Definitions returns every record-level (RecordMetric + RecordWithState)
// definition, for callers that need to know which tags a run produces.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.recordMetrics)+len(r.statefulMetrics))
	for _, m := range r.recordMetrics {
		defs = append(defs, m.Definition())
	}
	for _, m := range r.statefulMetrics {
		defs = append(defs, m.Definition())
	}
	return defs
}

// AggregateDefinitions returns every AggregateMetric's definition.
func (r *Registry) AggregateDefinitions() []Definition {
	defs := make([]Definition, 0, len(r.aggregateMetrics))
	for _, m := range r.aggregateMetrics {
		defs = append(defs, m.Definition())
	}
	return defs
}

func dependenciesReady(required []string, computed map[string]domain.MetricValue, excluded map[string]bool) (ready, anyExcluded bool) {
	ready = true
	for _, req := range required {
		if excluded[req] {
			return false, true
		}
		if _, ok := computed[req]; !ok {
			ready = false
		}
	}
	return ready, false
}

func sortRecordMetrics(ms []RecordMetric) []RecordMetric {
	out := append([]RecordMetric{}, ms...)
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Tag < out[j].Definition().Tag })
	return out
}

func sortStatefulMetrics(ms []RecordWithStateMetric) []RecordWithStateMetric {
	out := append([]RecordWithStateMetric{}, ms...)
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Tag < out[j].Definition().Tag })
	return out
}

func sortAggregateMetrics(ms []AggregateMetric) []AggregateMetric {
	out := append([]AggregateMetric{}, ms...)
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Tag < out[j].Definition().Tag })
	return out
}

func missingTags(ms []RecordWithStateMetric) []string {
	tags := make([]string, 0, len(ms))
	for _, m := range ms {
		tags = append(tags, m.Definition().Tag)
	}
	return tags
}

func missingAggregateTags(ms []AggregateMetric) []string {
	tags := make([]string, 0, len(ms))
	for _, m := range ms {
		tags = append(tags, m.Definition().Tag)
	}
	return tags
}
