package metrics

import (
	"context"
	"sort"
	"sync"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/records/processor"
)

// ResultsProcessor is the Records Manager's default processor.ResultsProcessor:
// it runs every accepted record through a Registry and accumulates
// per-tag values for both real-time snapshots and final summarization.
type ResultsProcessor struct {
	registry *Registry

	mu              sync.Mutex
	perRecordValues map[string][]domain.MetricValue
	current         map[string]float64
	recordCount     int
	firstStartNs    int64
	lastEndNs       int64
}

var _ processor.ResultsProcessor = (*ResultsProcessor)(nil)

// NewResultsProcessor constructs a ResultsProcessor over registry.
func NewResultsProcessor(registry *Registry) *ResultsProcessor {
	return &ResultsProcessor{
		registry:        registry,
		perRecordValues: map[string][]domain.MetricValue{},
		current:         map[string]float64{},
	}
}

// Process implements processor.ResultsProcessor.
func (p *ResultsProcessor) Process(_ context.Context, rec domain.MetricRecordsMessage) error {
	computed, err := p.registry.EvaluateRecord(rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordCount++
	if p.recordCount == 1 || rec.RequestStartNs < p.firstStartNs {
		p.firstStartNs = rec.RequestStartNs
	}
	if rec.RequestEndNs > p.lastEndNs {
		p.lastEndNs = rec.RequestEndNs
	}
	for tag, v := range computed {
		p.perRecordValues[tag] = append(p.perRecordValues[tag], v)
		if !v.IsList {
			p.current[tag] = v.Scalar
		}
	}
	return nil
}

// Summarize implements processor.ResultsProcessor: resolves every
// AggregateMetric over the accumulated values, then emits one
// domain.MetricResult per record-level tag (sample statistics) and one per
// aggregate tag (a single-value result).
func (p *ResultsProcessor) Summarize(_ context.Context) ([]domain.MetricResult, error) {
	p.mu.Lock()
	perRecordValues := make(map[string][]domain.MetricValue, len(p.perRecordValues))
	for tag, vs := range p.perRecordValues {
		perRecordValues[tag] = append([]domain.MetricValue{}, vs...)
	}
	current := make(map[string]float64, len(p.current))
	for tag, v := range p.current {
		current[tag] = v
	}
	recordCount := p.recordCount
	durationSec := float64(p.lastEndNs-p.firstStartNs) / 1e9
	p.mu.Unlock()

	aggregated, err := p.registry.EvaluateAggregates(AggregateInput{
		PerRecordValues: perRecordValues,
		RecordCount:     recordCount,
		DurationSec:     durationSec,
	})
	if err != nil {
		return nil, err
	}

	var results []domain.MetricResult
	for _, def := range p.registry.Definitions() {
		floats := flattenMetricValues(perRecordValues[def.Tag])
		if len(floats) == 0 {
			continue
		}
		stats := computeSampleStats(floats)
		mr := domain.MetricResult{
			Tag: def.Tag, Header: def.Header, Unit: def.Unit,
			Avg: stats.Avg, Min: stats.Min, Max: stats.Max, Std: stats.Std, Count: stats.Count,
			P1: stats.P1, P5: stats.P5, P25: stats.P25, P50: stats.P50,
			P75: stats.P75, P90: stats.P90, P95: stats.P95, P99: stats.P99,
			StreamingOnly: def.Flags.Has(StreamingOnly),
		}
		if cur, ok := current[def.Tag]; ok {
			curCopy := cur
			mr.Current = &curCopy
		}
		results = append(results, mr)
	}
	for _, def := range p.registry.AggregateDefinitions() {
		v, ok := aggregated[def.Tag]
		if !ok {
			continue
		}
		results = append(results, domain.MetricResult{
			Tag: def.Tag, Header: def.Header, Unit: def.Unit,
			Avg: v.Scalar, Min: v.Scalar, Max: v.Scalar,
			P1: v.Scalar, P5: v.Scalar, P25: v.Scalar, P50: v.Scalar,
			P75: v.Scalar, P90: v.Scalar, P95: v.Scalar, P99: v.Scalar,
			Count: 1,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Tag < results[j].Tag })
	return results, nil
}

func flattenMetricValues(values []domain.MetricValue) []float64 {
	var out []float64
	for _, v := range values {
		if v.IsList {
			out = append(out, v.List...)
			continue
		}
		out = append(out, v.Scalar)
	}
	return out
}

// TelemetryProcessor is the default processor.TelemetryProcessor: it
// accumulates each GPU telemetry snapshot's metrics by key and reports
// sample statistics across every snapshot seen.
type TelemetryProcessor struct {
	mu     sync.Mutex
	values map[string][]float64
}

var _ processor.TelemetryProcessor = (*TelemetryProcessor)(nil)

// NewTelemetryProcessor constructs an empty TelemetryProcessor.
func NewTelemetryProcessor() *TelemetryProcessor {
	return &TelemetryProcessor{values: map[string][]float64{}}
}

// Process implements processor.TelemetryProcessor.
func (p *TelemetryProcessor) Process(_ context.Context, rec domain.TelemetryRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, v := range rec.Metrics {
		p.values[key] = append(p.values[key], v)
	}
	return nil
}

// Summarize implements processor.TelemetryProcessor.
func (p *TelemetryProcessor) Summarize(_ context.Context) ([]domain.MetricResult, error) {
	p.mu.Lock()
	snapshot := make(map[string][]float64, len(p.values))
	for key, vs := range p.values {
		snapshot[key] = append([]float64{}, vs...)
	}
	p.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]domain.MetricResult, 0, len(keys))
	for _, key := range keys {
		stats := computeSampleStats(snapshot[key])
		results = append(results, domain.MetricResult{
			Tag: key, Header: key,
			Avg: stats.Avg, Min: stats.Min, Max: stats.Max, Std: stats.Std, Count: stats.Count,
			P1: stats.P1, P5: stats.P5, P25: stats.P25, P50: stats.P50,
			P75: stats.P75, P90: stats.P90, P95: stats.P95, P99: stats.P99,
		})
	}
	return results, nil
}
