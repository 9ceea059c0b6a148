package metrics

import (
	"math"

	"github.com/aiperf/aiperf/internal/domain"
)

// rawMetric is a RecordMetric that forwards a tag already present in the
// record's Metrics bag (populated upstream by the Record Processor) — most
// latency/token metrics are already computed per-request there; the
// Records Manager's job is aggregation, not re-deriving them.
type rawMetric struct {
	def Definition
	key string
}

func newRawMetric(tag, header, unit, key string, flags Flags) rawMetric {
	return rawMetric{def: Definition{Tag: tag, Header: header, Unit: unit, Flags: flags}, key: key}
}

func (m rawMetric) Definition() Definition { return m.def }

func (m rawMetric) Parse(rec domain.MetricRecordsMessage) (domain.MetricValue, error) {
	v, ok := rec.Metrics[m.key]
	if !ok {
		return domain.MetricValue{}, domain.ErrNoMetricValue
	}
	return v, nil
}

// RequestLatencyMetric is derived straight from the record's own
// timestamps rather than forwarded, since every record carries them.
type RequestLatencyMetric struct{}

// Definition implements RecordMetric.
func (RequestLatencyMetric) Definition() Definition {
	return Definition{Tag: "request_latency", Header: "Request Latency", Unit: "ms"}
}

// Parse implements RecordMetric.
func (RequestLatencyMetric) Parse(rec domain.MetricRecordsMessage) (domain.MetricValue, error) {
	if rec.RequestEndNs <= rec.RequestStartNs {
		return domain.MetricValue{}, domain.ErrNoMetricValue
	}
	ms := float64(rec.RequestEndNs-rec.RequestStartNs) / float64(1e6)
	return domain.ScalarValue(ms), nil
}

// TimeToFirstTokenMetric forwards the record processor's ttft measurement,
// flagged StreamingOnly since non-streaming responses never populate it.
func TimeToFirstTokenMetric() RecordMetric {
	return newRawMetric("time_to_first_token", "Time to First Token", "ms", "time_to_first_token", StreamingOnly)
}

// InterTokenLatencyMetric mirrors TimeToFirstTokenMetric for the
// steady-state per-token cadence.
func InterTokenLatencyMetric() RecordMetric {
	return newRawMetric("inter_token_latency", "Inter Token Latency", "ms", "inter_token_latency", StreamingOnly)
}

// InputSequenceLengthMetric forwards the tokenizer's input count.
func InputSequenceLengthMetric() RecordMetric {
	return newRawMetric("input_sequence_length", "Input Sequence Length", "tokens", "input_sequence_length", TokenizesInputOnly)
}

// OutputSequenceLengthMetric forwards the tokenizer's output count.
func OutputSequenceLengthMetric() RecordMetric {
	return newRawMetric("output_sequence_length", "Output Sequence Length", "tokens", "output_sequence_length", ProducesTokensOnly)
}

// APIPromptTokensMetric forwards the provider-reported prompt token usage.
func APIPromptTokensMetric() RecordMetric {
	return newRawMetric("api_prompt_tokens", "API Prompt Tokens", "tokens", "api_prompt_tokens", 0)
}

// ClientPromptTokensMetric forwards the client-computed (tokenizer-side)
// prompt token count — the other half of the usage diff pair.
func ClientPromptTokensMetric() RecordMetric {
	return newRawMetric("client_prompt_tokens", "Client Prompt Tokens", "tokens", "client_prompt_tokens", 0)
}

// UsagePromptTokensDiffMetric is the diff metric spec.md §4.8/§8 requires:
// |apiTokens - clientTokens| / clientTokens * 100, excluded (NoMetricValue)
// when clientTokens is zero.
type UsagePromptTokensDiffMetric struct{}

// Definition implements RecordWithStateMetric.
func (UsagePromptTokensDiffMetric) Definition() Definition {
	return Definition{
		Tag:             "usage_prompt_tokens_diff",
		Header:          "Usage Prompt Tokens Diff",
		Unit:            "%",
		RequiredMetrics: []string{"api_prompt_tokens", "client_prompt_tokens"},
	}
}

// Parse implements RecordWithStateMetric.
func (UsagePromptTokensDiffMetric) Parse(_ domain.MetricRecordsMessage, computed map[string]domain.MetricValue) (domain.MetricValue, error) {
	client := computed["client_prompt_tokens"].Scalar
	if client == 0 {
		return domain.MetricValue{}, domain.ErrNoMetricValue
	}
	api := computed["api_prompt_tokens"].Scalar
	diff := math.Abs(api-client) / client * 100
	return domain.ScalarValue(diff), nil
}

// UsageDiscrepancyCountMetric counts records whose usage diff exceeded
// domain.UsagePctDiffThreshold, strictly — spec.md §8.
type UsageDiscrepancyCountMetric struct{}

// Definition implements AggregateMetric.
func (UsageDiscrepancyCountMetric) Definition() Definition {
	return Definition{
		Tag:             "usage_discrepancy_count",
		Header:          "Usage Discrepancy Count",
		RequiredMetrics: []string{"usage_prompt_tokens_diff"},
	}
}

// Aggregate implements AggregateMetric.
func (UsageDiscrepancyCountMetric) Aggregate(in AggregateInput) (domain.MetricValue, error) {
	count := 0
	for _, v := range in.PerRecordValues["usage_prompt_tokens_diff"] {
		if v.Scalar > domain.UsagePctDiffThreshold {
			count++
		}
	}
	return domain.ScalarValue(float64(count)), nil
}

// RequestThroughputMetric is requests/sec over the run's wall-clock span.
type RequestThroughputMetric struct{}

// Definition implements AggregateMetric.
func (RequestThroughputMetric) Definition() Definition {
	return Definition{Tag: "request_throughput", Header: "Request Throughput", Unit: "req/s"}
}

// Aggregate implements AggregateMetric.
func (RequestThroughputMetric) Aggregate(in AggregateInput) (domain.MetricValue, error) {
	if in.DurationSec <= 0 {
		return domain.MetricValue{}, domain.ErrNoMetricValue
	}
	return domain.ScalarValue(float64(in.RecordCount) / in.DurationSec), nil
}

// OutputTokenThroughputMetric is total output tokens/sec over the run.
type OutputTokenThroughputMetric struct{}

// Definition implements AggregateMetric.
func (OutputTokenThroughputMetric) Definition() Definition {
	return Definition{
		Tag:             "output_token_throughput",
		Header:          "Output Token Throughput",
		Unit:            "tokens/s",
		RequiredMetrics: nil,
	}
}

// Aggregate implements AggregateMetric.
func (OutputTokenThroughputMetric) Aggregate(in AggregateInput) (domain.MetricValue, error) {
	if in.DurationSec <= 0 {
		return domain.MetricValue{}, domain.ErrNoMetricValue
	}
	var total float64
	for _, v := range in.PerRecordValues["output_sequence_length"] {
		total += v.Scalar
	}
	return domain.ScalarValue(total / in.DurationSec), nil
}

// DefaultRegistry builds the standard registry wired into every Records
// Manager results processor: the latency/token record metrics, the usage
// diff/discrepancy pair, and the two throughput aggregates.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterRecord(RequestLatencyMetric{})
	r.RegisterRecord(TimeToFirstTokenMetric())
	r.RegisterRecord(InterTokenLatencyMetric())
	r.RegisterRecord(InputSequenceLengthMetric())
	r.RegisterRecord(OutputSequenceLengthMetric())
	r.RegisterRecord(APIPromptTokensMetric())
	r.RegisterRecord(ClientPromptTokensMetric())
	r.RegisterStateful(UsagePromptTokensDiffMetric{})
	r.RegisterAggregate(UsageDiscrepancyCountMetric{})
	r.RegisterAggregate(RequestThroughputMetric{})
	r.RegisterAggregate(OutputTokenThroughputMetric{})
	return r
}
