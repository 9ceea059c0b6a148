package domain

// ResponseData is the payload of one parsed SSE/unary response chunk. Only
// one field is meaningful per chunk, discriminated by Kind.
type ResponseData struct {
	Kind          string    `json:"kind"` // "text" | "reasoning_text" | "embedding" | "ranking"
	Text          string    `json:"text,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	RankingScores []float64 `json:"ranking_scores,omitempty"`
}

// Response is one response chunk stamped with the monotonic time it arrived.
type Response struct {
	PerfNs int64        `json:"perf_ns"`
	Data   ResponseData `json:"data"`
}

// RequestRecord is the per-attempt record a Worker produces for every
// credit it processes.
type RequestRecord struct {
	Turns             []Turn          `json:"turns,omitempty"`
	Model             string          `json:"model,omitempty"`
	TimestampNs       int64           `json:"timestamp_ns"`
	StartPerfNs       int64           `json:"start_perf_ns"`
	EndPerfNs         int64           `json:"end_perf_ns"`
	Responses         []Response      `json:"responses,omitempty"`
	StatusCode        int             `json:"status_code,omitempty"`
	Error             *ErrorDetails   `json:"error,omitempty"`
	CreditPhase       CreditPhaseType `json:"credit_phase,omitempty"`
	CreditDropLatency int64           `json:"credit_drop_latency,omitempty"`
	DelayedNs         int64           `json:"delayed_ns,omitempty"`
	CancelAfterNs     int64           `json:"cancel_after_ns,omitempty"`
}

// Valid reports the structural validity invariant from spec.md §3: no
// error, a positive start time, and at least one response with
// monotonically increasing positive perf timestamps.
func (r RequestRecord) Valid() bool {
	if r.Error != nil {
		return false
	}
	if r.StartPerfNs <= 0 {
		return false
	}
	if len(r.Responses) == 0 {
		return false
	}
	prev := int64(0)
	for _, resp := range r.Responses {
		if resp.PerfNs <= prev {
			return false
		}
		prev = resp.PerfNs
	}
	return true
}

// CreateErrorFromInvalid converts structural invalidity into the
// InvalidInferenceResultError ErrorDetails the spec requires before a
// record reaches downstream processing. If r is already invalid for
// another reason (r.Error set), that error is preserved.
func (r RequestRecord) CreateErrorFromInvalid() RequestRecord {
	if r.Error != nil || r.Valid() {
		return r
	}
	out := r
	out.Error = &ErrorDetails{
		Type:    "InvalidInferenceResultError",
		Message: "request record failed structural validity checks",
	}
	return out
}

// ParsedResponseRecord is a RequestRecord enriched with tokenization data by
// a Record Processor.
type ParsedResponseRecord struct {
	RequestRecord
	Parsed              []Response `json:"parsed"`
	InputTokenCount     int        `json:"input_token_count"`
	OutputTokenCount    int        `json:"output_token_count"`
	ReasoningTokenCount *int       `json:"reasoning_token_count,omitempty"`
}

// MetricValue is a scalar or list metric value.
type MetricValue struct {
	Scalar float64   `json:"scalar,omitempty"`
	List   []float64 `json:"list,omitempty"`
	IsList bool      `json:"is_list"`
}

// ScalarValue wraps a float64 as a scalar MetricValue.
func ScalarValue(v float64) MetricValue { return MetricValue{Scalar: v} }

// ListValue wraps a []float64 as a list MetricValue.
func ListValue(v []float64) MetricValue { return MetricValue{List: v, IsList: true} }

// MetricRecordsMessage carries per-request metadata plus the metric values
// a Record Processor computed for it.
type MetricRecordsMessage struct {
	Envelope
	SessionNum       int                    `json:"session_num"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	TurnIndex        int                    `json:"turn_index,omitempty"`
	RequestStartNs   int64                  `json:"request_start_ns"`
	RequestAckNs     *int64                 `json:"request_ack_ns,omitempty"`
	RequestEndNs     int64                  `json:"request_end_ns"`
	WorkerID         string                 `json:"worker_id"`
	RecordProcessorID string                `json:"record_processor_id"`
	BenchmarkPhase   CreditPhaseType        `json:"benchmark_phase"`
	XRequestID       string                 `json:"x_request_id,omitempty"`
	XCorrelationID   string                 `json:"x_correlation_id,omitempty"`
	Metrics          map[string]MetricValue `json:"metrics"`
	Error            *ErrorDetails          `json:"error,omitempty"`
}

// Valid mirrors RequestRecord's notion of validity for a processed record:
// no error attached.
func (m MetricRecordsMessage) Valid() bool { return m.Error == nil }

// ProcessingStats tracks processed/error counts against an optional
// expected total.
type ProcessingStats struct {
	Processed             int  `json:"processed"`
	Errors                int  `json:"errors"`
	TotalExpectedRequests *int `json:"total_expected_requests,omitempty"`
}

// TotalRecords is the derived processed+errors count.
func (p ProcessingStats) TotalRecords() int { return p.Processed + p.Errors }

// InferenceResults is the push message a Worker sends with its raw record.
type InferenceResults struct {
	Envelope
	Record RequestRecord `json:"record"`
}

// TelemetryRecord is one GPU telemetry snapshot.
type TelemetryRecord struct {
	Envelope
	GPUIndex int                `json:"gpu_index"`
	Metrics  map[string]float64 `json:"metrics"`
}
