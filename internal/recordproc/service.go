package recordproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Record Processor.
const ClassKey = "record_processor"

// Service is the Record Processor: pulls InferenceResults, tokenizes each
// one, and pushes the resulting MetricRecordsMessage to the Records
// Manager.
type Service struct {
	*service.ComponentBase

	puller         transport.Puller
	pusher         transport.Pusher
	counter        *Counter
	maxConcurrency int
}

// NewService constructs a Record Processor.
func NewService(cb *service.ComponentBase, puller transport.Puller, pusher transport.Pusher, counter *Counter, maxConcurrency int) *Service {
	s := &Service{ComponentBase: cb, puller: puller, pusher: pusher, counter: counter, maxConcurrency: maxConcurrency}
	s.RegisterCommandHandler(domain.CommandProfileConfigure, s.handleConfigure)
	return s
}

func (s *Service) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	if err := s.puller.Pull(domain.MessageInferenceResults, s.maxConcurrency, s.handleInferenceResultsPayload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	if err := s.puller.Start(ctx); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, s.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (s *Service) handleInferenceResultsPayload(ctx context.Context, payload []byte) error {
	var rec domain.InferenceResults
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	metricRec, err := s.buildMetricRecord(rec)
	if err != nil {
		slog.Error("tokenize inference result failed", slog.Any("error", err))
		return err
	}
	raw, err := json.Marshal(metricRec)
	if err != nil {
		return err
	}
	return s.pusher.Push(ctx, domain.MessageMetricRecords, raw)
}

// buildMetricRecord tokenizes rec.Record and emits the metrics the
// metric pipeline's built-in metrics read directly out of the Metrics bag
// (see internal/metrics's rawMetric): api/client prompt tokens, input/
// output sequence length, and latency metrics derived from the record's
// own perf timestamps. A structurally invalid record (per RequestRecord.Valid)
// is converted to its InvalidInferenceResultError and passed through
// without tokenization.
func (s *Service) buildMetricRecord(rec domain.InferenceResults) (domain.MetricRecordsMessage, error) {
	r := rec.Record.CreateErrorFromInvalid()

	out := domain.MetricRecordsMessage{
		Envelope:          domain.NewEnvelope(domain.MessageMetricRecords, s.ID),
		WorkerID:          rec.ServiceID,
		RequestStartNs:    r.StartPerfNs,
		RequestEndNs:      r.EndPerfNs,
		RecordProcessorID: s.ID,
		BenchmarkPhase:    r.CreditPhase,
		Metrics:           map[string]domain.MetricValue{},
	}
	if r.Error != nil {
		out.Error = r.Error
		return out, nil
	}

	promptText := turnsText(r.Turns)
	completionText := responsesText(r.Responses)

	apiTokens, err := s.counter.CountAPITokens(promptText, r.Model)
	if err != nil {
		return domain.MetricRecordsMessage{}, err
	}
	clientTokens, err := s.counter.CountClientTokens(promptText)
	if err != nil {
		return domain.MetricRecordsMessage{}, err
	}
	outputTokens, err := s.counter.CountAPITokens(completionText, r.Model)
	if err != nil {
		return domain.MetricRecordsMessage{}, err
	}

	out.Metrics["api_prompt_tokens"] = domain.ScalarValue(float64(apiTokens))
	out.Metrics["client_prompt_tokens"] = domain.ScalarValue(float64(clientTokens))
	out.Metrics["input_sequence_length"] = domain.ScalarValue(float64(apiTokens))
	out.Metrics["output_sequence_length"] = domain.ScalarValue(float64(outputTokens))

	if len(r.Responses) > 0 {
		ttft := float64(r.Responses[0].PerfNs-r.StartPerfNs) / 1e6
		out.Metrics["time_to_first_token"] = domain.ScalarValue(ttft)
	}
	if len(r.Responses) > 1 {
		var gaps float64
		for i := 1; i < len(r.Responses); i++ {
			gaps += float64(r.Responses[i].PerfNs-r.Responses[i-1].PerfNs) / 1e6
		}
		out.Metrics["inter_token_latency"] = domain.ScalarValue(gaps / float64(len(r.Responses)-1))
	}

	return out, nil
}

func turnsText(turns []domain.Turn) string {
	var b []byte
	for _, t := range turns {
		for _, c := range t.Content {
			if c.Kind == "text" {
				b = append(b, c.Text...)
				b = append(b, '\n')
			}
		}
	}
	return string(b)
}

func responsesText(responses []domain.Response) string {
	var b []byte
	for _, r := range responses {
		if r.Data.Kind == "text" {
			b = append(b, r.Data.Text...)
		}
	}
	return string(b)
}
