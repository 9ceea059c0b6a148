// Package worker implements the Worker service: it consumes CreditDrop
// tokens one at a time, fetches the conversation turn they name from the
// Dataset Manager, sends the formatted inference request (unary or
// streaming), and pushes back a raw InferenceResults record plus the
// CreditReturn acknowledging the credit — grounded on the teacher's
// internal/adapter/ai/real.Client (HTTP client construction, SSE draining)
// adapted to the pull/push/req-rep worker loop spec.md §4.6 describes.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Worker.
const ClassKey = "worker"

// Worker is one request-processing unit. Exactly one CreditDrop is
// in flight at a time (transport.Puller maxConcurrency=1), matching
// spec.md's "max-concurrency = 1 per worker" invariant.
type Worker struct {
	*service.ComponentBase

	datasetClient transport.Requester
	puller        transport.Puller
	pusher        transport.Pusher
	httpClient    *http.Client
	commsTimeout  time.Duration
	sseIdleTimeout time.Duration

	// nowPerfNs is the monotonic-ish clock used for perf timestamps;
	// overridden in tests.
	nowPerfNs func() int64

	uc        config.UserConfig
	formatter EndpointFormatter

	healthInterval time.Duration
	processed      atomic.Int64
	errored        atomic.Int64
	cpuPercent     func() float64
}

// NewWorker constructs a Worker, wiring the PROFILE_CONFIGURE handler (which
// sets up the CreditDrop pull subscription) and the periodic WorkerHealth
// report.
func NewWorker(cb *service.ComponentBase, datasetClient transport.Requester, puller transport.Puller, pusher transport.Pusher, httpClient *http.Client, commsTimeout, sseIdleTimeout, healthInterval time.Duration) *Worker {
	w := &Worker{
		ComponentBase:  cb,
		datasetClient:  datasetClient,
		puller:         puller,
		pusher:         pusher,
		httpClient:     httpClient,
		commsTimeout:   commsTimeout,
		sseIdleTimeout: sseIdleTimeout,
		healthInterval: healthInterval,
		nowPerfNs:      func() int64 { return time.Now().UnixNano() },
		cpuPercent:     sampleCPUPercent,
	}
	w.RegisterCommandHandler(domain.CommandProfileConfigure, w.handleConfigure)

	healthHookOnce.Do(func() {
		lifecycle.RegisterBackgroundTask(ClassKey, lifecycle.BackgroundTaskSpec{
			Name:      "worker_health",
			Immediate: true,
			Interval:  func() time.Duration { return w.healthInterval },
			Run:       w.reportHealth,
		})
	})
	return w
}

// healthHookOnce guards against duplicate background-task registration,
// mirroring internal/service's one-instance-per-classKey-per-process
// assumption: lifecycle's hook registry is process-global.
var healthHookOnce sync.Once

// sampleCPUPercent samples this process's host CPU usage over a short
// window, grounded on the bc-dunia-mcpdrill example's cpu.Percent(0, false)
// agent-health-reporting pattern.
func sampleCPUPercent() float64 {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return 0
	}
	return pct[0]
}

func (w *Worker) reportHealth(ctx context.Context) error {
	errored := w.errored.Load()
	status := domain.WorkerHealthy
	cpuPct := w.cpuPercent()
	switch {
	case errored > 0 && errored >= w.processed.Load():
		status = domain.WorkerError
	case cpuPct > 90:
		status = domain.WorkerHighLoad
	case w.processed.Load() == 0 && errored == 0:
		status = domain.WorkerIdle
	}
	return w.pushJSONBus(ctx, domain.MessageWorkerHealth, domain.WorkerHealth{
		Envelope:   domain.NewEnvelope(domain.MessageWorkerHealth, w.ID),
		WorkerID:   w.ID,
		Status:     status,
		CPUPercent: cpuPct,
		ErrorCount: int(errored),
		Processed:  int(w.processed.Load()),
	})
}

func (w *Worker) pushJSONBus(ctx context.Context, msgType domain.MessageType, v any) error {
	return w.Publish(ctx, msgType, v)
}

func (w *Worker) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	var pc domain.ProfileConfigure
	if err := json.Unmarshal(cmd.Data, &pc); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	raw, err := json.Marshal(pc.UserConfig)
	if err != nil {
		return domain.CommandResponse{}, err
	}
	var uc config.UserConfig
	if err := json.Unmarshal(raw, &uc); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	formatter, err := LookupFormatter(uc.Endpoint)
	if err != nil {
		return domain.CommandResponse{}, err
	}
	w.uc = uc
	w.formatter = formatter

	if err := w.puller.Pull(domain.MessageCreditDrop, 1, w.handleCreditDropPayload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	if err := w.puller.Start(ctx); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, w.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (w *Worker) handleCreditDropPayload(ctx context.Context, payload []byte) error {
	var drop domain.CreditDrop
	if err := json.Unmarshal(payload, &drop); err != nil {
		return err
	}
	w.processCredit(ctx, drop)
	return nil
}

// processCredit implements the procedure from spec.md §4.6: fetch the
// conversation, run the inference call, and ALWAYS push InferenceResults
// (best-effort) and CreditReturn (must not fail silently, even on panic)
// regardless of what happened in between.
func (w *Worker) processCredit(ctx context.Context, drop domain.CreditDrop) {
	dropPerfNs := w.nowPerfNs()
	record := domain.RequestRecord{CreditPhase: drop.Phase}

	defer func() {
		if r := recover(); r != nil {
			record.Error = &domain.ErrorDetails{Type: "InternalError", Message: fmt.Sprintf("panic: %v", r)}
			record.EndPerfNs = w.nowPerfNs()
		}
		record.CreditDropLatency = record.StartPerfNs - dropPerfNs
		if record.Error != nil {
			w.errored.Add(1)
		} else {
			w.processed.Add(1)
		}

		if err := w.pushJSON(ctx, domain.MessageInferenceResults, domain.InferenceResults{
			Envelope: domain.NewEnvelope(domain.MessageInferenceResults, w.ID),
			Record:   record.CreateErrorFromInvalid(),
		}); err != nil {
			slog.Error("push inference result failed", slog.String("service_id", w.ID), slog.Any("error", err))
		}

		ret := domain.CreditReturn{
			Envelope:  domain.NewEnvelope(domain.MessageCreditReturn, w.ID),
			Phase:     drop.Phase,
			DelayedNs: record.DelayedNs,
			Failed:    record.Error != nil,
		}
		if err := w.pushJSON(context.Background(), domain.MessageCreditReturn, ret); err != nil {
			slog.Error("push credit return failed, retrying once", slog.String("service_id", w.ID), slog.Any("error", err))
			if err2 := w.pushJSON(context.Background(), domain.MessageCreditReturn, ret); err2 != nil {
				slog.Error("credit return permanently failed", slog.String("service_id", w.ID), slog.Any("error", err2))
			}
		}
	}()

	conv, err := w.requestConversation(ctx, drop)
	if err != nil {
		record.Error = errPtr(err)
		record.EndPerfNs = w.nowPerfNs()
		return
	}
	if len(conv.Turns) == 0 {
		record.Error = &domain.ErrorDetails{Type: "ConfigurationError", Message: "conversation has no turns"}
		record.EndPerfNs = w.nowPerfNs()
		return
	}

	result := w.callInferenceAPI(ctx, drop, conv.Turns[0], dropPerfNs)
	record = result
	record.CreditPhase = drop.Phase
}

func (w *Worker) pushJSON(ctx context.Context, msgType domain.MessageType, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.pusher.Push(ctx, msgType, raw)
}

func (w *Worker) requestConversation(ctx context.Context, drop domain.CreditDrop) (domain.Conversation, error) {
	req := domain.ConversationRequest{
		Envelope:       domain.NewEnvelope(domain.MessageConversationRequest, w.ID),
		ConversationID: drop.ConversationID,
		Phase:          drop.Phase,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return domain.Conversation{}, err
	}
	respRaw, err := w.datasetClient.Request(ctx, raw, w.commsTimeout)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: conversation request: %v", domain.ErrCommunicationCreate, err)
	}
	var resp domain.ConversationResponse
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return domain.Conversation{}, err
	}
	return resp.Conversation, nil
}

// callInferenceAPI implements the rest of spec.md §4.6's procedure: honor
// creditDropNs scheduling, send the formatted request (cancelling after
// cancelAfterNs if shouldCancel), and parse the response (unary or SSE).
func (w *Worker) callInferenceAPI(ctx context.Context, drop domain.CreditDrop, turn domain.Turn, dropPerfNs int64) domain.RequestRecord {
	record := domain.RequestRecord{Model: turn.Model}
	if record.Model == "" {
		record.Model = w.uc.Model
	}

	if drop.CreditDropNs > 0 {
		now := time.Now().UnixNano()
		if drop.CreditDropNs > now {
			select {
			case <-time.After(time.Duration(drop.CreditDropNs - now)):
			case <-ctx.Done():
				record.Error = errPtr(ctx.Err())
				record.EndPerfNs = w.nowPerfNs()
				return record
			}
		} else {
			record.DelayedNs = now - drop.CreditDropNs
		}
	}

	body, err := w.formatter.Body(w.uc, turn)
	if err != nil {
		record.Error = errPtr(err)
		record.StartPerfNs = w.nowPerfNs()
		record.EndPerfNs = record.StartPerfNs
		return record
	}

	record.TimestampNs = time.Now().UnixNano()
	record.StartPerfNs = w.nowPerfNs()

	sendCtx := ctx
	var cancel context.CancelFunc
	if drop.ShouldCancel && drop.CancelAfterNs > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, time.Duration(drop.CancelAfterNs))
		defer cancel()
	}

	url := w.uc.ServerURL + w.formatter.Path()
	req, err := buildHTTPRequest(sendCtx, http.MethodPost, url, w.uc.APIKey, body)
	if err != nil {
		record.Error = errPtr(err)
		record.EndPerfNs = w.nowPerfNs()
		return record
	}
	record.CancelAfterNs = drop.CancelAfterNs

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if drop.ShouldCancel && sendCtx.Err() != nil {
			// Timed-out request: spec.md requires the future be cancelled
			// and the finally block produce a timing-only record, not an error.
			record.EndPerfNs = w.nowPerfNs()
			return record
		}
		record.Error = errPtr(err)
		record.EndPerfNs = w.nowPerfNs()
		return record
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		record.StatusCode = resp.StatusCode
		record.Error = &domain.ErrorDetails{Type: "InferenceAPIError", Message: string(errBody), Code: resp.StatusCode}
		record.EndPerfNs = w.nowPerfNs()
		return record
	}
	record.StatusCode = resp.StatusCode

	if w.formatter.Streaming(w.uc) {
		responses, err := w.drainSSE(resp.Body)
		if err != nil {
			record.Error = errPtr(err)
		}
		record.Responses = responses
		record.EndPerfNs = w.nowPerfNs()
		return record
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		record.Error = errPtr(err)
		record.EndPerfNs = w.nowPerfNs()
		return record
	}
	data, err := w.formatter.ParseUnary(raw)
	if err != nil {
		record.Error = errPtr(err)
		record.EndPerfNs = w.nowPerfNs()
		return record
	}
	record.Responses = []domain.Response{{PerfNs: w.nowPerfNs(), Data: data}}
	record.EndPerfNs = w.nowPerfNs()
	return record
}

func (w *Worker) drainSSE(r io.Reader) ([]domain.Response, error) {
	var responses []domain.Response
	err := ParseSSE(r, w.sseIdleTimeout, w.nowPerfNs, func(ev SSEEvent) error {
		if ev.Done() {
			return nil
		}
		if ev.IsError() {
			return fmt.Errorf("%w: %s", domain.ErrSSEResponse, ev.Comment)
		}
		data, ok, err := w.formatter.ParseSSEChunk(ev.Data)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		responses = append(responses, domain.Response{PerfNs: ev.PerfNs, Data: data})
		return nil
	})
	return responses, err
}

func errPtr(err error) *domain.ErrorDetails {
	d := domain.ErrorDetailsFromError(err)
	return &d
}
