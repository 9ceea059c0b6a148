// Package records implements the Records Manager: the aggregation engine
// that pulls MetricRecords/TelemetryRecords, tracks processing state under
// the explicit lock ordering spec.md §4.7 names, checks completion, and
// fans out to the pluggable results-processor interface
// (internal/records/processor) both for periodic real-time snapshots and
// the final summarize pass.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/records/processor"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/transport"
)

// ClassKey is the lifecycle hook class identifier for the Records Manager.
const ClassKey = "records_manager"

var hooksOnce sync.Once

// Manager is the Records Manager service.
type Manager struct {
	*service.ComponentBase

	puller              transport.Puller
	processors          []processor.ResultsProcessor
	telemetryProcessors []processor.TelemetryProcessor
	gracePeriod         time.Duration
	realtimeInterval    time.Duration
	cancelDrainInterval time.Duration
	conditions          []CompletionCondition
	nowNs               func() int64

	// processingStatusLock protects every field below it up to, and
	// including, lastRealtimeTotal — spec.md §4.7's lock ordering.
	processingStatusLock   sync.Mutex
	startTimeNs            int64
	expectedDurationSec    *float64
	processingStats        domain.ProcessingStats
	finalRequestCount      *int
	endTimeNs              int64
	sentAllRecordsReceived bool
	profileCancelled       bool
	timeoutTriggered       bool
	lastRealtimeTotal      int

	// workerStatsLock protects workerStats.
	workerStatsLock sync.Mutex
	workerStats     map[string]domain.ProcessingStats

	// errorSummaryLock protects errorSummary.
	errorSummaryLock sync.Mutex
	errorSummary     map[domain.ErrorDetails]int
}

// NewManager constructs the Records Manager, wiring CONFIGURE/START/CANCEL
// command handlers and the CreditPhaseStart/Complete subscriptions.
func NewManager(cb *service.ComponentBase, puller transport.Puller, processors []processor.ResultsProcessor, telemetryProcessors []processor.TelemetryProcessor, gracePeriod, realtimeInterval, cancelDrainInterval time.Duration) *Manager {
	m := &Manager{
		ComponentBase:       cb,
		puller:              puller,
		processors:          processors,
		telemetryProcessors: telemetryProcessors,
		gracePeriod:         gracePeriod,
		realtimeInterval:    realtimeInterval,
		cancelDrainInterval: cancelDrainInterval,
		conditions:          DefaultConditions(),
		nowNs:               func() int64 { return time.Now().UnixNano() },
		workerStats:         map[string]domain.ProcessingStats{},
		errorSummary:        map[domain.ErrorDetails]int{},
	}
	m.RegisterCommandHandler(domain.CommandProfileConfigure, m.handleConfigure)
	m.RegisterCommandHandler(domain.CommandProfileStart, m.handleStart)
	m.RegisterCommandHandler(domain.CommandProfileCancel, m.handleCancel)

	hooksOnce.Do(func() {
		lifecycle.RegisterOnStart(ClassKey, func(ctx context.Context) error {
			if err := m.Bus().Subscribe(domain.MessageCreditPhaseStart, m.handleCreditPhaseStartPayload); err != nil {
				return fmt.Errorf("%w: subscribe credit_phase_start: %v", domain.ErrCommunicationCreate, err)
			}
			return m.Bus().Subscribe(domain.MessageCreditPhaseComplete, m.handleCreditPhaseCompletePayload)
		})
		lifecycle.RegisterBackgroundTask(ClassKey, lifecycle.BackgroundTaskSpec{
			Name:     "realtime_metrics",
			Interval: func() time.Duration { return m.realtimeInterval },
			Run:      m.runRealtimeTick,
		})
	})
	return m
}

func (m *Manager) handleConfigure(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	if err := m.puller.Pull(domain.MessageMetricRecords, 64, m.handleMetricRecordsPayload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	if err := m.puller.Pull(domain.MessageTelemetryRecords, 16, m.handleTelemetryRecordsPayload); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	if err := m.puller.Start(ctx); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("%w: %v", domain.ErrCommunicationCreate, err)
	}
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseSuccess,
	}, nil
}

func (m *Manager) handleStart(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseAcknowledged,
	}, nil
}

// handleCancel marks the run cancelled and, unless records complete it
// first, force-completes after cancelDrainInterval so in-flight records get
// a bounded grace window before the run is declared over — spec.md §9's
// CancelDrainInterval resolution.
func (m *Manager) handleCancel(ctx context.Context, cmd domain.Command) (domain.CommandResponse, error) {
	m.processingStatusLock.Lock()
	m.profileCancelled = true
	m.processingStatusLock.Unlock()

	go func() {
		time.Sleep(m.cancelDrainInterval)
		m.completeNow(context.Background(), "profile_cancelled")
	}()

	return domain.CommandResponse{
		Envelope:  domain.NewEnvelope(domain.MessageCommandResponse, m.ID),
		CommandID: cmd.CommandID,
		Status:    domain.ResponseAcknowledged,
	}, nil
}

func (m *Manager) handleCreditPhaseStartPayload(ctx context.Context, payload []byte) error {
	var start domain.CreditPhaseStart
	if err := json.Unmarshal(payload, &start); err != nil {
		return err
	}
	if start.Phase != domain.PhaseProfiling {
		return nil
	}
	m.processingStatusLock.Lock()
	m.startTimeNs = start.StartNs
	m.expectedDurationSec = start.ExpectedDurationSec
	m.finalRequestCount = start.TotalExpectedRequests
	m.processingStatusLock.Unlock()
	return nil
}

func (m *Manager) handleCreditPhaseCompletePayload(ctx context.Context, payload []byte) error {
	var complete domain.CreditPhaseComplete
	if err := json.Unmarshal(payload, &complete); err != nil {
		return err
	}
	if complete.Phase != domain.PhaseProfiling {
		return nil
	}
	m.processingStatusLock.Lock()
	m.finalRequestCount = &complete.FinalRequestCount
	m.timeoutTriggered = complete.TimeoutTriggered
	if complete.Cancelled {
		m.profileCancelled = true
	}
	m.processingStatusLock.Unlock()
	m.checkCompletion(ctx)
	return nil
}

// handleMetricRecordsPayload is the per-record flow, spec.md §4.7: drop
// warmup and out-of-window records, dispatch to every results processor,
// update stats, check completion.
func (m *Manager) handleMetricRecordsPayload(ctx context.Context, payload []byte) error {
	var rec domain.MetricRecordsMessage
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	if rec.BenchmarkPhase != domain.PhaseProfiling {
		slog.Debug("dropping non-profiling record", slog.String("phase", string(rec.BenchmarkPhase)))
		return nil
	}
	if !m.inBenchmarkWindow(rec) {
		slog.Debug("dropping out-of-window record", slog.String("worker_id", rec.WorkerID))
		return nil
	}

	for _, p := range m.processors {
		if err := p.Process(ctx, rec); err != nil {
			slog.Error("results processor failed", slog.Any("error", err))
		}
	}

	m.recordStats(rec.WorkerID, rec.Valid(), rec.Error)
	m.checkCompletion(ctx)
	return nil
}

func (m *Manager) handleTelemetryRecordsPayload(ctx context.Context, payload []byte) error {
	var rec domain.TelemetryRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	for _, p := range m.telemetryProcessors {
		if err := p.Process(ctx, rec); err != nil {
			slog.Error("telemetry processor failed", slog.Any("error", err))
		}
	}
	return nil
}

// inBenchmarkWindow applies the grace-period filter: a record whose
// requestEndNs lands beyond startTimeNs + (expectedDurationSec +
// gracePeriod) is discarded wholesale, for all-or-nothing duration-based
// inclusion.
func (m *Manager) inBenchmarkWindow(rec domain.MetricRecordsMessage) bool {
	m.processingStatusLock.Lock()
	defer m.processingStatusLock.Unlock()
	if m.expectedDurationSec == nil || m.startTimeNs == 0 {
		return true
	}
	limitNs := m.startTimeNs + int64((*m.expectedDurationSec+m.gracePeriod.Seconds())*float64(time.Second))
	return rec.RequestEndNs <= limitNs
}

func (m *Manager) recordStats(workerID string, valid bool, errDetails *domain.ErrorDetails) {
	m.processingStatusLock.Lock()
	if valid {
		m.processingStats.Processed++
	} else {
		m.processingStats.Errors++
	}
	m.processingStatusLock.Unlock()

	m.workerStatsLock.Lock()
	stats := m.workerStats[workerID]
	if valid {
		stats.Processed++
	} else {
		stats.Errors++
	}
	m.workerStats[workerID] = stats
	m.workerStatsLock.Unlock()

	if !valid && errDetails != nil {
		m.errorSummaryLock.Lock()
		m.errorSummary[*errDetails]++
		m.errorSummaryLock.Unlock()
	}
}

func (m *Manager) checkCompletion(ctx context.Context) {
	m.processingStatusLock.Lock()
	if m.sentAllRecordsReceived {
		m.processingStatusLock.Unlock()
		return
	}
	state := CompletionState{
		ExpectedDurationSec: m.expectedDurationSec,
		FinalRequestCount:   m.finalRequestCount,
		TotalRecords:        m.processingStats.TotalRecords(),
		TimeoutTriggered:    m.timeoutTriggered,
	}
	m.processingStatusLock.Unlock()

	for _, c := range m.conditions {
		if done, reason := c.Check(state); done {
			m.completeNow(ctx, reason)
			return
		}
	}
}

// completeNow is the one-shot latch: the first caller (whether a regular
// completion condition or the cancel-drain timeout) wins and triggers final
// processing; every later call is a no-op.
func (m *Manager) completeNow(ctx context.Context, reason string) {
	m.processingStatusLock.Lock()
	if m.sentAllRecordsReceived {
		m.processingStatusLock.Unlock()
		return
	}
	m.sentAllRecordsReceived = true
	m.endTimeNs = m.nowNs()
	cancelled := m.profileCancelled
	startNs := m.startTimeNs
	endNs := m.endTimeNs
	finalStats := m.processingStats
	m.processingStatusLock.Unlock()

	slog.Info("all records received", slog.String("service_id", m.ID), slog.String("reason", reason), slog.Bool("cancelled", cancelled))

	msg := domain.AllRecordsReceived{
		Envelope:   domain.NewEnvelope(domain.MessageAllRecordsReceived, m.ID),
		FinalStats: finalStats,
	}
	if err := m.Publish(ctx, domain.MessageAllRecordsReceived, msg); err != nil {
		slog.Error("publish all_records_received failed", slog.Any("error", err))
	}

	go m.processResults(context.Background(), startNs, endNs, cancelled)
}

// processResults runs every results processor's Summarize in parallel via
// errgroup, flattens the union, and emits ProcessRecordsResult followed by
// ProcessTelemetryResult — spec.md §4.7's final-processing step.
func (m *Manager) processResults(ctx context.Context, startNs, endNs int64, cancelled bool) {
	records, err := m.summarizeResultsProcessors(ctx)
	if err != nil {
		slog.Error("summarize results processors failed", slog.Any("error", err))
	}

	result := domain.ProcessRecordsResult{
		Envelope:     domain.NewEnvelope(domain.MessageProcessRecordsResult, m.ID),
		Records:      records,
		StartNs:      startNs,
		EndNs:        endNs,
		ErrorSummary: m.errorSummarySnapshot(),
		Cancelled:    cancelled,
	}
	if err := m.Publish(ctx, domain.MessageProcessRecordsResult, result); err != nil {
		slog.Error("publish process_records_result failed", slog.Any("error", err))
	}

	if len(m.telemetryProcessors) == 0 {
		return
	}
	telRecords, err := m.summarizeTelemetryProcessors(ctx)
	if err != nil {
		slog.Error("summarize telemetry processors failed", slog.Any("error", err))
	}
	telResult := domain.ProcessTelemetryResult{
		Envelope:  domain.NewEnvelope(domain.MessageProcessTelemetryResult, m.ID),
		Records:   telRecords,
		StartNs:   startNs,
		EndNs:     endNs,
		Cancelled: cancelled,
	}
	if err := m.Publish(ctx, domain.MessageProcessTelemetryResult, telResult); err != nil {
		slog.Error("publish process_telemetry_result failed", slog.Any("error", err))
	}
}

func (m *Manager) summarizeResultsProcessors(ctx context.Context) ([]domain.MetricResult, error) {
	out := make([][]domain.MetricResult, len(m.processors))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range m.processors {
		i, p := i, p
		g.Go(func() error {
			records, err := p.Summarize(gctx)
			if err != nil {
				return err
			}
			out[i] = records
			return nil
		})
	}
	err := g.Wait()
	var flat []domain.MetricResult
	for _, r := range out {
		flat = append(flat, r...)
	}
	return flat, err
}

func (m *Manager) summarizeTelemetryProcessors(ctx context.Context) ([]domain.MetricResult, error) {
	out := make([][]domain.MetricResult, len(m.telemetryProcessors))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range m.telemetryProcessors {
		i, p := i, p
		g.Go(func() error {
			records, err := p.Summarize(gctx)
			if err != nil {
				return err
			}
			out[i] = records
			return nil
		})
	}
	err := g.Wait()
	var flat []domain.MetricResult
	for _, r := range out {
		flat = append(flat, r...)
	}
	return flat, err
}

func (m *Manager) errorSummarySnapshot() []domain.ErrorSummaryEntry {
	m.errorSummaryLock.Lock()
	defer m.errorSummaryLock.Unlock()
	out := make([]domain.ErrorSummaryEntry, 0, len(m.errorSummary))
	for e, count := range m.errorSummary {
		out = append(out, domain.ErrorSummaryEntry{Error: e, Count: count})
	}
	return out
}

// runRealtimeTick is the real-time progress background task: skip if
// totalRecords hasn't changed since the last tick, else summarize every
// processor and publish a RealtimeMetrics snapshot.
func (m *Manager) runRealtimeTick(ctx context.Context) error {
	m.processingStatusLock.Lock()
	total := m.processingStats.TotalRecords()
	unchanged := total == m.lastRealtimeTotal
	m.lastRealtimeTotal = total
	m.processingStatusLock.Unlock()
	if unchanged {
		return nil
	}

	records, err := m.summarizeResultsProcessors(ctx)
	if err != nil {
		return err
	}
	msg := domain.RealtimeMetrics{
		Envelope: domain.NewEnvelope(domain.MessageRealtimeMetrics, m.ID),
		Records:  records,
	}
	return m.Publish(ctx, domain.MessageRealtimeMetrics, msg)
}
