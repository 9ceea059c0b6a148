// Command aiperf is the single entrypoint for every AIPerf process: the
// System Controller re-executes this same binary with a --role flag for
// each service it spawns (spec.md §6's single-binary, multi-role
// deployment model), grounded on the teacher's one-main-per-service layout
// (cmd/server, cmd/worker) collapsed into one dispatch table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/controller"
	"github.com/aiperf/aiperf/internal/dataset"
	"github.com/aiperf/aiperf/internal/domain"
	"github.com/aiperf/aiperf/internal/metrics"
	"github.com/aiperf/aiperf/internal/observability"
	"github.com/aiperf/aiperf/internal/records"
	"github.com/aiperf/aiperf/internal/records/processor"
	"github.com/aiperf/aiperf/internal/recordproc"
	"github.com/aiperf/aiperf/internal/service"
	"github.com/aiperf/aiperf/internal/telemetry"
	"github.com/aiperf/aiperf/internal/timing"
	"github.com/aiperf/aiperf/internal/transport"
	"github.com/aiperf/aiperf/internal/transport/httprep"
	"github.com/aiperf/aiperf/internal/transport/kqueue"
	"github.com/aiperf/aiperf/internal/transport/proxy"
	"github.com/aiperf/aiperf/internal/transport/redisbus"
	"github.com/aiperf/aiperf/internal/worker"
	"github.com/aiperf/aiperf/internal/workermgr"
)

// Kafka/Redpanda topics, matching proxy.Topics one-for-one.
const (
	topicCreditDrop       = "aiperf.credit_drop"
	topicCreditReturn     = "aiperf.credit_return"
	topicInferenceResults = "aiperf.inference_results"
	topicMetricRecords    = "aiperf.records"
	topicTelemetryRecords = "aiperf.telemetry_records"
)

func main() {
	role := flag.String("role", string(domain.ServiceSystemController), "service role to run")
	userConfigPath := flag.String("profile", "", "path to the user benchmark profile YAML (system_controller role only)")
	recordProcessors := flag.Int("record-processors", 1, "initial record processor count (system_controller role only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	serviceType := domain.ServiceType(*role)
	if !serviceType.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(1)
	}
	serviceID := domain.NewServiceID(serviceType)

	logger := observability.SetupLogger(cfg, serviceID)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg, serviceID)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	bus := redisbus.New(cfg.RedisAddr, cfg.RedisDB)
	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		slog.Error("event bus start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	switch serviceType {
	case domain.ServiceSystemController:
		runController(ctx, cfg, bus, serviceID, *userConfigPath, *recordProcessors)
	case domain.ServiceDatasetManager:
		runDatasetManager(ctx, cfg, bus, serviceID)
	case domain.ServiceTimingManager:
		runTimingManager(ctx, cfg, bus, serviceID)
	case domain.ServiceWorkerManager:
		runWorkerManager(ctx, cfg, bus, serviceID)
	case domain.ServiceWorker:
		runWorker(ctx, cfg, bus, serviceID)
	case domain.ServiceRecordsManager:
		runRecordsManager(ctx, cfg, bus, serviceID)
	case domain.ServiceRecordProcessor:
		runRecordProcessor(ctx, cfg, bus, serviceID)
	case domain.ServiceTelemetryManager:
		runTelemetryManager(ctx, cfg, bus, serviceID)
	default:
		slog.Error("unhandled role", slog.String("role", string(serviceType)))
		os.Exit(1)
	}
}

// runComponent starts lc, blocks until SIGINT/SIGTERM, then stops it.
func runComponent(ctx context.Context, lc *service.Base) {
	if err := lc.Lifecycle.Initialize(ctx); err != nil {
		slog.Error("service initialize failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := lc.Lifecycle.Start(ctx); err != nil {
		slog.Error("service start failed", slog.Any("error", err))
		os.Exit(1)
	}
	waitForSignal()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := lc.Lifecycle.Stop(stopCtx); err != nil {
		slog.Error("service stop failed", slog.Any("error", err))
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
}

func newQueue(brokers []string, topic string) *kqueue.Queue {
	q, err := kqueue.New(brokers, topic)
	if err != nil {
		slog.Error("kqueue init failed", slog.String("topic", topic), slog.Any("error", err))
		os.Exit(1)
	}
	return q
}

func runController(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID, profilePath string, recordProcessorCount int) {
	base := service.NewBaseWithID(serviceID, domain.ServiceSystemController, controller.ClassKey, bus)
	spawner, err := controller.NewServiceManager()
	if err != nil {
		slog.Error("service manager init failed", slog.Any("error", err))
		os.Exit(1)
	}
	px := proxy.New(cfg.RedisAddr, cfg.KafkaBrokers)
	exporter := controller.NewFileExporter(cfg.ArtifactDirectory)
	ctrl := controller.NewController(base, cfg, spawner, px, exporter)

	admin := controller.NewAdminServer(ctrl, cfg.AdminAddr)
	if err := admin.Start(ctx); err != nil {
		slog.Error("admin server start failed", slog.Any("error", err))
	}
	defer func() { _ = admin.Close() }()

	if err := ctrl.Bootstrap(ctx, recordProcessorCount, cfg.TelemetryEnabled); err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	if profilePath == "" {
		slog.Error("--profile is required for the system_controller role")
		os.Exit(1)
	}
	uc, err := config.LoadUserConfig(profilePath)
	if err != nil {
		slog.Error("user config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := ctrl.RunWithSignals(ctx, uc, time.Duration(cfg.BenchmarkGracePeriodSec*float64(time.Second))); err != nil {
		slog.Error("profile run failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("profile run complete")
}

func runDatasetManager(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	corpus, err := dataset.LoadCorpus(cfg.DatasetPath)
	if err != nil {
		slog.Error("corpus load failed", slog.Any("error", err))
		os.Exit(1)
	}
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceDatasetManager, dataset.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	replier := httprep.NewServer(cfg.DatasetManagerAddr)
	mgr := dataset.NewManager(cb, replier, corpus, cfg.DatasetInterDropGap)
	runComponent(ctx, mgr.Base)
}

func runTimingManager(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceTimingManager, timing.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	datasetClient := httprep.NewClient("http://" + cfg.DatasetManagerAddr)
	pusher := newQueue(cfg.KafkaBrokers, topicCreditDrop)
	puller := newQueue(cfg.KafkaBrokers, topicCreditReturn)
	mgr := timing.NewManager(cb, datasetClient, pusher, puller, cfg.CommsRequestTimeout)
	runComponent(ctx, mgr.Base)
}

func runWorkerManager(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceWorkerManager, workermgr.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	mgr := workermgr.NewManager(cb, cfg.WorkerMin, cfg.WorkerCap, cfg.CommsRequestTimeout, cfg.WorkerStatusSummaryInterval, cfg.WorkerStaleAfter)
	runComponent(ctx, mgr.Base)
}

func runWorker(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceWorker, worker.ClassKey, bus,
		cfg.WorkerHealthInterval, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	datasetClient := httprep.NewClient("http://" + cfg.DatasetManagerAddr)
	puller := newQueue(cfg.KafkaBrokers, topicCreditDrop)
	pusher := newQueue(cfg.KafkaBrokers, topicInferenceResults)
	w := worker.NewWorker(cb, datasetClient, puller, pusher, &http.Client{}, cfg.CommsRequestTimeout, cfg.CommsRequestTimeout, cfg.WorkerHealthInterval)
	runComponent(ctx, w.Base)
}

func runRecordsManager(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceRecordsManager, records.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	recordsQueue := newQueue(cfg.KafkaBrokers, topicMetricRecords)
	telemetryQueue := newQueue(cfg.KafkaBrokers, topicTelemetryRecords)
	puller := transport.NewMultiPuller(recordsQueue, telemetryQueue)

	resultsProcessor := metrics.NewResultsProcessor(metrics.DefaultRegistry())
	telemetryProcessor := metrics.NewTelemetryProcessor()

	mgr := records.NewManager(cb, puller,
		[]processor.ResultsProcessor{resultsProcessor},
		[]processor.TelemetryProcessor{telemetryProcessor},
		time.Duration(cfg.BenchmarkGracePeriodSec*float64(time.Second)), domain.RealtimeMetricsInterval, cfg.CancelDrainInterval)
	runComponent(ctx, mgr.Base)
}

func runRecordProcessor(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceRecordProcessor, recordproc.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	puller := newQueue(cfg.KafkaBrokers, topicInferenceResults)
	pusher := newQueue(cfg.KafkaBrokers, topicMetricRecords)
	svc := recordproc.NewService(cb, puller, pusher, recordproc.NewCounter(), cfg.WorkerCap)
	runComponent(ctx, svc.Base)
}

func runTelemetryManager(ctx context.Context, cfg config.Config, bus *redisbus.Bus, serviceID string) {
	cb := service.NewComponentBaseWithID(serviceID, domain.ServiceTelemetryManager, telemetry.ClassKey, bus,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, cfg.MaxRegistrationAttempts, cfg.RegistrationRetryInterval, cfg.CommsRequestTimeout)
	pusher := newQueue(cfg.KafkaBrokers, topicTelemetryRecords)
	mgr := telemetry.NewManager(cb, pusher, cfg.WorkerStatusSummaryInterval)
	runComponent(ctx, mgr.Base)
}
