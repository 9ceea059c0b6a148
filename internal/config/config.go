// Package config defines process-level configuration (env-parsed) and the
// user-supplied benchmark profile (YAML-parsed, validator-checked).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds process-wide configuration parsed from environment
// variables. Every service process (controller, worker, timing manager, ...)
// loads one of these at boot.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	RedisAddr  string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB    int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`

	DatasetManagerAddr string `env:"DATASET_MANAGER_ADDR" envDefault:"localhost:5561"`
	ControllerAddr      string `env:"CONTROLLER_ADDR" envDefault:"localhost:5559"`
	AdminAddr           string `env:"ADMIN_ADDR" envDefault:":5559"`

	DatasetPath         string        `env:"DATASET_PATH" envDefault:"./dataset.jsonl"`
	DatasetInterDropGap time.Duration `env:"DATASET_INTER_DROP_GAP" envDefault:"100ms"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"aiperf"`

	ArtifactDirectory string `env:"ARTIFACT_DIRECTORY" envDefault:"./artifacts"`

	HeartbeatIntervalSeconds int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"5"`

	ServiceRegistrationTimeout time.Duration `env:"SERVICE_REGISTRATION_TIMEOUT" envDefault:"60s"`
	ProfileConfigureTimeout    time.Duration `env:"PROFILE_CONFIGURE_TIMEOUT" envDefault:"30s"`
	ProfileStartTimeout        time.Duration `env:"PROFILE_START_TIMEOUT" envDefault:"30s"`
	CommsRequestTimeout        time.Duration `env:"COMMS_REQUEST_TIMEOUT" envDefault:"10s"`

	RecordProcessorCount              int  `env:"RECORD_PROCESSOR_COUNT" envDefault:"0"`
	ScaleRecordProcessorsWithWorkers  bool `env:"SCALE_RECORD_PROCESSORS_WITH_WORKERS" envDefault:"true"`
	RecordProcessorScaleFactor        int  `env:"RECORD_PROCESSOR_SCALE_FACTOR" envDefault:"4"`

	CancelDrainInterval time.Duration `env:"CANCEL_DRAIN_INTERVAL" envDefault:"2s"`
	BenchmarkGracePeriodSec float64    `env:"BENCHMARK_GRACE_PERIOD_SEC" envDefault:"1"`

	WorkerMin int `env:"WORKERS_MIN" envDefault:"1"`
	WorkerCap int `env:"WORKERS_CAP" envDefault:"256"`

	WorkerHealthInterval        time.Duration `env:"WORKER_HEALTH_INTERVAL" envDefault:"5s"`
	WorkerStatusSummaryInterval time.Duration `env:"WORKER_STATUS_SUMMARY_INTERVAL" envDefault:"5s"`
	WorkerStaleAfter            time.Duration `env:"WORKER_STALE_AFTER" envDefault:"15s"`

	// Registration retry.
	MaxRegistrationAttempts   int           `env:"MAX_REGISTRATION_ATTEMPTS" envDefault:"30"`
	RegistrationRetryInterval time.Duration `env:"REGISTRATION_RETRY_INTERVAL" envDefault:"1s"`

	TelemetryEnabled bool `env:"TELEMETRY_ENABLED" envDefault:"false"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the process is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the process is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
