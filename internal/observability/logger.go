// Package observability configures logging, tracing, and metrics for every
// AIPerf process, grounded on the teacher's internal/adapter/observability
// package.
package observability

import (
	"log/slog"
	"os"

	"github.com/aiperf/aiperf/internal/config"
)

// SetupLogger configures a JSON slog logger tagged with the process's
// service identity, matching the teacher's SetupLogger.
func SetupLogger(cfg config.Config, serviceID string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("service_id", serviceID),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
