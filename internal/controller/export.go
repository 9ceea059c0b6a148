package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// Exporter runs against the EXPORT phase's collected results. Concrete
// exporters (JSON, CSV, ...) are pluggable collaborators behind this
// interface, matching spec.md's non-goal of mandating a specific export
// format.
type Exporter interface {
	Export(ctx context.Context, profile *domain.ProcessRecordsResult, telemetry *domain.ProcessTelemetryResult) error
}

// artifactBundle is the on-disk shape written by FileExporter.
type artifactBundle struct {
	Profile   *domain.ProcessRecordsResult   `json:"profile,omitempty"`
	Telemetry *domain.ProcessTelemetryResult `json:"telemetry,omitempty"`
}

// FileExporter writes the collected results to a single JSON artifact under
// Dir, timestamped so repeated runs against the same directory don't
// collide.
type FileExporter struct {
	Dir string
	now func() time.Time
}

// NewFileExporter constructs a FileExporter writing under dir.
func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{Dir: dir, now: time.Now}
}

func (f *FileExporter) Export(ctx context.Context, profile *domain.ProcessRecordsResult, telemetry *domain.ProcessTelemetryResult) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create artifact directory: %v", domain.ErrService, err)
	}
	bundle := artifactBundle{Profile: profile, Telemetry: telemetry}
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("profile_export_%d.json", f.now().UnixNano())
	path := filepath.Join(f.Dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write artifact %s: %v", domain.ErrService, path, err)
	}
	return nil
}
