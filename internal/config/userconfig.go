package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aiperf/aiperf/internal/domain"
)

// TimingMode selects which credit-issuing strategy the Timing Manager
// constructs during CONFIGURE.
type TimingMode string

// Timing mode values.
const (
	TimingFixedSchedule TimingMode = "fixed_schedule"
	TimingConcurrency   TimingMode = "concurrency"
	TimingRequestRate   TimingMode = "request_rate"
)

// EndpointType selects the payload-formatting plugin a Worker uses.
type EndpointType string

// Endpoint type values (concrete formatters are pluggable collaborators;
// this enum only names the registry key).
const (
	EndpointChat       EndpointType = "chat"
	EndpointCompletions EndpointType = "completions"
	EndpointEmbeddings EndpointType = "embeddings"
	EndpointRanking    EndpointType = "ranking"
)

// InterArrivalDistribution selects how RequestRate draws inter-arrival
// intervals.
type InterArrivalDistribution string

// Distribution values.
const (
	DistributionConstant InterArrivalDistribution = "constant"
	DistributionPoisson  InterArrivalDistribution = "poisson"
)

// UserConfig is the benchmark profile broadcast via ProfileConfigure. It is
// validated with struct tags so a malformed profile surfaces as a
// ConfigurationError before any service is spawned.
type UserConfig struct {
	Endpoint    EndpointType `yaml:"endpoint" validate:"required,oneof=chat completions embeddings ranking"`
	TimingMode  TimingMode   `yaml:"timing_mode" validate:"required,oneof=fixed_schedule concurrency request_rate"`
	Concurrency int          `yaml:"concurrency" validate:"omitempty,min=1"`

	RequestRate          float64                   `yaml:"request_rate" validate:"omitempty,gt=0"`
	InterArrivalDistribution InterArrivalDistribution `yaml:"inter_arrival_distribution" validate:"omitempty,oneof=constant poisson"`

	TotalExpectedRequests *int     `yaml:"total_expected_requests" validate:"omitempty,min=1"`
	ExpectedDurationSec   *float64 `yaml:"expected_duration_sec" validate:"omitempty,gt=0"`

	WarmupRequests int `yaml:"warmup_requests" validate:"omitempty,min=0"`

	NumWorkers       int `yaml:"num_workers" validate:"omitempty,min=1"`
	RecordProcessors int `yaml:"record_processors" validate:"omitempty,min=0"`

	StreamingEnabled bool `yaml:"streaming_enabled"`
	Model            string `yaml:"model" validate:"required"`

	ServerURL string `yaml:"server_url" validate:"required,url"`
	APIKey    string `yaml:"api_key"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// LoadUserConfig reads and validates a YAML benchmark profile.
func LoadUserConfig(path string) (UserConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return UserConfig{}, fmt.Errorf("op=config.LoadUserConfig: %w", err)
	}
	var uc UserConfig
	if err := yaml.Unmarshal(b, &uc); err != nil {
		return UserConfig{}, fmt.Errorf("op=config.LoadUserConfig: %w", err)
	}
	if err := uc.Validate(); err != nil {
		return UserConfig{}, err
	}
	return uc, nil
}

// Validate enforces cross-field invariants validator struct tags can't
// express (e.g. request_rate required iff timing_mode=request_rate) on top
// of the tag-level checks, surfacing a ConfigurationError.
func (u UserConfig) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	switch u.TimingMode {
	case TimingRequestRate:
		if u.RequestRate <= 0 {
			return fmt.Errorf("%w: request_rate required when timing_mode=request_rate", domain.ErrConfiguration)
		}
	case TimingConcurrency:
		if u.Concurrency <= 0 {
			return fmt.Errorf("%w: concurrency required when timing_mode=concurrency", domain.ErrConfiguration)
		}
	}
	if u.TotalExpectedRequests == nil && u.ExpectedDurationSec == nil {
		return fmt.Errorf("%w: one of total_expected_requests or expected_duration_sec is required", domain.ErrConfiguration)
	}
	return nil
}
