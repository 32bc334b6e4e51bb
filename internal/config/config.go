// Package config defines the global configuration structure for MomentWatch.
// Configuration is loaded once at process start and is immutable thereafter.
// It follows 12-Factor App principles by strictly separating code from
// configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Struct Defaults (Lowest)
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"
)

// Config is the top-level configuration struct for MomentWatch.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"momentwatch"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Moment        MomentConfig
	Poll          PollConfig
	Breaker       BreakerConfig
	Server        ServerConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// MomentConfig describes where and how the moment window is fetched and the
// timezone it is interpreted in.
type MomentConfig struct {
	// Regions is the comma-separated list of sensors to run, one per region.
	Regions          []string      `envconfig:"MOMENT_REGIONS" default:"us-central" validate:"min=1,dive,required,excludesall=/?#{}"`
	EndpointTemplate string        `envconfig:"MOMENT_ENDPOINT_TEMPLATE" default:"https://mobile-l7.bereal.com/api/bereal/moments/last/{region}" validate:"required,contains={region}"`
	Timezone         string        `envconfig:"MOMENT_TIMEZONE" default:"Local" validate:"required"` // IANA name or "Local"
	FetchTimeout     time.Duration `envconfig:"MOMENT_FETCH_TIMEOUT" default:"10s" validate:"gt=0"`
	UserAgent        string        `envconfig:"MOMENT_USER_AGENT"` // defaults to Build.UserAgent
	MaxRetries       int           `envconfig:"MOMENT_MAX_RETRIES" default:"0" validate:"min=0,max=5"`
}

// Location resolves Timezone. "Local" maps to the host's local zone.
func (m MomentConfig) Location() (*time.Location, error) {
	if m.Timezone == "" || m.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(m.Timezone)
}

// PollConfig holds the adaptive cadence.
type PollConfig struct {
	ShortInterval time.Duration `envconfig:"POLL_SHORT_INTERVAL" default:"5s" validate:"gt=0"`
	LongInterval  time.Duration `envconfig:"POLL_LONG_INTERVAL" default:"2h" validate:"gtfield=ShortInterval"`
	// FixedInterval > 0 disables adaptive scheduling.
	FixedInterval time.Duration `envconfig:"POLL_FIXED_INTERVAL" default:"0s" validate:"min=0"`
	// BackoffMax > ShortInterval enables capped exponential backoff on errors.
	BackoffMax time.Duration `envconfig:"POLL_BACKOFF_MAX" default:"0s" validate:"min=0"`
}

// BreakerConfig tunes the circuit breaker around the moment API.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5" validate:"min=1"`
	OpenTimeout         time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s" validate:"gt=0"`
}

// ServerConfig holds the status server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// TransitionQueue receives instance transitions when set.
	TransitionQueue string `envconfig:"SQS_TRANSITIONS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MomentWatch"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
