// loader.go implements the configuration loading lifecycle for MomentWatch.
//
// The loading sequence is:
//  1. Load .env file via godotenv (non-fatal if absent).
//  2. Require APP_ENV.
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Normalize list values.
//  5. Populate BuildInfo and derive the default User-Agent from it.
//  6. Validate the struct using go-playground/validator, then resolve the
//     observer timezone.
//
// The process timezone is never modified; the resolver reads MOMENT_TIMEZONE.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the MomentWatch configuration.
func LoadConfig() (*Config, error) {
	// godotenv.Load does NOT override variables already in the environment.
	_ = godotenv.Load()

	if v, ok := os.LookupEnv("APP_ENV"); !ok || v == "" {
		return nil, &ConfigError{
			Type:    ErrMissingEnv,
			Message: "APP_ENV must be set",
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Moment.Regions = normalizeList(cfg.Moment.Regions)
	cfg.Build = NewBuildInfo()
	if cfg.Moment.UserAgent == "" {
		cfg.Moment.UserAgent = cfg.Build.UserAgent(cfg.Service)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct rules and that the configured timezone exists.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if _, err := cfg.Moment.Location(); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("unknown MOMENT_TIMEZONE %q", cfg.Moment.Timezone),
			Err:     err,
		}
	}

	seen := make(map[string]struct{}, len(cfg.Moment.Regions))
	for _, region := range cfg.Moment.Regions {
		if _, dup := seen[region]; dup {
			return &ConfigError{
				Type:    ErrValidation,
				Message: fmt.Sprintf("duplicate region %q in MOMENT_REGIONS", region),
			}
		}
		seen[region] = struct{}{}
	}

	return nil
}

// normalizeList trims whitespace around entries and drops empty ones.
func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
