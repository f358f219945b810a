// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Report store backends.
const (
	ReportBackendFile     = "file"
	ReportBackendSQLite   = "sqlite"
	ReportBackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // debug runs are answered synchronously

	// Prediction service settings.
	PredictURL         string
	PredictTimeout     time.Duration // per attempt
	PredictMaxAttempts int
	PredictBaseDelay   time.Duration

	// Game and run limits.
	MaxPlies       int
	MaxGames       int // 0 disables the cap
	MaxConcurrency int // 0 disables the cap

	// Report storage.
	ReportBackend string // "file", "sqlite" or "postgres"
	ArtifactsDir  string
	SQLitePath    string
	DatabaseURL   string // required for the postgres backend

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Rate limiting for run submission.
	RateLimitEnabled bool
	RateLimitPerMin  float64

	// Operational settings.
	LogLevel             string
	MaxRequestBodyBytes  int64
	ShutdownHTTPTimeout  time.Duration
	ShutdownDrainTimeout time.Duration // wait for in-flight runs to persist
}

// Load reads configuration from environment variables with defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var r envReader
	cfg := Config{
		Port:                 r.int("SELFPLAY_PORT", 8010),
		ReadTimeout:          r.duration("SELFPLAY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         r.duration("SELFPLAY_WRITE_TIMEOUT", 5*time.Minute),
		PredictURL:           envStr("SERVE_PREDICT_URL", "http://localhost:8009/v1/predict"),
		PredictTimeout:       r.duration("SELFPLAY_PREDICT_TIMEOUT", 3*time.Second),
		PredictMaxAttempts:   r.int("SELFPLAY_PREDICT_MAX_ATTEMPTS", 3),
		PredictBaseDelay:     r.duration("SELFPLAY_PREDICT_BASE_DELAY", 100*time.Millisecond),
		MaxPlies:             r.int("SELFPLAY_MAX_PLIES", 512),
		MaxGames:             r.int("SELFPLAY_MAX_GAMES", 10000),
		MaxConcurrency:       r.int("SELFPLAY_MAX_CONCURRENCY", 64),
		ReportBackend:        strings.ToLower(envStr("SELFPLAY_REPORT_BACKEND", ReportBackendFile)),
		ArtifactsDir:         envStr("SELFPLAY_ARTIFACTS_DIR", "artifacts/selfplay"),
		SQLitePath:           envStr("SELFPLAY_SQLITE_PATH", "artifacts/selfplay/reports.db"),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         r.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "selfplay"),
		RateLimitEnabled:     r.bool("SELFPLAY_RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:      r.float("SELFPLAY_RATE_LIMIT_PER_MIN", 60),
		LogLevel:             envStr("SELFPLAY_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:  int64(r.int("SELFPLAY_MAX_REQUEST_BODY_BYTES", 64*1024)),
		ShutdownHTTPTimeout:  r.duration("SELFPLAY_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
		ShutdownDrainTimeout: r.duration("SELFPLAY_SHUTDOWN_DRAIN_TIMEOUT", 30*time.Second),
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("SELFPLAY_PORT must be in 1..65535, got %d", c.Port))
	}
	if c.PredictURL == "" {
		errs = append(errs, errors.New("SERVE_PREDICT_URL is required"))
	}
	if c.PredictTimeout <= 0 {
		errs = append(errs, errors.New("SELFPLAY_PREDICT_TIMEOUT must be positive"))
	}
	if c.PredictMaxAttempts <= 0 {
		errs = append(errs, errors.New("SELFPLAY_PREDICT_MAX_ATTEMPTS must be positive"))
	}
	if c.PredictBaseDelay < 0 {
		errs = append(errs, errors.New("SELFPLAY_PREDICT_BASE_DELAY must not be negative"))
	}
	if c.MaxPlies <= 0 {
		errs = append(errs, errors.New("SELFPLAY_MAX_PLIES must be positive"))
	}
	if c.MaxGames < 0 {
		errs = append(errs, errors.New("SELFPLAY_MAX_GAMES must not be negative"))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, errors.New("SELFPLAY_MAX_CONCURRENCY must not be negative"))
	}
	switch c.ReportBackend {
	case ReportBackendFile, ReportBackendSQLite:
	case ReportBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when SELFPLAY_REPORT_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("SELFPLAY_REPORT_BACKEND=%q is not one of file, sqlite, postgres", c.ReportBackend))
	}
	if c.RateLimitEnabled && c.RateLimitPerMin <= 0 {
		errs = append(errs, errors.New("SELFPLAY_RATE_LIMIT_PER_MIN must be positive when rate limiting is enabled"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("SELFPLAY_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// envReader collects parse errors so Load can report all of them at once.
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	r.add(err)
	return v
}

func (r *envReader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	r.add(err)
	return v
}

func (r *envReader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	r.add(err)
	return v
}

func (r *envReader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	r.add(err)
	return v
}

func (r *envReader) add(err error) {
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
