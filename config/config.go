// Package config loads engine settings, handler, saga and wave definitions
// from YAML or TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/wave"
)

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

const (
	EnvStoreDriver = "MIGRATION_STORE_DRIVER"
	EnvStoreDSN    = "MIGRATION_STORE_DSN"
	EnvRedisAddr   = "MIGRATION_REDIS_ADDR"
	EnvLogLevel    = "MIGRATION_LOG_LEVEL"
)

// Config is the root configuration document.
type Config struct {
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Handlers  []HandlerConfig `yaml:"handlers" toml:"handlers"`
	Sagas     []SagaConfig    `yaml:"sagas" toml:"sagas"`
	Waves     []WaveConfig    `yaml:"waves" toml:"waves"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	// Driver is memory, redis, postgres or sqlite.
	Driver    string `yaml:"driver" toml:"driver"`
	DSN       string `yaml:"dsn" toml:"dsn"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
	Table     string `yaml:"table" toml:"table"`
	// Codec is json or msgpack.
	Codec string `yaml:"codec" toml:"codec"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	// LogEvents limits logged events to matching types, e.g. "saga.*" or "#.failed".
	LogEvents []string `yaml:"log_events" toml:"log_events"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// EngineConfig tunes the saga engine and wave orchestrator.
type EngineConfig struct {
	Idempotency        bool            `yaml:"idempotency" toml:"idempotency"`
	DefaultConcurrency int             `yaml:"default_concurrency" toml:"default_concurrency"`
	SchedulerTimeout   Duration        `yaml:"scheduler_timeout" toml:"scheduler_timeout"`
	Scheduler          SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
}

// SchedulerConfig tunes the cron scheduler behind scheduled waves and
// periodic recovery.
type SchedulerConfig struct {
	// Location is an IANA time zone name; empty means local time.
	Location string `yaml:"location" toml:"location"`
	// Parser is default, standard or seconds.
	Parser string `yaml:"parser" toml:"parser"`
	// RecoverySchedule is a cron expression or descriptor, e.g. "@every 5m".
	// Empty disables periodic recovery.
	RecoverySchedule string `yaml:"recovery_schedule" toml:"recovery_schedule"`
}

// TimeLocation resolves Location.
func (c SchedulerConfig) TimeLocation() (*time.Location, error) {
	if strings.TrimSpace(c.Location) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(strings.TrimSpace(c.Location))
}

// HandlerConfig declares a named handler built by the CLI.
type HandlerConfig struct {
	Name string `yaml:"name" toml:"name"`
	// Kind is noop, fail or webhook.
	Kind    string            `yaml:"kind" toml:"kind"`
	URL     string            `yaml:"url" toml:"url"`
	Method  string            `yaml:"method" toml:"method"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Result  map[string]any    `yaml:"result" toml:"result"`
	Message string            `yaml:"message" toml:"message"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Base        Duration `yaml:"base" toml:"base"`
	Factor      float64  `yaml:"factor" toml:"factor"`
	Max         Duration `yaml:"max" toml:"max"`
}

type MilestoneConfig struct {
	Name              string       `yaml:"name" toml:"name"`
	Order             int          `yaml:"order" toml:"order"`
	Handler           string       `yaml:"handler" toml:"handler"`
	Compensation      string       `yaml:"compensation" toml:"compensation"`
	Irreversible      bool         `yaml:"irreversible" toml:"irreversible"`
	IdempotencyKey    string       `yaml:"idempotency_key" toml:"idempotency_key"`
	Timeout           Duration     `yaml:"timeout" toml:"timeout"`
	Retry             RetryConfig  `yaml:"retry" toml:"retry"`
	CompensationRetry *RetryConfig `yaml:"compensation_retry" toml:"compensation_retry"`
	Location          string       `yaml:"location" toml:"location"`
}

type SagaConfig struct {
	Type              string            `yaml:"type" toml:"type"`
	Timeout           Duration          `yaml:"timeout" toml:"timeout"`
	CompletedLocation string            `yaml:"completed_location" toml:"completed_location"`
	Milestones        []MilestoneConfig `yaml:"milestones" toml:"milestones"`
}

type CriteriaConfig struct {
	Statuses   []string       `yaml:"statuses" toml:"statuses"`
	Locations  []string       `yaml:"locations" toml:"locations"`
	EntityIDs  []string       `yaml:"entity_ids" toml:"entity_ids"`
	Attributes map[string]any `yaml:"attributes" toml:"attributes"`
	Limit      int            `yaml:"limit" toml:"limit"`
}

type WaveConfig struct {
	ID             string         `yaml:"id" toml:"id"`
	Number         int            `yaml:"number" toml:"number"`
	Name           string         `yaml:"name" toml:"name"`
	Description    string         `yaml:"description" toml:"description"`
	SagaType       string         `yaml:"saga_type" toml:"saga_type"`
	Selection      CriteriaConfig `yaml:"selection" toml:"selection"`
	TargetSystem   string         `yaml:"target_system" toml:"target_system"`
	ScheduledStart string         `yaml:"scheduled_start" toml:"scheduled_start"`
	Concurrency    int            `yaml:"concurrency" toml:"concurrency"`
	LaunchRate     float64        `yaml:"launch_rate" toml:"launch_rate"`
	InitialContext map[string]any `yaml:"initial_context" toml:"initial_context"`
	Gates          []wave.Gate    `yaml:"gates" toml:"gates"`
}

// Default returns an in-memory configuration with info logging.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "memory", Codec: "json"},
		Logging: LoggingConfig{Level: "info"},
		Engine:  EngineConfig{DefaultConcurrency: wave.DefaultConcurrency},
	}
}

// Load reads path, picking the format from its extension, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, migration.NewError(migration.ErrInvalidConfiguration, fmt.Sprintf("config load failed (%s)", path), err, nil)
	}
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FormatFor maps a file extension to a Format. JSON is read as YAML.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", migration.NewError(migration.ErrInvalidConfiguration, "unsupported config extension", nil, map[string]any{
		"path": path,
	})
}

// Parse decodes data over Default without validating it.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, cfg)
	case FormatTOML:
		_, err = toml.Decode(string(data), cfg)
	default:
		return nil, migration.NewError(migration.ErrInvalidConfiguration, "unsupported config format", nil, map[string]any{
			"format": string(format),
		})
	}
	if err != nil {
		return nil, migration.NewError(migration.ErrInvalidConfiguration, "config parse failed", err, map[string]any{
			"format": string(format),
		})
	}
	return cfg, nil
}

// ApplyEnv overrides store and logging settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvStoreDriver); ok && strings.TrimSpace(v) != "" {
		c.Store.Driver = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvStoreDSN); ok && strings.TrimSpace(v) != "" {
		c.Store.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRedisAddr); ok && strings.TrimSpace(v) != "" {
		c.Store.RedisAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
}
