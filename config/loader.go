// Package config loads broker configuration from YAML files with
// environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("teamwire.yaml").
//	    WithEnvPrefix("TEAMWIRE").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete broker configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" env:"BROKER"`
	Team      TeamConfig      `yaml:"team" env:"TEAM"`
	Analytics AnalyticsConfig `yaml:"analytics" env:"ANALYTICS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// BrokerConfig tunes the transport listener and failure detection.
type BrokerConfig struct {
	// Bind address for the WebSocket listener.
	Addr string `yaml:"addr" env:"ADDR"`
	// Interval between expected heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// Consecutive missed heartbeats before eviction.
	HeartbeatMisses int `yaml:"heartbeat_misses" env:"HEARTBEAT_MISSES"`
	// Outbound queue capacity per session.
	SessionQueueSize int `yaml:"session_queue_size" env:"SESSION_QUEUE_SIZE"`
	// Inbound frames per second per session; zero disables the limit.
	FrameRateLimit float64 `yaml:"frame_rate_limit" env:"FRAME_RATE_LIMIT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Optional certificate pair; the listener serves plain TCP when both
	// are empty.
	TLSCert string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"TLS_KEY"`
}

// TeamConfig holds the team identity and shared key.
type TeamConfig struct {
	// Base64-encoded 32-byte shared key, provisioned out-of-band and
	// identical across all nodes. Key rotation requires restarting every
	// node with the new key.
	Key string `yaml:"key" env:"KEY"`
	// Root directory for team-scoped persistence.
	DataRoot string `yaml:"data_root" env:"DATA_ROOT"`
	// Optional fixed team id; a fresh id is generated when empty and no
	// prior snapshot exists.
	TeamID string `yaml:"team_id" env:"TEAM_ID"`
}

// AnalyticsConfig controls the SQLite ledger analytics mirror.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Database file path; defaults under the team data root when empty.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// Annotate entries with the calling location.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Loader loads configuration with a builder interface.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TEAMWIRE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation step.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.Addr == "" {
		errs = append(errs, "broker addr is required")
	}
	if c.Broker.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if c.Broker.HeartbeatMisses <= 0 {
		errs = append(errs, "heartbeat_misses must be positive")
	}
	if c.Broker.SessionQueueSize <= 0 {
		errs = append(errs, "session_queue_size must be positive")
	}
	if (c.Broker.TLSCert == "") != (c.Broker.TLSKey == "") {
		errs = append(errs, "tls_cert and tls_key must be set together")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "invalid log level "+c.Log.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
