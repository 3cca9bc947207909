package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7341", cfg.Broker.Addr)
	assert.Equal(t, 5*time.Second, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Broker.HeartbeatMisses)
	assert.Equal(t, 64, cfg.Broker.SessionQueueSize)
	assert.Equal(t, float64(200), cfg.Broker.FrameRateLimit)
	assert.True(t, cfg.Analytics.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.NotEmpty(t, cfg.Team.DataRoot)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamwire.yaml")
	data := `
broker:
  addr: ":9000"
  heartbeat_interval: 2s
  heartbeat_misses: 3
team:
  key: "dGVzdC1rZXk"
  team_id: "team-from-file"
log:
  level: debug
  format: json
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Broker.Addr)
	assert.Equal(t, 2*time.Second, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Broker.HeartbeatMisses)
	assert.Equal(t, "dGVzdC1rZXk", cfg.Team.Key)
	assert.Equal(t, "team-from-file", cfg.Team.TeamID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)

	// Untouched fields keep their defaults.
	assert.Equal(t, 64, cfg.Broker.SessionQueueSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/teamwire.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":7341", cfg.Broker.Addr)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker: [not a map"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  addr: \":9000\"\n"), 0o644))

	t.Setenv("TEAMWIRE_BROKER_ADDR", ":9100")
	t.Setenv("TEAMWIRE_BROKER_HEARTBEAT_INTERVAL", "750ms")
	t.Setenv("TEAMWIRE_BROKER_FRAME_RATE_LIMIT", "50.5")
	t.Setenv("TEAMWIRE_TEAM_KEY", "env-key")
	t.Setenv("TEAMWIRE_ANALYTICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Broker.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 50.5, cfg.Broker.FrameRateLimit)
	assert.Equal(t, "env-key", cfg.Team.Key)
	assert.False(t, cfg.Analytics.Enabled)
}

func TestEnvCustomPrefix(t *testing.T) {
	t.Setenv("TW_BROKER_ADDR", ":9200")

	cfg, err := NewLoader().WithEnvPrefix("TW").Load()
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Broker.Addr)
}

func TestEnvBadValue(t *testing.T) {
	t.Setenv("TEAMWIRE_BROKER_HEARTBEAT_MISSES", "many")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestCustomValidator(t *testing.T) {
	sentinel := errors.New("key is required")
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Team.Key == "" {
				return sentinel
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, sentinel)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Broker.Addr = ""
	cfg.Broker.HeartbeatMisses = 0
	cfg.Broker.TLSCert = "cert.pem"
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker addr is required")
	assert.Contains(t, err.Error(), "heartbeat_misses must be positive")
	assert.Contains(t, err.Error(), "tls_cert and tls_key must be set together")
	assert.Contains(t, err.Error(), "invalid log level")
}
