package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the baseline configuration applied before file and
// environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr:              ":7341",
			HeartbeatInterval: 5 * time.Second,
			HeartbeatMisses:   5,
			SessionQueueSize:  64,
			FrameRateLimit:    200,
			ShutdownTimeout:   15 * time.Second,
		},
		Team: TeamConfig{
			DataRoot: defaultDataRoot(),
		},
		Analytics: AnalyticsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "teamwire", "teams")
	}
	return filepath.Join(home, ".teamwire", "teams")
}
