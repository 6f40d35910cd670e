package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-monitor/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 24, cfg.Sync.DefaultRangeHours)
	assert.Equal(t, models.Range24h, cfg.DefaultRange())
	assert.Equal(t, 30*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 2.0, cfg.Client.RateLimit)
	assert.Equal(t, 4, cfg.Client.RateBurst)
	assert.False(t, cfg.Client.HashSecret)
	assert.Empty(t, cfg.Storage.Dir)
	assert.Equal(t, 64, cfg.Icon.CacheSize)
	assert.Equal(t, "mg/dL", cfg.Display.Unit)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Nil(t, cfg.Nightscout.Seed())
	assert.False(t, cfg.PrintConfig)
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  addr: "0.0.0.0:9000"
sync:
  interval: 1m
  default_range_hours: 6
client:
  rate_limit: 0
  hash_secret: true
logging:
  level: "debug"
  format: "json"
nightscout:
  url: "https://ns.example.com"
  api_secret: "topsecret"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load([]string{"--config", configPath})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, models.Range6h, cfg.DefaultRange())
	assert.Equal(t, 0.0, cfg.Client.RateLimit)
	assert.True(t, cfg.Client.HashSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	seed := cfg.Nightscout.Seed()
	require.NotNil(t, seed)
	assert.Equal(t, "https://ns.example.com", seed.NightscoutURL)
	assert.Equal(t, "topsecret", seed.APISecret)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("NSMON_SYNC_INTERVAL", "2m")
	t.Setenv("NSMON_CLIENT_RATE_LIMIT", "5")
	t.Setenv("NSMON_NIGHTSCOUT_URL", "https://env.example.com")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("sync:\n  interval: 1m\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load([]string{"--config", configPath})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval, "env wins over file")
	assert.Equal(t, 5.0, cfg.Client.RateLimit)
	assert.Equal(t, "https://env.example.com", cfg.Nightscout.URL)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("NSMON_SERVER_ADDR", "127.0.0.1:1111")
	t.Setenv("NSMON_LOGGING_LEVEL", "warn")

	cfg, err := Load([]string{"--addr", ":2222", "--range", "3", "--unit", "mmol/L", "--print-config"})
	require.NoError(t, err)

	assert.Equal(t, ":2222", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, models.Range3h, cfg.DefaultRange())
	assert.Equal(t, "mmol/L", cfg.Display.Unit)
	assert.True(t, cfg.PrintConfig)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"range", []string{"--range", "5"}, nil},
		{"interval", []string{"--interval", "0s"}, nil},
		{"unit", []string{"--unit", "mg"}, nil},
		{"log level", []string{"--log-level", "loud"}, nil},
		{"log format", []string{"--log-format", "xml"}, nil},
		{"cache size", nil, map[string]string{"NSMON_ICON_CACHE_SIZE": "0"}},
		{"rate limit", nil, map[string]string{"NSMON_CLIENT_RATE_LIMIT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestDumpMasksSecret(t *testing.T) {
	cfg, err := Load([]string{"--url", "https://ns.example.com"})
	require.NoError(t, err)
	cfg.Nightscout.APISecret = "topsecret"

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	out := buf.String()
	assert.Contains(t, out, "url: https://ns.example.com")
	assert.Contains(t, out, "interval: 5m0s")
	assert.NotContains(t, out, "topsecret")
	assert.Equal(t, "topsecret", cfg.Nightscout.APISecret, "dump must not modify the config")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = NewLogger(LoggingConfig{Level: "nope"})
	assert.Error(t, err)
}
