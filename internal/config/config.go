// Package config loads runtime configuration from defaults, an optional
// YAML file, NSMON_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/nightscout-monitor/internal/models"
)

const envPrefix = "NSMON"

// Config holds all configuration for our application
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Client     ClientConfig     `mapstructure:"client" yaml:"client"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Icon       IconConfig       `mapstructure:"icon" yaml:"icon"`
	Display    DisplayConfig    `mapstructure:"display" yaml:"display"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Nightscout NightscoutConfig `mapstructure:"nightscout" yaml:"nightscout"`

	// PrintConfig is set by --print-config and never read from files
	PrintConfig bool `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DefaultRangeHours int           `mapstructure:"default_range_hours" yaml:"default_range_hours"`
}

type ClientConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	HashSecret bool          `mapstructure:"hash_secret" yaml:"hash_secret"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type IconConfig struct {
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

type DisplayConfig struct {
	Unit string `mapstructure:"unit" yaml:"unit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// NightscoutConfig seeds the connection store when it is empty
type NightscoutConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
}

// Seed returns the configured connection, or nil when no URL is set
func (c NightscoutConfig) Seed() *models.Connection {
	if strings.TrimSpace(c.URL) == "" {
		return nil
	}
	return &models.Connection{NightscoutURL: c.URL, APISecret: c.APISecret}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.default_range_hours", 24)

	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("client.rate_limit", 2.0)
	v.SetDefault("client.rate_burst", 4)
	v.SetDefault("client.hash_secret", false)

	v.SetDefault("storage.dir", "")
	v.SetDefault("icon.cache_size", 64)
	v.SetDefault("display.unit", "mg/dL")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("nightscout.url", "")
	v.SetDefault("nightscout.api_secret", "")
}

// flag name -> config key
var flagKeys = map[string]string{
	"addr":        "server.addr",
	"interval":    "sync.interval",
	"range":       "sync.default_range_hours",
	"storage-dir": "storage.dir",
	"unit":        "display.unit",
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"url":         "nightscout.url",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("nightscout-monitor", pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.Bool("print-config", false, "print the effective configuration and exit")
	fs.String("addr", "127.0.0.1:8787", "HTTP listen address")
	fs.Duration("interval", 5*time.Minute, "sync interval")
	fs.Int("range", 24, "default history range in hours (3, 6, 12, 24)")
	fs.String("storage-dir", "", "directory for the stored connection (default: OS config dir)")
	fs.String("unit", "mg/dL", "display unit (mg/dL or mmol/L)")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "text", "log format (text or json)")
	fs.String("url", "", "Nightscout URL used when no connection is stored")
	return fs
}

// Load parses args and merges all configuration sources
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	configPath, _ := fs.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.PrintConfig, _ = fs.GetBool("print-config")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout))
	}
	if _, err := models.ParseTimeRange(c.Sync.DefaultRangeHours); err != nil {
		errs = append(errs, fmt.Errorf("sync.default_range_hours: %w", err))
	}
	if c.Client.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout))
	}
	if c.Client.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("client.rate_limit must not be negative, got %g", c.Client.RateLimit))
	}
	if c.Icon.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("icon.cache_size must be positive, got %d", c.Icon.CacheSize))
	}
	switch c.Display.Unit {
	case "mg/dL", "mmol/L":
	default:
		errs = append(errs, fmt.Errorf("display.unit must be mg/dL or mmol/L, got %q", c.Display.Unit))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// DefaultRange returns the validated initial history window
func (c *Config) DefaultRange() models.TimeRange {
	r, err := models.ParseTimeRange(c.Sync.DefaultRangeHours)
	if err != nil {
		return models.Range24h
	}
	return r
}

// Dump writes the effective configuration as YAML with secrets masked
func (c *Config) Dump(w io.Writer) error {
	out := *c
	if out.Nightscout.APISecret != "" {
		out.Nightscout.APISecret = "********"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// NewLogger builds the application logger
func NewLogger(cfg LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger, nil
}
