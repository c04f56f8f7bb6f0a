// Package config loads sheetsync settings.
//
// Values come, lowest precedence first, from built-in defaults, a
// sheetsync.toml or sheetsync.yaml file, SHEETSYNC_* environment variables
// (dots become underscores, so sync.poll_interval is
// SHEETSYNC_SYNC_POLL_INTERVAL) and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHEETSYNC"

// Config is the full settings tree.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Push    PushConfig    `mapstructure:"push"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Options OptionsConfig `mapstructure:"options"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

type APIConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Token    string `mapstructure:"token"`
	Audience string `mapstructure:"audience"`
}

type SyncConfig struct {
	Debounce          time.Duration `mapstructure:"debounce"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	WriteDeadline     time.Duration `mapstructure:"write_deadline"`
	PendingIndicator  time.Duration `mapstructure:"pending_indicator"`
	MaxWriteAttempts  int           `mapstructure:"max_write_attempts"`
}

type PushConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	URL                  string        `mapstructure:"url"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	MaxSetupAttempts     int           `mapstructure:"max_setup_attempts"`
}

type CacheConfig struct {
	// Path of the sqlite snapshot cache; empty disables it
	Path string `mapstructure:"path"`
}

type OptionsConfig struct {
	File string `mapstructure:"file"`
}

type LogConfig struct {
	// File enables rotating file output; empty logs to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090"
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	DSN             string        `mapstructure:"dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	Audience        string        `mapstructure:"audience"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	WriteDelay      time.Duration `mapstructure:"write_delay"`
}

// Dir returns $HOME/.sheetsync, or .sheetsync when there is no home.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetsync"
	}
	return filepath.Join(home, ".sheetsync")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.token", "")
	v.SetDefault("api.audience", "sheetsync")

	v.SetDefault("sync.debounce", 500*time.Millisecond)
	v.SetDefault("sync.poll_interval", 5*time.Second)
	v.SetDefault("sync.rate_limit_cooldown", 5*time.Minute)
	v.SetDefault("sync.write_deadline", 20*time.Second)
	v.SetDefault("sync.pending_indicator", 500*time.Millisecond)
	v.SetDefault("sync.max_write_attempts", 5)

	v.SetDefault("push.enabled", true)
	v.SetDefault("push.url", "")
	v.SetDefault("push.base_delay", time.Second)
	v.SetDefault("push.max_delay", 30*time.Second)
	v.SetDefault("push.max_reconnect_attempts", 10)
	v.SetDefault("push.max_setup_attempts", 5)

	v.SetDefault("cache.path", filepath.Join(Dir(), "cache.db"))
	v.SetDefault("options.file", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.dsn", "memory://")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.audience", "sheetsync")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("server.write_delay", time.Duration(0))
}

// New returns a viper instance with defaults and environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. path names an
// explicit file; when empty, sheetsync.{toml,yaml} is searched in the
// working directory and Dir(). A missing searched file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sheetsync")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the sync engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"sync.debounce", c.Sync.Debounce},
		{"sync.poll_interval", c.Sync.PollInterval},
		{"sync.rate_limit_cooldown", c.Sync.RateLimitCooldown},
		{"sync.write_deadline", c.Sync.WriteDeadline},
		{"sync.pending_indicator", c.Sync.PendingIndicator},
		{"push.base_delay", c.Push.BaseDelay},
		{"push.max_delay", c.Push.MaxDelay},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.key, d.d)
		}
	}
	if c.Push.MaxDelay < c.Push.BaseDelay {
		return fmt.Errorf("push.max_delay (%v) is below push.base_delay (%v)", c.Push.MaxDelay, c.Push.BaseDelay)
	}
	if c.Sync.MaxWriteAttempts < 1 {
		return fmt.Errorf("sync.max_write_attempts must be at least 1")
	}
	if c.Push.MaxReconnectAttempts < 1 || c.Push.MaxSetupAttempts < 1 {
		return fmt.Errorf("push attempt limits must be at least 1")
	}
	return nil
}

// Watch reloads the config file on change and calls onChange with the new
// settings. Invalid edits are passed to onError and otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config, fsnotify.Event), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("ignoring %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg, e)
	})
	v.WatchConfig()
}
