// Package config loads the game configuration: tick pacing, the plugin
// directory and its trust settings, sandbox ceilings, save slots, metrics and
// logging. Values come from an optional YAML file, then LUDO_* environment
// variables (LUDO_TICK_RATE, LUDO_SAVE_BACKEND, ...).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatkit/ludo/internal/persistence"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LUDO"

// Config is the root of the game configuration.
type Config struct {
	Tick    TickConfig    `mapstructure:"tick"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Save    SaveConfig    `mapstructure:"save"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// TickConfig paces the simulation.
type TickConfig struct {
	Rate  int `mapstructure:"rate"`  // ticks per second
	Quota int `mapstructure:"quota"` // emissions per plugin per tick, 0 = unlimited
}

// Interval is the wall-clock time between ticks.
func (t TickConfig) Interval() time.Duration {
	if t.Rate <= 0 {
		return 0
	}
	return time.Second / time.Duration(t.Rate)
}

// PluginsConfig locates plugin modules and says which may load.
type PluginsConfig struct {
	Dir           string              `mapstructure:"dir"`
	Watch         bool                `mapstructure:"watch"`
	RequireSigned bool                `mapstructure:"require_signed"`
	TrustedKeys   []string            `mapstructure:"trusted_keys"` // hex ed25519 public keys
	Deny          map[string][]string `mapstructure:"deny"`         // plugin -> message kinds it may not publish
}

// SandboxConfig is the host-wide resource ceiling. Manifests may only
// tighten it.
type SandboxConfig struct {
	MaxHostCalls     int           `mapstructure:"max_host_calls"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
}

// Policy converts the ceiling to a resource policy.
func (s SandboxConfig) Policy() pkgplugin.ResourcePolicy {
	return pkgplugin.ResourcePolicy{
		MaxHostCalls:     s.MaxHostCalls,
		CallTimeout:      s.CallTimeout,
		MemoryLimitPages: s.MemoryLimitPages,
	}
}

// SaveConfig picks the save backend and the autosave slot.
type SaveConfig struct {
	Backend       string        `mapstructure:"backend"`  // file, sqlite or redis
	Location      string        `mapstructure:"location"` // directory, DSN or redis URL
	Slot          string        `mapstructure:"slot"`
	AutosaveEvery time.Duration `mapstructure:"autosave_every"` // 0 disables autosave
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	p := pkgplugin.DefaultResourcePolicy()

	v.SetDefault("tick.rate", 60)
	v.SetDefault("tick.quota", 64)

	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.watch", false)
	v.SetDefault("plugins.require_signed", false)
	v.SetDefault("plugins.trusted_keys", []string{})

	v.SetDefault("sandbox.max_host_calls", p.MaxHostCalls)
	v.SetDefault("sandbox.call_timeout", p.CallTimeout)
	v.SetDefault("sandbox.memory_limit_pages", p.MemoryLimitPages)

	v.SetDefault("save.backend", persistence.BackendFile)
	v.SetDefault("save.location", "saves")
	v.SetDefault("save.slot", "autosave")
	v.SetDefault("save.autosave_every", 0)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration used when no file is given and no
// environment override is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads path (if non-empty) and applies environment overrides. The
// result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Tick.Rate <= 0 {
		errs = append(errs, fmt.Errorf("tick.rate must be positive, got %d", c.Tick.Rate))
	}
	if c.Tick.Quota < 0 {
		errs = append(errs, fmt.Errorf("tick.quota must not be negative, got %d", c.Tick.Quota))
	}
	if c.Plugins.RequireSigned && len(c.Plugins.TrustedKeys) == 0 {
		errs = append(errs, errors.New("plugins.require_signed needs at least one plugins.trusted_keys entry"))
	}
	if err := c.Sandbox.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	switch c.Save.Backend {
	case persistence.BackendFile, persistence.BackendSQLite, persistence.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("save.backend: unknown backend %q", c.Save.Backend))
	}
	if c.Save.AutosaveEvery < 0 {
		errs = append(errs, errors.New("save.autosave_every must not be negative"))
	}
	if c.Save.AutosaveEvery > 0 && c.Save.Slot == "" {
		errs = append(errs, errors.New("save.slot is required when autosave is enabled"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger. A nil w logs to stderr.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
