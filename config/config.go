// Package config provides YAML-based configuration loading for the IPC transport.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/alexa/alexa-auto-sdk-sub003/ipc"
)

// Config is the root application configuration.
type Config struct {
	// AppName is the logical name of this component, used in log output
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// IPC tunes the sender and receiver
	IPC IPCConfig `mapstructure:"ipc"`

	// Targets are the entry points messages are sent to
	Targets []TargetConfig `mapstructure:"targets"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// IPCConfig holds transport settings.
type IPCConfig struct {
	// Network: unix or mem
	Network string `mapstructure:"network"`
	// ListenAddress is this component's entry point
	ListenAddress string `mapstructure:"listen_address"`
	// ReplyAddress is where targets open pipes back to the sender
	ReplyAddress string `mapstructure:"reply_address"`

	EmbeddedLimit int           `mapstructure:"embedded_limit"`
	PoolSize      int           `mapstructure:"pool_size"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	Cache         CacheConfig   `mapstructure:"cache"`
	Limits        ipc.Limits    `mapstructure:"limits"`
}

// CacheConfig sizes the sender's resource cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
	// Policy: reject, evict-oldest or block
	Policy string `mapstructure:"policy"`
}

// TargetConfig describes one entry point.
type TargetConfig struct {
	// Kind: receiver, service or activity
	Kind       string `mapstructure:"kind"`
	Package    string `mapstructure:"package"`
	Component  string `mapstructure:"component"`
	Address    string `mapstructure:"address"`
	Foreground bool   `mapstructure:"foreground"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "aacs-ipc",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/aacs-ipc.log",
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 14,
				Compress:   true,
			},
		},
		IPC: IPCConfig{
			Network:       "unix",
			ListenAddress: filepath.Join(os.TempDir(), "aacs-ipc.sock"),
			ReplyAddress:  filepath.Join(os.TempDir(), "aacs-ipc-reply.sock"),
			EmbeddedLimit: ipc.DefaultEmbeddedLimit,
			PoolSize:      ipc.DefaultPoolSize,
			StreamTimeout: ipc.DefaultStreamTimeout,
			Cache: CacheConfig{
				Capacity: ipc.DefaultCacheCapacity,
				Policy:   "reject",
			},
			Limits: ipc.DefaultLimits(),
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix AACS and `.`/`-` are replaced with `_`.
// Example: AACS_IPC_POOL_SIZE=8
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AACS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("ipc.network", cfg.IPC.Network)
	v.SetDefault("ipc.listen_address", cfg.IPC.ListenAddress)
	v.SetDefault("ipc.reply_address", cfg.IPC.ReplyAddress)
	v.SetDefault("ipc.embedded_limit", cfg.IPC.EmbeddedLimit)
	v.SetDefault("ipc.pool_size", cfg.IPC.PoolSize)
	v.SetDefault("ipc.stream_timeout", cfg.IPC.StreamTimeout)
	v.SetDefault("ipc.cache.capacity", cfg.IPC.Cache.Capacity)
	v.SetDefault("ipc.cache.policy", cfg.IPC.Cache.Policy)
	v.SetDefault("ipc.limits.max_frame", cfg.IPC.Limits.MaxFrame)
	v.SetDefault("ipc.limits.max_chunk", cfg.IPC.Limits.MaxChunk)
	v.SetDefault("targets", cfg.Targets)

	if path == "" {
		if envPath := os.Getenv("AACS_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aacs-ipc")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aacs"))
		}
	}

	// a missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.IPC.Network = strings.ToLower(strings.TrimSpace(c.IPC.Network))
	switch c.IPC.Network {
	case "unix", "mem":
	default:
		return fmt.Errorf("invalid ipc.network: %q", c.IPC.Network)
	}
	if c.IPC.EmbeddedLimit <= 0 {
		return fmt.Errorf("invalid ipc.embedded_limit: %d", c.IPC.EmbeddedLimit)
	}
	if limit := c.IPC.Limits.MaxEmbedded(); c.IPC.EmbeddedLimit > limit {
		return fmt.Errorf("invalid ipc.embedded_limit: %d does not fit in ipc.limits.max_frame (at most %d)", c.IPC.EmbeddedLimit, limit)
	}
	if c.IPC.StreamTimeout < 0 {
		return fmt.Errorf("invalid ipc.stream_timeout: %s", c.IPC.StreamTimeout)
	}
	if _, err := ipc.ParseCachePolicy(c.IPC.Cache.Policy); err != nil {
		return fmt.Errorf("invalid ipc.cache.policy: %w", err)
	}

	for i, t := range c.Targets {
		if _, err := ipc.ParseTargetKind(t.Kind); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if strings.TrimSpace(t.Address) == "" {
			return fmt.Errorf("targets[%d]: address is required", i)
		}
	}
	return nil
}

// Options converts the IPC section into sender/receiver options.
func (c *Config) Options(logger *zap.Logger) []ipc.Option {
	// validated in Load
	policy, _ := ipc.ParseCachePolicy(c.IPC.Cache.Policy)
	return []ipc.Option{
		ipc.WithEmbeddedLimit(c.IPC.EmbeddedLimit),
		ipc.WithPoolSize(c.IPC.PoolSize),
		ipc.WithStreamTimeout(c.IPC.StreamTimeout),
		ipc.WithCache(c.IPC.Cache.Capacity, policy),
		ipc.WithLimits(c.IPC.Limits),
		ipc.WithLogger(logger),
	}
}

// Network builds the configured transport network.
func (c *Config) Network() ipc.Network {
	if c.IPC.Network == "mem" {
		return ipc.NewMemNetwork()
	}
	return ipc.NewUnixNetwork()
}

// ResolveTargets converts target entries into ipc targets.
func (c *Config) ResolveTargets() ([]ipc.Target, error) {
	targets := make([]ipc.Target, 0, len(c.Targets))
	for i, t := range c.Targets {
		kind, err := ipc.ParseTargetKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		target := ipc.NewTarget(kind, t.Package, t.Component, t.Address)
		target.Foreground = t.Foreground
		targets = append(targets, target)
	}
	return targets, nil
}
