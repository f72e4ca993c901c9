// Package config loads and validates the orchestrator configuration.
//
// Precedence: explicit overrides > environment (MOLTLETS_ prefix) > config
// file (moltlets.yaml) > defaults. All bounds are validated and clamped at
// process start so the rest of the system can trust its configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Bounds applied during validation.
const (
	MinWorkers = 1
	MaxWorkers = 64

	MinLease = 30 * time.Second
	MaxLease = 60 * time.Minute
)

// Config is the full orchestrator configuration.
type Config struct {
	Queue   QueueConfig   `mapstructure:"queue"`
	Server  ServerConfig  `mapstructure:"server"`
	Workers WorkersConfig `mapstructure:"workers"`
	Cloud   CloudConfig   `mapstructure:"cloud"`
	Cattle  CattleConfig  `mapstructure:"cattle"`
	Tailnet TailnetConfig `mapstructure:"tailnet"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// QueueConfig locates the durable job queue.
type QueueConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig is the control API listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WorkersConfig bounds the worker pool.
type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	LeaseRefresh time.Duration `mapstructure:"lease_refresh"`
}

// CloudConfig is the provider credential and defaults.
type CloudConfig struct {
	Token             string  `mapstructure:"token"`
	Endpoint          string  `mapstructure:"endpoint"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	DefaultImage      string  `mapstructure:"default_image"`
	DefaultServerType string  `mapstructure:"default_server_type"`
	DefaultLocation   string  `mapstructure:"default_location"`
}

// CattleConfig bounds the lifecycle manager.
type CattleConfig struct {
	MaxInstances     int    `mapstructure:"max_instances"`
	DefaultTTL       string `mapstructure:"default_ttl"`
	FirewallName     string `mapstructure:"firewall_name"`
	SecretsURL       string `mapstructure:"secrets_url"`
	AdminUser        string `mapstructure:"admin_user"`
	PersonaDir       string `mapstructure:"persona_dir"`
	RecipientKeyFile string `mapstructure:"recipient_key_file"`
	RecipientKeyID   string `mapstructure:"recipient_key_id"`
}

// TailnetConfig declares the join key handed to new instances, with the
// expiry and one-time flag the operator asserts for it.
type TailnetConfig struct {
	AuthKey   string `mapstructure:"auth_key"`
	ExpiresAt string `mapstructure:"expires_at"`
	OneTime   bool   `mapstructure:"one_time"`
}

// AdminConfig supplies admin SSH public keys.
type AdminConfig struct {
	SSHKeys     []string `mapstructure:"ssh_keys"`
	SSHKeysFile string   `mapstructure:"ssh_keys_file"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration with the standard precedence chain. Optional
// overrides (highest precedence) come from CLI flags.
func Load(overrides ...map[string]any) (*Config, error) {
	v := viper.New()

	v.SetDefault("queue.path", "moltlets.db")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7333)
	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.poll_interval", "2s")
	v.SetDefault("workers.lease", "60s")
	v.SetDefault("workers.lease_refresh", "20s")
	v.SetDefault("cloud.rate_limit", 5.0)
	v.SetDefault("cloud.default_image", "ubuntu-24.04")
	v.SetDefault("cloud.default_server_type", "cx22")
	v.SetDefault("cloud.default_location", "fsn1")
	v.SetDefault("cattle.max_instances", 5)
	v.SetDefault("cattle.default_ttl", "2h")
	v.SetDefault("cattle.firewall_name", "moltlets-cattle")
	v.SetDefault("cattle.admin_user", "admin")
	v.SetDefault("cattle.recipient_key_id", "cattle-boot")
	v.SetDefault("tailnet.one_time", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Keys usually supplied via environment need a registered default or
	// AutomaticEnv never resolves them during Unmarshal.
	v.SetDefault("cloud.token", "")
	v.SetDefault("cloud.endpoint", "")
	v.SetDefault("cattle.secrets_url", "")
	v.SetDefault("cattle.recipient_key_file", "")
	v.SetDefault("cattle.persona_dir", "")
	v.SetDefault("tailnet.auth_key", "")
	v.SetDefault("tailnet.expires_at", "")
	v.SetDefault("admin.ssh_keys_file", "")

	v.SetConfigName("moltlets")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/moltlets")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MOLTLETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.clamp()
	return &cfg, nil
}

// clamp forces tunables into sane bounds instead of failing startup over a
// suboptimal value.
func (c *Config) clamp() {
	if c.Workers.Count < MinWorkers {
		c.Workers.Count = MinWorkers
	}
	if c.Workers.Count > MaxWorkers {
		c.Workers.Count = MaxWorkers
	}
	if c.Workers.Lease < MinLease {
		c.Workers.Lease = MinLease
	}
	if c.Workers.Lease > MaxLease {
		c.Workers.Lease = MaxLease
	}
	// The heartbeat must land well inside the lease window.
	if c.Workers.LeaseRefresh <= 0 || c.Workers.LeaseRefresh >= c.Workers.Lease/2 {
		c.Workers.LeaseRefresh = c.Workers.Lease / 3
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = 2 * time.Second
	}
	if c.Cattle.MaxInstances <= 0 {
		c.Cattle.MaxInstances = 5
	}
}

// ValidateServe checks the requirements for running the orchestrator
// daemon. Missing required values or an already-violated tailnet invariant
// fail startup.
func (c *Config) ValidateServe() error {
	if strings.TrimSpace(c.Queue.Path) == "" {
		return fmt.Errorf("queue.path is required")
	}
	if strings.TrimSpace(c.Cloud.Token) == "" {
		return fmt.Errorf("cloud.token is required (MOLTLETS_CLOUD_TOKEN)")
	}
	if strings.TrimSpace(c.Cattle.SecretsURL) == "" {
		return fmt.Errorf("cattle.secrets_url is required")
	}
	if strings.TrimSpace(c.Cattle.RecipientKeyFile) == "" {
		return fmt.Errorf("cattle.recipient_key_file is required")
	}
	if strings.TrimSpace(c.Tailnet.AuthKey) == "" {
		return fmt.Errorf("tailnet.auth_key is required (MOLTLETS_TAILNET_AUTH_KEY)")
	}
	if !c.Tailnet.OneTime {
		return fmt.Errorf("tailnet.one_time must be true: reusable join keys are not allowed")
	}
	expiresAt, err := time.Parse(time.RFC3339, c.Tailnet.ExpiresAt)
	if err != nil {
		return fmt.Errorf("tailnet.expires_at must be RFC 3339: %w", err)
	}
	if !expiresAt.After(time.Now()) {
		return fmt.Errorf("tailnet.expires_at is already in the past")
	}
	if len(c.Admin.SSHKeys) == 0 && strings.TrimSpace(c.Admin.SSHKeysFile) == "" {
		return fmt.Errorf("admin.ssh_keys or admin.ssh_keys_file is required")
	}
	if _, err := time.ParseDuration(c.Cattle.DefaultTTL); err != nil {
		return fmt.Errorf("cattle.default_ttl: %w", err)
	}
	return nil
}

// DefaultTTL returns the parsed default TTL. ValidateServe must have
// succeeded.
func (c *Config) DefaultTTL() time.Duration {
	ttl, _ := time.ParseDuration(c.Cattle.DefaultTTL)
	return ttl
}
