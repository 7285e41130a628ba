package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blastline/blastline/internal/campaign"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Channel     ChannelConfig     `yaml:"channel"`
	Defaults    campaign.Settings `yaml:"defaults"` // default pacing settings for new campaigns
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Notify      NotifyConfig      `yaml:"notify"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver      string `yaml:"driver"`       // bolt or postgres
	Path        string `yaml:"path"`         // BoltDB file (driver: bolt)
	PostgresDSN string `yaml:"postgres_dsn"` // connection string (driver: postgres)
}

// EngineConfig contains run loop tuning
type EngineConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	CheckTimeout        time.Duration `yaml:"check_timeout"`
	IdleWait            time.Duration `yaml:"idle_wait"`
	HealthCheckEvery    int           `yaml:"health_check_every"`    // tasks between health/risk checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval"` // time between health/risk checks
	ProgressInterval    time.Duration `yaml:"progress_interval"`     // min gap between progress events
	RiskCacheTTL        time.Duration `yaml:"risk_cache_ttl"`
	MaxActivePerAccount int           `yaml:"max_active_per_account"` // 0 = unlimited
}

// ChannelConfig selects the outbound messaging channel implementation.
// Only the sandbox driver ships in-tree; real provider clients register
// under their own driver names.
type ChannelConfig struct {
	Driver      string        `yaml:"driver"`       // sandbox
	Latency     time.Duration `yaml:"latency"`      // simulated send latency (sandbox)
	FailureRate float64       `yaml:"failure_rate"` // simulated failure probability (sandbox)
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
}

// NotifyConfig configures outbound event delivery
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

// WebhookConfig posts events to an HTTP endpoint
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AMQPConfig publishes events to a message broker
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// MaintenanceConfig contains background housekeeping settings
type MaintenanceConfig struct {
	DailyCounterRetention time.Duration `yaml:"daily_counter_retention"` // prune counters older than this
	PruneSchedule         string        `yaml:"prune_schedule"`          // cron spec, default daily at midnight
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`      // stale running-row sweep
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/blastline/blastline.db"
	}
	if c.Storage.PostgresDSN == "" {
		c.Storage.PostgresDSN = os.Getenv("BLASTLINE_POSTGRES_DSN")
	}

	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 10
	}
	if c.Engine.SendTimeout == 0 {
		c.Engine.SendTimeout = 30 * time.Second
	}
	if c.Engine.CheckTimeout == 0 {
		c.Engine.CheckTimeout = 10 * time.Second
	}
	if c.Engine.IdleWait == 0 {
		c.Engine.IdleWait = 5 * time.Second
	}
	if c.Engine.HealthCheckEvery == 0 {
		c.Engine.HealthCheckEvery = 25
	}
	if c.Engine.HealthCheckInterval == 0 {
		c.Engine.HealthCheckInterval = 5 * time.Minute
	}
	if c.Engine.ProgressInterval == 0 {
		c.Engine.ProgressInterval = 10 * time.Second
	}
	if c.Engine.RiskCacheTTL == 0 {
		c.Engine.RiskCacheTTL = 30 * time.Second
	}

	if c.Channel.Driver == "" {
		c.Channel.Driver = "sandbox"
	}

	// Campaign pacing defaults: a conservative human-like profile
	if c.Defaults.MessageDelay.MaxSeconds == 0 {
		c.Defaults.MessageDelay = campaign.DelayRange{MinSeconds: 30, MaxSeconds: 90}
	}
	if c.Defaults.ContactDelay.MaxSeconds == 0 {
		c.Defaults.ContactDelay = campaign.DelayRange{MinSeconds: 60, MaxSeconds: 180}
	}
	if c.Defaults.Rest.Threshold == 0 {
		c.Defaults.Rest = campaign.Rest{Enabled: true, Threshold: 50}
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Notify.Webhook.Timeout == 0 {
		c.Notify.Webhook.Timeout = 10 * time.Second
	}
	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "blastline.events"
	}

	if c.Maintenance.DailyCounterRetention == 0 {
		c.Maintenance.DailyCounterRetention = 30 * 24 * time.Hour
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "0 0 * * *"
	}
	if c.Maintenance.ReconcileInterval == 0 {
		c.Maintenance.ReconcileInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or postgres)", c.Storage.Driver)
	}

	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be positive")
	}

	if c.Channel.Driver != "sandbox" {
		return fmt.Errorf("unknown channel.driver: %s", c.Channel.Driver)
	}
	if c.Channel.FailureRate < 0 || c.Channel.FailureRate >= 1 {
		return fmt.Errorf("channel.failure_rate must be in [0,1)")
	}

	if q := c.Defaults.QuietHours; q.Enabled && !q.Valid() {
		return fmt.Errorf("invalid defaults.quiet_hours window: start=%d end=%d", q.StartHour, q.EndHour)
	}
	if d := c.Defaults.MessageDelay; d.MinSeconds < 0 || d.MaxSeconds < d.MinSeconds {
		return fmt.Errorf("invalid defaults.message_delay range: min=%d max=%d", d.MinSeconds, d.MaxSeconds)
	}
	if d := c.Defaults.ContactDelay; d.MinSeconds < 0 || d.MaxSeconds < d.MinSeconds {
		return fmt.Errorf("invalid defaults.contact_delay range: min=%d max=%d", d.MinSeconds, d.MaxSeconds)
	}
	if dc := c.Defaults.DailyCap; dc.Enabled && (dc.Max <= 0 || dc.Min > dc.Max) {
		return fmt.Errorf("invalid defaults.daily_cap range: min=%d max=%d", dc.Min, dc.Max)
	}

	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when the webhook notifier is enabled")
	}
	if c.Notify.AMQP.Enabled && c.Notify.AMQP.URL == "" {
		return fmt.Errorf("notify.amqp.url is required when the AMQP notifier is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
