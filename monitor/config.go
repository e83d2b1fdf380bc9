// CLAUDE:SUMMARY Monitor configuration: sources with adapter specs, alert channels, notification policy, scheduler and browser settings, YAML loader.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kibak812/taxupdater/monitor/internal/adapter"
	"github.com/kibak812/taxupdater/monitor/internal/crawl"
	"github.com/kibak812/taxupdater/monitor/internal/scheduler"
)

// Config holds all monitor configuration.
type Config struct {
	Timezone  string          `yaml:"timezone"`
	BackupDir string          `yaml:"backup_dir"`
	Sources   []SourceConfig  `yaml:"sources"`
	Channels  []ChannelConfig `yaml:"channels"`
	Notify    NotifyConfig    `yaml:"notify"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Browser   BrowserConfig   `yaml:"browser"`
	Audit     AuditConfig     `yaml:"audit"`
}

// SourceConfig describes one monitored portal. Schedule fields seed the
// crawl_schedules row on first start; later edits live in the database.
type SourceConfig struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	KeyField  string `yaml:"key_field"`
	Cron      string `yaml:"cron"`
	Timezone  string `yaml:"timezone,omitempty"`
	Enabled   *bool  `yaml:"enabled,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	Threshold int    `yaml:"notification_threshold,omitempty"`

	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Retries    int           `yaml:"retries,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`

	Required []string      `yaml:"required,omitempty"`
	Display  crawl.Display `yaml:"display,omitempty"`
	Adapter  adapter.Spec  `yaml:"adapter"`
}

// IsEnabled defaults to true.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ChannelConfig is one outbound alert channel. Config is passed to the
// platform factory as JSON.
type ChannelConfig struct {
	Name     string         `yaml:"name"`
	Platform string         `yaml:"platform"`
	Enabled  *bool          `yaml:"enabled,omitempty"`
	Config   map[string]any `yaml:"config"`
}

// RawConfig returns Config encoded as JSON.
func (c ChannelConfig) RawConfig() (json.RawMessage, error) {
	if len(c.Config) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(c.Config)
}

// NotifyConfig is the alert policy.
type NotifyConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	ErrorRateLimit   int           `yaml:"error_rate_limit"`
	MaxDaily         int           `yaml:"max_daily_notifications"`
	HighUrgencyCount int           `yaml:"high_urgency_count"`
	MaxConcurrent    int           `yaml:"max_concurrent_sends"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// Paused keeps the scheduler stopped at boot; crawls run only on demand.
	Paused              bool          `yaml:"paused"`
	MisfireGrace        time.Duration `yaml:"misfire_grace"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	SilentAfter         time.Duration `yaml:"silent_after"`
	ErrorThreshold      int           `yaml:"error_threshold"`
	ReloadInterval      time.Duration `yaml:"reload_interval"`
}

// CrawlConfig tunes fetching.
type CrawlConfig struct {
	Workers     int           `yaml:"workers"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	UserAgent   string        `yaml:"user_agent"`
}

// AuditConfig tunes the audit trail, crawl metrics and heartbeat.
type AuditConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MetricsFlush      time.Duration `yaml:"metrics_flush"`
	RetentionDays     int           `yaml:"retention_days"`
}

// BrowserConfig configures headless Chrome for browser adapters.
type BrowserConfig struct {
	RemoteURL       string        `yaml:"remote_url"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
	Block           []string      `yaml:"block"`
}

func (c *Config) defaults() {
	if c.Timezone == "" {
		c.Timezone = scheduler.DefaultTimezone
	}
	if c.BackupDir == "" {
		c.BackupDir = "backups"
	}
	if c.Sources == nil {
		c.Sources = DefaultSources()
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			s.Name = s.Key
		}
		if s.Timezone == "" {
			s.Timezone = c.Timezone
		}
		if s.Threshold <= 0 {
			s.Threshold = 1
		}
		if s.Timeout <= 0 {
			s.Timeout = 5 * time.Minute
		}
		if s.RetryDelay <= 0 {
			s.RetryDelay = 5 * time.Second
		}
		if s.Adapter.KeyField == "" {
			s.Adapter.KeyField = s.KeyField
		}
		if s.Adapter.UserAgent == "" {
			s.Adapter.UserAgent = c.Crawl.UserAgent
		}
	}
	if c.Notify.DedupWindow <= 0 {
		c.Notify.DedupWindow = 300 * time.Second
	}
	if c.Notify.ErrorRateLimit <= 0 {
		c.Notify.ErrorRateLimit = 3
	}
	if c.Notify.MaxDaily <= 0 {
		c.Notify.MaxDaily = 50
	}
	if c.Notify.HighUrgencyCount <= 0 {
		c.Notify.HighUrgencyCount = 10
	}
	if c.Notify.MaxConcurrent <= 0 {
		c.Notify.MaxConcurrent = 5
	}
	if c.Notify.SendTimeout <= 0 {
		c.Notify.SendTimeout = 60 * time.Second
	}
	if c.Scheduler.MisfireGrace <= 0 {
		c.Scheduler.MisfireGrace = time.Hour
	}
	if c.Scheduler.ErrorThreshold <= 0 {
		c.Scheduler.ErrorThreshold = 3
	}
	if c.Scheduler.ReloadInterval <= 0 {
		c.Scheduler.ReloadInterval = 2 * time.Second
	}
	if c.Crawl.Workers <= 0 {
		c.Crawl.Workers = 3
	}
	if c.Crawl.HTTPTimeout <= 0 {
		c.Crawl.HTTPTimeout = 30 * time.Second
	}
	if c.Audit.HeartbeatInterval <= 0 {
		c.Audit.HeartbeatInterval = 15 * time.Second
	}
	if c.Audit.MetricsFlush <= 0 {
		c.Audit.MetricsFlush = 10 * time.Second
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}
}

// Validate checks source keys, cron expressions and adapter kinds.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.Key] {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalidInput, s.Key)
		}
		seen[s.Key] = true
		if s.KeyField == "" {
			return fmt.Errorf("%w: source %q has no key_field", ErrInvalidInput, s.Key)
		}
		if err := scheduler.Validate(s.Cron, s.Timezone); err != nil {
			return fmt.Errorf("source %q: %w", s.Key, err)
		}
	}
	names := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" || names[ch.Name] {
			return fmt.Errorf("%w: channel name %q missing or repeated", ErrInvalidInput, ch.Name)
		}
		names[ch.Name] = true
	}
	return nil
}

// DefaultConfig returns the built-in configuration: the six portals, no
// external channels.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file and applies defaults. A file
// without a sources list gets the built-in portals.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("monitor: parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
