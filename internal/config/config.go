// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // tenant time zones resolve without system zoneinfo

	"github.com/spf13/viper"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	IndexingAPI IndexingAPIConfig `mapstructure:"indexing_api"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Accounts    []AccountConfig   `mapstructure:"accounts"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PipelineConfig governs the scheduler and the retry policy.
type PipelineConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	IntervalSeconds    int    `mapstructure:"interval_seconds"`
	Cron               string `mapstructure:"cron"`
	RunOnStart         bool   `mapstructure:"run_on_start"`
	RequeueBatch       int    `mapstructure:"requeue_batch"`
	CrawlBatch         int    `mapstructure:"crawl_batch"`
	SubmitBatch        int    `mapstructure:"submit_batch"`
	InspectBatch       int    `mapstructure:"inspect_batch"`
	SettleDelaySeconds int    `mapstructure:"settle_delay_seconds"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	BackoffBaseSeconds int    `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds  int    `mapstructure:"backoff_cap_seconds"`
	Timezone           string `mapstructure:"timezone"`
	RequestsPerDayCap  uint32 `mapstructure:"requests_per_day_cap"`
	TriggerQueueDepth  int    `mapstructure:"trigger_queue_depth"`
}

// CrawlerConfig governs URL verification.
type CrawlerConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	Attempts         int     `mapstructure:"attempts"`
	PerHostRPS       float64 `mapstructure:"per_host_rps"`
	PerHostBurst     int     `mapstructure:"per_host_burst"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	RobotsTTLSeconds int     `mapstructure:"robots_ttl_seconds"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
}

// IndexingAPIConfig configures the search-engine API client.
type IndexingAPIConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
	CredentialsDir string  `mapstructure:"credentials_dir"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// RedisConfig enables cross-process coordination when Addr is set.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

// PubSubConfig enables run summaries on a topic when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// AccountConfig seeds a service account at startup.
type AccountConfig struct {
	ID               string `mapstructure:"id"`
	ProjectID        string `mapstructure:"project_id"`
	CredentialRef    string `mapstructure:"credential_ref"`
	QuotaLimitPerDay uint32 `mapstructure:"quota_limit_per_day"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.interval_seconds", 300)
	v.SetDefault("pipeline.run_on_start", false)
	v.SetDefault("pipeline.requeue_batch", 500)
	v.SetDefault("pipeline.crawl_batch", 50)
	v.SetDefault("pipeline.submit_batch", 50)
	v.SetDefault("pipeline.inspect_batch", 100)
	v.SetDefault("pipeline.settle_delay_seconds", 900)
	v.SetDefault("pipeline.max_attempts", 5)
	v.SetDefault("pipeline.backoff_base_seconds", 60)
	v.SetDefault("pipeline.backoff_cap_seconds", 86400)
	v.SetDefault("pipeline.timezone", "UTC")
	v.SetDefault("pipeline.requests_per_day_cap", 0)
	v.SetDefault("pipeline.trigger_queue_depth", 4)
	v.SetDefault("crawler.user_agent", "url-indexer/0.1")
	v.SetDefault("crawler.timeout_seconds", 10)
	v.SetDefault("crawler.attempts", 3)
	v.SetDefault("crawler.per_host_rps", 1.0)
	v.SetDefault("crawler.per_host_burst", 2)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_ttl_seconds", 3600)
	v.SetDefault("crawler.max_body_bytes", 2<<20)
	v.SetDefault("indexing_api.endpoint", "https://indexing.googleapis.com")
	v.SetDefault("indexing_api.timeout_seconds", 30)
	v.SetDefault("indexing_api.rps", 5.0)
	v.SetDefault("indexing_api.burst", 5)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 3600)
	v.SetDefault("redis.key_prefix", "indexer")
	v.SetDefault("redis.lock_ttl_seconds", 600)
	v.SetDefault("telemetry.service_name", "url-indexer")
	v.SetDefault("telemetry.tracing", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", DriverMemory, DriverPostgres)
	}
	if c.Pipeline.IntervalSeconds <= 0 && c.Pipeline.Cron == "" {
		return fmt.Errorf("pipeline.interval_seconds must be > 0 when no cron is set")
	}
	if c.Pipeline.CrawlBatch <= 0 || c.Pipeline.SubmitBatch <= 0 || c.Pipeline.InspectBatch <= 0 {
		return fmt.Errorf("pipeline batch sizes must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.BackoffBaseSeconds <= 0 || c.Pipeline.BackoffCapSeconds < c.Pipeline.BackoffBaseSeconds {
		return fmt.Errorf("pipeline backoff requires 0 < base <= cap")
	}
	if c.Pipeline.SettleDelaySeconds < 0 {
		return fmt.Errorf("pipeline.settle_delay_seconds must be >= 0")
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.Attempts <= 0 {
		return fmt.Errorf("crawler.attempts must be > 0")
	}
	if c.IndexingAPI.TimeoutSeconds <= 0 {
		return fmt.Errorf("indexing_api.timeout_seconds must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d].id must be set", i)
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, acct.ID)
		}
		seen[acct.ID] = struct{}{}
		if acct.CredentialRef == "" {
			return fmt.Errorf("accounts[%d].credential_ref must be set", i)
		}
	}
	return nil
}

// Settings returns the run snapshot described by the pipeline section.
func (c Config) Settings() (indexing.Settings, error) {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return indexing.Settings{}, fmt.Errorf("load timezone: %w", err)
	}
	return indexing.Settings{
		Enabled:           c.Pipeline.Enabled,
		RequestsPerDayCap: c.Pipeline.RequestsPerDayCap,
		Location:          loc,
	}, nil
}

// ServiceAccounts converts the seeded accounts.
func (c Config) ServiceAccounts() []indexing.ServiceAccount {
	out := make([]indexing.ServiceAccount, 0, len(c.Accounts))
	for _, acct := range c.Accounts {
		out = append(out, indexing.ServiceAccount{
			ID:               acct.ID,
			ProjectID:        acct.ProjectID,
			CredentialRef:    acct.CredentialRef,
			QuotaLimitPerDay: acct.QuotaLimitPerDay,
		})
	}
	return out
}

// Seconds converts a seconds knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
