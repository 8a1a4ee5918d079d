// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	HTTP       HTTPConfig         `mapstructure:"http"`
	Headless   HeadlessConfig     `mapstructure:"headless"`
	Proxies    ProxyConfig        `mapstructure:"proxies"`
	Identities []monitor.Identity `mapstructure:"identities"`
	RateLimits RateLimitConfig    `mapstructure:"rate_limits"`
	Blocking   BlockingConfig     `mapstructure:"blocking"`
	Change     ChangeConfig       `mapstructure:"change"`
	Archive    ArchiveConfig      `mapstructure:"archive"`
	DB         DBConfig           `mapstructure:"db"`
	PubSub     PubSubConfig       `mapstructure:"pubsub"`
	Logging    LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs the dispatch loop.
type SchedulerConfig struct {
	TickSeconds       int `mapstructure:"tick_seconds"`
	Workers           int `mapstructure:"workers"`
	MaxRetries        int `mapstructure:"max_retries"`
	BackoffInitialMs  int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int `mapstructure:"backoff_max_ms"`
	DegradedThreshold int `mapstructure:"degraded_threshold"`
}

// HTTPConfig configures the fetch client transport.
type HTTPConfig struct {
	TimeoutSeconds     int `mapstructure:"timeout_seconds"`
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
	TLSTimeoutSeconds  int `mapstructure:"tls_timeout_seconds"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ProxyConfig lists proxy endpoints and rotation behavior.
type ProxyConfig struct {
	Endpoints          []ProxyEndpoint `mapstructure:"endpoints"`
	AllowDirect        bool            `mapstructure:"allow_direct"`
	FailureThreshold   int             `mapstructure:"failure_threshold"`
	CooldownBaseSec    int             `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSec     int             `mapstructure:"cooldown_max_seconds"`
	InitialHealthScore int             `mapstructure:"initial_health_score"`
}

// ProxyEndpoint is one configured upstream proxy.
type ProxyEndpoint struct {
	URL            string `mapstructure:"url"`
	CredentialsRef string `mapstructure:"credentials_ref"`
}

// RateLimitConfig sets per-host and per-proxy request ceilings.
type RateLimitConfig struct {
	HostPerMinute  float64 `mapstructure:"host_per_minute"`
	HostBurst      int     `mapstructure:"host_burst"`
	ProxyPerMinute float64 `mapstructure:"proxy_per_minute"`
	ProxyBurst     int     `mapstructure:"proxy_burst"`
	MaxWaitSeconds int     `mapstructure:"max_wait_seconds"`
}

// BlockingConfig tunes the anti-bot response heuristics.
type BlockingConfig struct {
	StatusCodes []int    `mapstructure:"status_codes"`
	Markers     []string `mapstructure:"markers"`
	Selectors   []string `mapstructure:"selectors"`
}

// ChangeConfig tunes change detection thresholds.
type ChangeConfig struct {
	// PriceThresholdFraction suppresses price events below this fractional
	// delta. Zero reports any movement.
	PriceThresholdFraction float64 `mapstructure:"price_threshold_fraction"`
	// AvailableMarkers and UnavailableMarkers override the extractor's
	// availability vocabulary.
	AvailableMarkers   []string `mapstructure:"available_markers"`
	UnavailableMarkers []string `mapstructure:"unavailable_markers"`
}

// ArchiveConfig selects where raw fetched content is kept.
type ArchiveConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables the publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

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
	v.SetDefault("scheduler.tick_seconds", 15)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_initial_ms", 250)
	v.SetDefault("scheduler.backoff_max_ms", 5000)
	v.SetDefault("scheduler.degraded_threshold", 3)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.dial_timeout_seconds", 10)
	v.SetDefault("http.tls_timeout_seconds", 10)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("proxies.allow_direct", false)
	v.SetDefault("proxies.failure_threshold", 3)
	v.SetDefault("proxies.cooldown_base_seconds", 60)
	v.SetDefault("proxies.cooldown_max_seconds", 1800)
	v.SetDefault("proxies.initial_health_score", 50)
	v.SetDefault("rate_limits.host_per_minute", 12)
	v.SetDefault("rate_limits.host_burst", 2)
	v.SetDefault("rate_limits.proxy_per_minute", 60)
	v.SetDefault("rate_limits.proxy_burst", 5)
	v.SetDefault("rate_limits.max_wait_seconds", 30)
	v.SetDefault("change.price_threshold_fraction", 0.0)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if len(c.Proxies.Endpoints) == 0 && !c.Proxies.AllowDirect {
		return fmt.Errorf("proxies.endpoints must be set unless proxies.allow_direct is true")
	}
	if c.RateLimits.HostPerMinute <= 0 || c.RateLimits.ProxyPerMinute <= 0 {
		return fmt.Errorf("rate_limits ceilings must be > 0")
	}
	if c.Change.PriceThresholdFraction < 0 {
		return fmt.Errorf("change.price_threshold_fraction must be >= 0")
	}
	switch c.Archive.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be one of memory, local, gcs")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
	}
	if c.Archive.Backend == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir must be set for the local backend")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Tick returns the scheduler scan interval.
func (c Config) Tick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// MaxGovernorWait returns the longest delay a dispatch waits for a rate slot.
func (c Config) MaxGovernorWait() time.Duration {
	return time.Duration(c.RateLimits.MaxWaitSeconds) * time.Second
}
