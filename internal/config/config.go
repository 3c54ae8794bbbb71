// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/podthemes/podingest/internal/ingest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Feeds     []ingest.FeedSource `mapstructure:"feeds"`
	Crawler   CrawlerConfig       `mapstructure:"crawler"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit"`
	Robots    RobotsConfig        `mapstructure:"robots"`
	Cache     CacheConfig         `mapstructure:"cache"`
	DB        DBConfig            `mapstructure:"db"`
	Lookup    LookupConfig        `mapstructure:"lookup"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Logging   LoggingConfig       `mapstructure:"logging"`
}

// CrawlerConfig governs the worker pool and crawl pipeline behavior.
type CrawlerConfig struct {
	Workers         int    `mapstructure:"workers"`
	UserAgent       string `mapstructure:"user_agent"`
	FeedDeadlineSec int    `mapstructure:"feed_deadline_seconds"`
}

// HTTPConfig configures HTTP client timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig sets per-host token bucket parameters.
type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// RobotsConfig controls robots.txt caching.
type RobotsConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// CacheConfig sets the content-addressed body cache location.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LookupConfig gates the external catalog-ID directory lookup.
type LookupConfig struct {
	ITunesEnabled bool   `mapstructure:"itunes_enabled"`
	ITunesBaseURL string `mapstructure:"itunes_base_url"`
}

// MetricsConfig configures the optional metrics/health listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PODINGEST")
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
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "podingest/0.1 (+https://github.com/podthemes/podingest)")
	v.SetDefault("crawler.feed_deadline_seconds", 120)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("rate_limit.qps", 1.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("robots.cache_ttl_seconds", 3600)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("lookup.itunes_enabled", false)
	v.SetDefault("lookup.itunes_base_url", "https://itunes.apple.com")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.QPS < 0 {
		return fmt.Errorf("rate_limit.qps must be >= 0")
	}
	if c.Robots.CacheTTLSeconds <= 0 {
		return fmt.Errorf("robots.cache_ttl_seconds must be > 0")
	}
	for i, f := range c.Feeds {
		if f.Identifier == "" {
			return fmt.Errorf("feeds[%d].identifier must be set", i)
		}
		switch f.Kind {
		case ingest.KindFeedURL, ingest.KindCatalogID, ingest.KindTitle:
		case "":
			return fmt.Errorf("feeds[%d].kind must be set", i)
		default:
			return fmt.Errorf("feeds[%d].kind %q is not recognized", i, f.Kind)
		}
	}
	return nil
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FeedDeadline returns the per-feed processing time limit.
func (c Config) FeedDeadline() time.Duration {
	return time.Duration(c.Crawler.FeedDeadlineSec) * time.Second
}

// RobotsTTL returns the robots cache expiry.
func (c Config) RobotsTTL() time.Duration {
	return time.Duration(c.Robots.CacheTTLSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
