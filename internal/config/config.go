// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Progress ProgressConfig `mapstructure:"progress"`
	Output   OutputConfig   `mapstructure:"output"`
	DB       DBConfig       `mapstructure:"db"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CrawlerConfig governs the crawl loop and static fetches.
type CrawlerConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	MaxDepth              int    `mapstructure:"max_depth"`
	DelayMs               int    `mapstructure:"delay_ms"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	AcceptLanguage        string `mapstructure:"accept_language"`
	// UserAgent is sent on static fetches; empty rotates a random browser agent.
	UserAgent string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the rendering browser.
type HeadlessConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	ShowBrowser            bool `mapstructure:"show_browser"`
	PageLoadTimeoutSeconds int  `mapstructure:"page_load_timeout_seconds"`
	ScrollIntervalMs       int  `mapstructure:"scroll_interval_ms"`
	MaxScrollSteps         int  `mapstructure:"max_scroll_steps"`
}

// SessionsConfig bounds the session registry.
type SessionsConfig struct {
	MaxActive   int `mapstructure:"max_active"`
	MaxRetained int `mapstructure:"max_retained"`
}

// ProgressConfig tunes the progress hub feeding the metrics sink.
type ProgressConfig struct {
	BufferSize    int `mapstructure:"buffer_size"`
	BatchSize     int `mapstructure:"batch_size"`
	BatchWaitMs   int `mapstructure:"batch_wait_ms"`
	SinkTimeoutMs int `mapstructure:"sink_timeout_ms"`
}

// OutputConfig sets where per-session record files are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	// SQLitePath enables the SQLite record sink when non-empty.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls the optional Postgres record sink.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// KafkaConfig enables publishing records to Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
}

// RedisConfig enables the Redis session status mirror when Addr is set.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("crawler.base_url", "")
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.request_timeout_seconds", 60)
	v.SetDefault("crawler.accept_language", "en-US,en;q=0.9")
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.show_browser", false)
	v.SetDefault("headless.page_load_timeout_seconds", 60)
	v.SetDefault("headless.scroll_interval_ms", 1000)
	v.SetDefault("headless.max_scroll_steps", 50)
	v.SetDefault("sessions.max_active", 1)
	v.SetDefault("sessions.max_retained", 20)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 128)
	v.SetDefault("progress.batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("output.dir", "logs")
	v.SetDefault("output.sqlite_path", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_records")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "crawl-records")
	v.SetDefault("kafka.write_timeout_ms", 10000)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "crawler:session:")
	v.SetDefault("redis.ttl_seconds", 86400)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.BaseURL != "" {
		if _, ok := crawler.NormalizeURL(c.Crawler.BaseURL); !ok {
			return fmt.Errorf("crawler.base_url must be an absolute http(s) url")
		}
	}
	if c.Headless.Enabled {
		if c.Headless.PageLoadTimeoutSeconds <= 0 {
			return fmt.Errorf("headless.page_load_timeout_seconds must be > 0 when headless is enabled")
		}
		if c.Headless.ScrollIntervalMs <= 0 {
			return fmt.Errorf("headless.scroll_interval_ms must be > 0 when headless is enabled")
		}
		if c.Headless.MaxScrollSteps <= 0 {
			return fmt.Errorf("headless.max_scroll_steps must be > 0 when headless is enabled")
		}
	}
	if c.Sessions.MaxActive <= 0 {
		return fmt.Errorf("sessions.max_active must be > 0")
	}
	if c.Sessions.MaxRetained < 0 {
		return fmt.Errorf("sessions.max_retained must be >= 0")
	}
	if c.Progress.BufferSize <= 0 || c.Progress.BatchSize <= 0 {
		return fmt.Errorf("progress.buffer_size and progress.batch_size must be > 0")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.DB.DSN != "" && c.DB.Table == "" {
		return fmt.Errorf("db.table must be set when db.dsn is set")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic must be set when kafka.brokers is set")
	}
	if c.Kafka.WriteTimeoutMs < 0 {
		return fmt.Errorf("kafka.write_timeout_ms must be >= 0")
	}
	if c.Redis.TTLSeconds < 0 {
		return fmt.Errorf("redis.ttl_seconds must be >= 0")
	}
	return nil
}

// ValidateForCrawl checks the extra requirements of a one-shot crawl run.
func (c Config) ValidateForCrawl() error {
	if strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return errors.New("crawler.base_url is required")
	}
	return nil
}

// Delay is the politeness pause before every static fetch.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// RequestTimeout bounds a single static fetch.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSeconds) * time.Second
}

// PageLoadTimeout bounds the wait for a rendered body.
func (c Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.Headless.PageLoadTimeoutSeconds) * time.Second
}

// ScrollInterval is the pause between auto-scroll steps.
func (c Config) ScrollInterval() time.Duration {
	return time.Duration(c.Headless.ScrollIntervalMs) * time.Millisecond
}

// KafkaWriteTimeout bounds a single record publish.
func (c Config) KafkaWriteTimeout() time.Duration {
	return time.Duration(c.Kafka.WriteTimeoutMs) * time.Millisecond
}

// RedisTTL is how long a session status survives in Redis.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP and session shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
