// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	Auth        AuthConfig           `mapstructure:"auth"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Crawl       CrawlConfig          `mapstructure:"crawl"`
	Crawlers    []crawler.SiteConfig `mapstructure:"crawlers"`
	Headless    HeadlessConfig       `mapstructure:"headless"`
	Storage     StorageConfig        `mapstructure:"storage"`
	DB          DBConfig             `mapstructure:"db"`
	Mongo       MongoConfig          `mapstructure:"mongo"`
	Translation TranslationConfig    `mapstructure:"translation"`
	PubSub      PubSubConfig         `mapstructure:"pubsub"`
	Lock        LockConfig           `mapstructure:"lock"`
	Schedule    ScheduleConfig       `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlConfig is the global fetch policy shared by all sources.
type CrawlConfig struct {
	HTTPErrorRetry        int        `mapstructure:"http_error_retry"`
	HTTPErrorRetrySleepMs int        `mapstructure:"http_error_retry_sleep_ms"`
	FetchTimeoutSeconds   int        `mapstructure:"fetch_timeout_seconds"`
	Backoff               string     `mapstructure:"backoff"`
	DomainRPS             float64    `mapstructure:"domain_rps"`
	DomainBurst           int        `mapstructure:"domain_burst"`
	HostRates             []HostRate `mapstructure:"host_rates"`
	UserAgent             string     `mapstructure:"user_agent"`
	AcceptLanguage        string     `mapstructure:"accept_language"`
	MaxBodyBytes          int        `mapstructure:"max_body_bytes"`
	RespectRobots         bool       `mapstructure:"respect_robots"`
}

// HostRate overrides crawl.domain_rps for one host. A zero RPS leaves the
// host unthrottled.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HeadlessConfig configures the browser renderer.
type HeadlessConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	MaxParallel        int     `mapstructure:"max_parallel"`
	NavTimeoutSec      int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS          float64 `mapstructure:"domain_qps"`
	PromotionThreshold int     `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the record gateway and the raw page archive.
type StorageConfig struct {
	Gateway     string `mapstructure:"gateway"`
	Archive     string `mapstructure:"archive"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// MongoConfig controls access to the document store.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// TranslationConfig configures the post-crawl translation pass.
type TranslationConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Endpoint              string `mapstructure:"endpoint"`
	APIKey                string `mapstructure:"api_key"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	TargetLanguage        string `mapstructure:"target_language"`
	DefaultSourceLanguage string `mapstructure:"default_source_language"`
}

// PubSubConfig holds metadata for translated-record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LockConfig configures the cross-process run guard.
type LockConfig struct {
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
	TTLMinutes    int    `mapstructure:"ttl_minutes"`
}

// ScheduleConfig drives periodic runs in serve mode.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSDESK")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("crawl.http_error_retry", 2)
	v.SetDefault("crawl.http_error_retry_sleep_ms", 1000)
	v.SetDefault("crawl.fetch_timeout_seconds", 30)
	v.SetDefault("crawl.backoff", string(crawler.BackoffFixed))
	v.SetDefault("crawl.domain_rps", 0)
	v.SetDefault("crawl.domain_burst", 1)
	v.SetDefault("crawl.user_agent", "newsdesk-bot/0.1")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.domain_qps", 0)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.gateway", "memory")
	v.SetDefault("storage.archive", "none")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.table", "articles")
	v.SetDefault("mongo.collection", "articles")
	v.SetDefault("translation.timeout_seconds", 30)
	v.SetDefault("translation.target_language", "en")
	v.SetDefault("lock.key", "newsdesk:run")
	v.SetDefault("lock.ttl_minutes", 120)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("crawl.fetch_timeout_seconds must be >= 0")
	}
	if c.Crawl.DomainRPS < 0 {
		return fmt.Errorf("crawl.domain_rps must be >= 0")
	}
	for _, hr := range c.Crawl.HostRates {
		if hr.Host == "" || hr.RPS < 0 {
			return fmt.Errorf("crawl.host_rates entries need a host and rps >= 0")
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Gateway {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.gateway is postgres")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo.uri and mongo.database must be set when storage.gateway is mongo")
		}
	default:
		return fmt.Errorf("unknown storage.gateway %q", c.Storage.Gateway)
	}
	switch c.Storage.Archive {
	case "", "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.archive is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.archive is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.archive %q", c.Storage.Archive)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return c.CrawlSettings().Validate()
}

// CrawlSettings converts the crawl sections into the orchestrator's settings.
func (c Config) CrawlSettings() crawler.CrawlSettings {
	sites := make([]crawler.SiteConfig, len(c.Crawlers))
	for i, site := range c.Crawlers {
		sites[i] = site.WithDefaults()
	}
	return crawler.CrawlSettings{
		HTTPErrorRetry:      c.Crawl.HTTPErrorRetry,
		HTTPErrorRetrySleep: time.Duration(c.Crawl.HTTPErrorRetrySleepMs) * time.Millisecond,
		FetchTimeout:        time.Duration(c.Crawl.FetchTimeoutSeconds) * time.Second,
		Backoff:             crawler.BackoffKind(c.Crawl.Backoff),
		Crawlers:            sites,
	}
}

// Languages maps each source to its configured language.
func (c Config) Languages() map[crawler.Source]string {
	out := make(map[crawler.Source]string, len(c.Crawlers))
	for _, site := range c.Crawlers {
		if site.Language != "" {
			out[site.Source] = site.Language
		}
	}
	return out
}

// HostRPS flattens crawl.host_rates for the rate limiter.
func (c Config) HostRPS() map[string]float64 {
	if len(c.Crawl.HostRates) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Crawl.HostRates))
	for _, hr := range c.Crawl.HostRates {
		out[hr.Host] = hr.RPS
	}
	return out
}

// LockTTL returns the distributed lock lifetime.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLMinutes) * time.Minute
}
