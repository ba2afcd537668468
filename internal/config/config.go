// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CATALOG_CRAWLER_CONCURRENCY.
const EnvPrefix = "CATALOG"

// Image storage backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Sitemap  SitemapConfig  `mapstructure:"sitemap"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Images   ImagesConfig   `mapstructure:"images"`
	Store    StoreConfig    `mapstructure:"store"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// CrawlerConfig governs the worker pool and politeness.
type CrawlerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	DelayMs       int    `mapstructure:"delay_ms"`
	Limit         int    `mapstructure:"limit"`
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// SitemapConfig controls URL discovery.
type SitemapConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryDelayMs   int    `mapstructure:"retry_delay_ms"`
	IncludePattern string `mapstructure:"include_pattern"`
	MaxDepth       int    `mapstructure:"max_depth"`
}

// ScraperConfig controls product extraction.
type ScraperConfig struct {
	MaxImagesPerProduct int    `mapstructure:"max_images_per_product"`
	ImageSelector       string `mapstructure:"image_selector"`
	RequestTimeoutMs    int    `mapstructure:"request_timeout_ms"`
}

// HeadlessConfig configures the chromedp page loader.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	WaitAfterLoadMs int  `mapstructure:"wait_after_load_ms"`
	ScrollSteps     int  `mapstructure:"scroll_steps"`
	ScrollDelayMs   int  `mapstructure:"scroll_delay_ms"`
	NavTimeoutMs    int  `mapstructure:"nav_timeout_ms"`
	MaxParallel     int  `mapstructure:"max_parallel"`
}

// ImagesConfig controls image download and where bytes land.
type ImagesConfig struct {
	Download    bool   `mapstructure:"download"`
	Dir         string `mapstructure:"dir"`
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
	Concurrency int    `mapstructure:"concurrency"`
	MaxBytes    int    `mapstructure:"max_bytes"`
}

// StoreConfig locates the embedded database file.
type StoreConfig struct {
	Path           string `mapstructure:"path"`
	FlushThreshold int    `mapstructure:"flush_threshold"`
}

// ProgressConfig sets reporting cadence.
type ProgressConfig struct {
	Every   int  `mapstructure:"every"`
	Verbose bool `mapstructure:"verbose"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// PubSubConfig holds metadata for product notifications. An empty Topic
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// New returns a Viper instance with env binding and defaults applied. Callers
// may bind CLI flags to it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
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
	v.SetDefault("crawler.concurrency", 3)
	v.SetDefault("crawler.delay_ms", 500)
	v.SetDefault("crawler.limit", 0)
	v.SetDefault("crawler.user_agent", "catalog-crawler/0.1 (+https://github.com/JakeFAU/catalog-crawler)")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("sitemap.url", "")
	v.SetDefault("sitemap.timeout_ms", 30000)
	v.SetDefault("sitemap.retries", 3)
	v.SetDefault("sitemap.retry_delay_ms", 2000)
	v.SetDefault("sitemap.include_pattern", "")
	v.SetDefault("sitemap.max_depth", 3)
	v.SetDefault("scraper.max_images_per_product", 8)
	v.SetDefault("scraper.image_selector", "")
	v.SetDefault("scraper.request_timeout_ms", 30000)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.wait_after_load_ms", 1500)
	v.SetDefault("headless.scroll_steps", 3)
	v.SetDefault("headless.scroll_delay_ms", 400)
	v.SetDefault("headless.nav_timeout_ms", 45000)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("images.download", true)
	v.SetDefault("images.dir", "data/images")
	v.SetDefault("images.backend", BackendLocal)
	v.SetDefault("images.gcs_bucket", "")
	v.SetDefault("images.gcs_prefix", "images")
	v.SetDefault("images.concurrency", 4)
	v.SetDefault("images.max_bytes", 10<<20)
	v.SetDefault("store.path", "data/catalog.db")
	v.SetDefault("store.flush_threshold", 50)
	v.SetDefault("progress.every", 10)
	v.SetDefault("progress.verbose", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Sitemap.URL) == "" {
		return errors.New("sitemap.url is required")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.Limit < 0 {
		return fmt.Errorf("crawler.limit must be >= 0")
	}
	if c.Sitemap.TimeoutMs <= 0 {
		return fmt.Errorf("sitemap.timeout_ms must be > 0")
	}
	if c.Sitemap.Retries < 0 {
		return fmt.Errorf("sitemap.retries must be >= 0")
	}
	if c.Sitemap.RetryDelayMs < 0 {
		return fmt.Errorf("sitemap.retry_delay_ms must be >= 0")
	}
	if c.Sitemap.IncludePattern != "" {
		if _, err := regexp.Compile(c.Sitemap.IncludePattern); err != nil {
			return fmt.Errorf("sitemap.include_pattern: %w", err)
		}
	}
	if c.Scraper.MaxImagesPerProduct < 0 {
		return fmt.Errorf("scraper.max_images_per_product must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.ScrollSteps < 0 || c.Headless.ScrollDelayMs < 0 || c.Headless.WaitAfterLoadMs < 0 {
		return fmt.Errorf("headless wait and scroll settings must be >= 0")
	}
	switch c.Images.Backend {
	case BackendLocal:
		if c.Images.Download && strings.TrimSpace(c.Images.Dir) == "" {
			return fmt.Errorf("images.dir must be set when images.download is enabled")
		}
	case BackendGCS:
		if c.Images.GCSBucket == "" {
			return fmt.Errorf("images.gcs_bucket must be set when images.backend is %q", BackendGCS)
		}
	default:
		return fmt.Errorf("images.backend must be %q or %q, got %q", BackendLocal, BackendGCS, c.Images.Backend)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.FlushThreshold <= 0 {
		return fmt.Errorf("store.flush_threshold must be > 0")
	}
	if c.Progress.Every <= 0 {
		return fmt.Errorf("progress.every must be > 0")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// Delay is the minimum spacing between outbound page requests.
func (c Config) Delay() time.Duration { return ms(c.Crawler.DelayMs) }

// SitemapTimeout bounds each sitemap fetch attempt.
func (c Config) SitemapTimeout() time.Duration { return ms(c.Sitemap.TimeoutMs) }

// SitemapRetryDelay is the fixed pause between sitemap attempts.
func (c Config) SitemapRetryDelay() time.Duration { return ms(c.Sitemap.RetryDelayMs) }

// RequestTimeout bounds a single page or image request.
func (c Config) RequestTimeout() time.Duration { return ms(c.Scraper.RequestTimeoutMs) }

// WaitAfterLoad returns the headless settle time.
func (c Config) WaitAfterLoad() time.Duration { return ms(c.Headless.WaitAfterLoadMs) }

// ScrollDelay returns the pause after each headless scroll step.
func (c Config) ScrollDelay() time.Duration { return ms(c.Headless.ScrollDelayMs) }

// NavTimeout bounds a headless navigation.
func (c Config) NavTimeout() time.Duration { return ms(c.Headless.NavTimeoutMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
