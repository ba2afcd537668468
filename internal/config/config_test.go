package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  concurrency: 6
  delay_ms: 250
  limit: 40
  user_agent: shop-agent
  respect_robots: true
sitemap:
  url: https://shop.example/sitemap.xml
  retries: 2
  retry_delay_ms: 100
  include_pattern: "/p/"
headless:
  enabled: false
images:
  download: false
  backend: gcs
  gcs_bucket: catalog-images
store:
  path: /tmp/catalog.db
  flush_threshold: 20
progress:
  every: 5
  verbose: true
logging:
  development: false
server:
  addr: ":9090"
pubsub:
  project_id: demo
  topic: products
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.Concurrency != 6 || !cfg.Crawler.RespectRobots || cfg.Crawler.Limit != 40 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Sitemap.URL != "https://shop.example/sitemap.xml" || cfg.Sitemap.Retries != 2 {
		t.Fatalf("expected sitemap overrides to apply: %+v", cfg.Sitemap)
	}
	if cfg.Images.Backend != BackendGCS || cfg.Images.GCSBucket != "catalog-images" {
		t.Fatalf("expected gcs image backend: %+v", cfg.Images)
	}
	if cfg.Store.FlushThreshold != 20 || cfg.Progress.Every != 5 || !cfg.Progress.Verbose {
		t.Fatalf("expected store/progress overrides: %+v %+v", cfg.Store, cfg.Progress)
	}
	if cfg.Server.Addr != ":9090" || cfg.PubSub.Topic != "products" {
		t.Fatalf("expected server/pubsub overrides: %+v %+v", cfg.Server, cfg.PubSub)
	}
	if got := cfg.Delay(); got != 250*time.Millisecond {
		t.Fatalf("expected delay 250ms, got %v", got)
	}
	if got := cfg.SitemapRetryDelay(); got != 100*time.Millisecond {
		t.Fatalf("expected retry delay 100ms, got %v", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Scraper.MaxImagesPerProduct != 8 || cfg.Headless.ScrollSteps != 3 {
		t.Fatalf("expected defaults for unset keys: %+v %+v", cfg.Scraper, cfg.Headless)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	v := New()
	v.Set("sitemap.url", "https://shop.example/sitemap.xml")
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 3 || cfg.Delay() != 500*time.Millisecond {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.SitemapTimeout() != 30*time.Second || cfg.Sitemap.Retries != 3 || cfg.SitemapRetryDelay() != 2*time.Second {
		t.Fatalf("unexpected sitemap defaults: %+v", cfg.Sitemap)
	}
	if !cfg.Headless.Enabled || cfg.WaitAfterLoad() != 1500*time.Millisecond || cfg.ScrollDelay() != 400*time.Millisecond {
		t.Fatalf("unexpected headless defaults: %+v", cfg.Headless)
	}
	if !cfg.Images.Download || cfg.Images.Dir != "data/images" || cfg.Images.Backend != BackendLocal {
		t.Fatalf("unexpected image defaults: %+v", cfg.Images)
	}
	if cfg.Store.Path != "data/catalog.db" || cfg.Store.FlushThreshold != 50 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Progress.Every != 10 || cfg.Progress.Verbose {
		t.Fatalf("unexpected progress defaults: %+v", cfg.Progress)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_SITEMAP_URL", "https://env.example/sitemap.xml")
	t.Setenv("CATALOG_CRAWLER_CONCURRENCY", "9")
	t.Setenv("CATALOG_HEADLESS_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sitemap.URL != "https://env.example/sitemap.xml" {
		t.Fatalf("expected sitemap url from env, got %q", cfg.Sitemap.URL)
	}
	if cfg.Crawler.Concurrency != 9 || cfg.Headless.Enabled {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Crawler, cfg.Headless)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	v := New()
	v.Set("sitemap.url", "https://shop.example/sitemap.xml")
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper() error = %v", err)
	}
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := validConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing sitemap", mutate: func(c *Config) { c.Sitemap.URL = " " }, want: "sitemap.url"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "negative delay", mutate: func(c *Config) { c.Crawler.DelayMs = -1 }, want: "crawler.delay_ms"},
		{name: "negative retries", mutate: func(c *Config) { c.Sitemap.Retries = -1 }, want: "sitemap.retries"},
		{name: "bad include pattern", mutate: func(c *Config) { c.Sitemap.IncludePattern = "([" }, want: "sitemap.include_pattern"},
		{
			name: "headless missing max parallel",
			mutate: func(c *Config) {
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
			},
			want: "headless.max_parallel",
		},
		{name: "unknown backend", mutate: func(c *Config) { c.Images.Backend = "s3" }, want: "images.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Images.Backend = BackendGCS }, want: "images.gcs_bucket"},
		{name: "flush threshold", mutate: func(c *Config) { c.Store.FlushThreshold = 0 }, want: "store.flush_threshold"},
		{name: "progress every", mutate: func(c *Config) { c.Progress.Every = 0 }, want: "progress.every"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.Topic = "products" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
