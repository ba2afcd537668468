package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

const closeTimeout = 30 * time.Second

// flagKeys maps crawl flags to config keys. Flags override environment, which
// overrides the config file, which overrides defaults.
var flagKeys = map[string]string{
	"sitemap-url":            "sitemap.url",
	"sitemap-timeout-ms":     "sitemap.timeout_ms",
	"sitemap-retries":        "sitemap.retries",
	"sitemap-retry-delay-ms": "sitemap.retry_delay_ms",
	"include":                "sitemap.include_pattern",
	"concurrency":            "crawler.concurrency",
	"delay-ms":               "crawler.delay_ms",
	"limit":                  "crawler.limit",
	"user-agent":             "crawler.user_agent",
	"respect-robots":         "crawler.respect_robots",
	"max-images":             "scraper.max_images_per_product",
	"headless":               "headless.enabled",
	"wait-after-load-ms":     "headless.wait_after_load_ms",
	"scroll-steps":           "headless.scroll_steps",
	"scroll-delay-ms":        "headless.scroll_delay_ms",
	"download-images":        "images.download",
	"image-dir":              "images.dir",
	"db-path":                "store.path",
	"progress-every":         "progress.every",
	"verbose":                "progress.verbose",
	"addr":                   "server.addr",
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [sitemap-url]",
		Short: "Crawls one sitemap into the catalog",
		Long: `Fetches the sitemap, extracts every product page that is not already in the
catalog, downloads product images and checkpoints the catalog to disk. SIGINT
or SIGTERM stops new pages from starting; pages in flight finish and the
catalog is flushed before exit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configFile, cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("sitemap-url", "", "sitemap or sitemap index URL")
	f.Int("sitemap-timeout-ms", 0, "timeout per sitemap attempt")
	f.Int("sitemap-retries", 0, "sitemap retries after the first attempt")
	f.Int("sitemap-retry-delay-ms", 0, "pause between sitemap attempts")
	f.String("include", "", "regexp page URLs must match")
	f.Int("concurrency", 0, "pages processed in parallel")
	f.Int("delay-ms", 0, "minimum spacing between page requests")
	f.Int("limit", 0, "process at most this many URLs (0 = all)")
	f.String("user-agent", "", "User-Agent header")
	f.Bool("respect-robots", false, "skip URLs disallowed by robots.txt")
	f.Int("max-images", 0, "images kept per product")
	f.Bool("headless", true, "render pages with headless Chrome")
	f.Int("wait-after-load-ms", 0, "headless settle time after load")
	f.Int("scroll-steps", 0, "headless scroll steps")
	f.Int("scroll-delay-ms", 0, "pause after each scroll step")
	f.Bool("download-images", true, "download image bytes")
	f.String("image-dir", "", "local image directory")
	f.String("db-path", "", "catalog database file")
	f.Int("progress-every", 0, "log progress every N pages")
	f.Bool("verbose", false, "log every extracted product")
	f.String("addr", "", "status server listen address (empty disables)")
	return cmd
}

// loadConfig layers defaults, the optional file, CATALOG_* env, changed flags
// and the positional sitemap URL.
func loadConfig(path string, flags *pflag.FlagSet, args []string) (config.Config, error) {
	v := config.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := bindFlags(v, flags); err != nil {
		return config.Config{}, err
	}
	if len(args) == 1 {
		v.Set("sitemap.url", args[0])
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

func runCrawl(ctx context.Context, out io.Writer, cfg config.Config) (err error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize crawler: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Error("shutdown failed", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
	}()

	res, err := a.Run(ctx)
	if res.URLs > 0 || res.Products > 0 {
		printSummary(out, res)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted; progress saved", zap.Error(err))
			return nil
		}
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl finished",
		zap.Stringer("run_id", res.RunID),
		zap.Int("completed", res.Summary.Completed),
		zap.Int("failed", res.Summary.Failed),
		zap.Int("skipped", res.Summary.Skipped),
		zap.Duration("duration", res.Summary.Duration),
	)
	return nil
}

func printSummary(w io.Writer, res app.Result) {
	s := res.Summary
	fmt.Fprintf(w, "run %s finished in %s\n", res.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  urls:      %d\n", res.URLs)
	fmt.Fprintf(w, "  completed: %d\n", s.Completed)
	fmt.Fprintf(w, "  failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  images:    %d\n", s.Images)
	fmt.Fprintf(w, "  catalog:   %d products, %d images\n", res.Products, res.Images)
	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintln(w, "failures:")
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  - %s: %s\n", f.URL, f.Reason)
	}
}
