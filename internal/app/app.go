// Package app builds the crawler's long-lived services from configuration and
// runs one crawl: sitemap discovery, the worker pool, the final forced flush
// and the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dedup"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher/headless"
	uuidgen "github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/images"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/policy/robots"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
	"github.com/JakeFAU/catalog-crawler/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/scraper"
	"github.com/JakeFAU/catalog-crawler/internal/sitemap"
	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/store/sqlite"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// Result describes a finished run.
type Result struct {
	RunID    uuid.UUID
	URLs     int
	Summary  crawler.Summary
	Products int
	Images   int
}

// App holds the shared services for one crawler process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	store     *sqlite.Store
	source    *sitemap.Source
	pool      *worker.Pool
	hub       *progress.Hub
	ledger    *sinks.LedgerSink
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	api       *api.Server

	closers []func() error
}

// Build wires every component described by cfg. On error, anything already
// opened is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		ids:      uuidgen.New(),
		clock:    system.New(),
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
			if a.hub != nil {
				_ = a.hub.Close(context.WithoutCancel(ctx))
			}
			if a.store != nil {
				_ = a.store.Close(context.WithoutCancel(ctx))
			}
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	static := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	})
	pages, err := a.setupPageFetcher(static)
	if err != nil {
		return nil, err
	}

	a.source, err = sitemap.New(static, sitemap.Options{
		IncludePattern: cfg.Sitemap.IncludePattern,
		MaxDepth:       cfg.Sitemap.MaxDepth,
		Logger:         logger.Named("sitemap"),
	})
	if err != nil {
		return nil, fmt.Errorf("init sitemap source: %w", err)
	}

	a.store, err = sqlite.Open(ctx, sqlite.Config{
		Path:           cfg.Store.Path,
		FlushThreshold: cfg.Store.FlushThreshold,
		Logger:         logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	seen, err := a.store.Checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	index := dedup.New(seen...)
	if index.Len() > 0 {
		logger.Info("resuming from checkpoint", zap.Int("keys", index.Len()))
	}

	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	acquirer, err := images.New(static, blobs, images.Config{
		Download:    cfg.Images.Download,
		Concurrency: cfg.Images.Concurrency,
		MaxBytes:    cfg.Images.MaxBytes,
		Timeout:     cfg.RequestTimeout(),
		Logger:      logger.Named("images"),
		Clock:       a.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("init image acquirer: %w", err)
	}

	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.setupProgress(); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{MinDelay: cfg.Delay()})
	logger.Debug("request spacing", zap.Duration("min_delay", limiter.MinDelay()))

	a.pool, err = worker.New(worker.Deps{
		Scraper: scraper.New(pages, scraper.Config{
			MaxImages:      cfg.Scraper.MaxImagesPerProduct,
			ImageSelector:  cfg.Scraper.ImageSelector,
			RequestTimeout: cfg.RequestTimeout(),
			Logger:         logger.Named("scraper"),
			Clock:          a.clock,
		}),
		Images:  acquirer,
		Store:   a.store,
		Dedup:   index,
		Limiter: limiter,
		Robots: robots.New(cfg.Crawler.RespectRobots, robots.Options{
			UserAgent: cfg.Crawler.UserAgent,
			Logger:    logger.Named("robots"),
		}),
		Publisher: a.publisher,
		Reporter:  progress.NewLogReporter(logger.Named("progress")),
		Events:    a.hub,
		Clock:     a.clock,
	}, worker.Config{
		Concurrency: cfg.Crawler.Concurrency,
		Limit:       cfg.Crawler.Limit,
		Cadence:     progress.Cadence{Every: cfg.Progress.Every, Verbose: cfg.Progress.Verbose},
		Logger:      logger.Named("worker"),
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pool: %w", err)
	}

	if cfg.Server.Addr != "" {
		handler := api.NewProgressHandler(a.pool, a.ledger, logger.Named("api"))
		a.api, err = api.NewServer(handler, api.Options{Registry: a.registry, Logger: logger.Named("api")})
		if err != nil {
			return nil, fmt.Errorf("init status server: %w", err)
		}
	}
	return a, nil
}

func (a *App) setupPageFetcher(static *collyfetcher.Fetcher) (crawler.Fetcher, error) {
	if !a.cfg.Headless.Enabled {
		return static, nil
	}
	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		WaitAfterLoad:     a.cfg.WaitAfterLoad(),
		ScrollSteps:       a.cfg.Headless.ScrollSteps,
		ScrollDelay:       a.cfg.ScrollDelay(),
	})
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.closers = append(a.closers, func() error {
		browser.Close()
		return nil
	})
	return browser, nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	if !a.cfg.Images.Download {
		return nil, nil
	}
	switch a.cfg.Images.Backend {
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Images.GCSBucket, Prefix: a.cfg.Images.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs image store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using gcs image store", zap.String("bucket", a.cfg.Images.GCSBucket))
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Images.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local image store: %w", err)
		}
		return store, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		return memory.New(), nil
	}
	pub, err := pubsubpub.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.logger.Info("publishing product notifications", zap.String("topic", a.cfg.PubSub.Topic))
	return pub, nil
}

func (a *App) setupProgress() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	a.ledger = sinks.NewLedgerSink()
	a.hub = progress.NewHub(progress.HubConfig{Logger: a.logger.Named("events")},
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
		a.ledger,
	)
	return nil
}

// Run crawls the configured sitemap once. A sitemap failure returns an error
// wrapping crawler.ErrSitemapUnavailable before any page is fetched. The store
// is force-flushed before Run returns, including after interruption.
func (a *App) Run(ctx context.Context) (Result, error) {
	runID, err := a.ids.NewRawID()
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: runID}

	if a.api != nil {
		stop, err := a.startServer(ctx)
		if err != nil {
			return res, err
		}
		defer stop()
	}

	urls, err := a.source.FetchURLs(ctx,
		a.cfg.Sitemap.URL,
		a.cfg.SitemapTimeout(),
		a.cfg.Sitemap.Retries,
		a.cfg.SitemapRetryDelay(),
	)
	if err != nil {
		now := a.clock.Now()
		a.hub.Emit(progress.Event{RunID: [16]byte(runID), TS: now, Stage: progress.StageRunStart})
		a.hub.Emit(progress.Event{RunID: [16]byte(runID), TS: now, Stage: progress.StageRunError, Note: err.Error()})
		return res, err
	}
	res.URLs = len(urls)

	res.Summary, err = a.pool.Run(ctx, runID, urls)

	// Interruption must not cost buffered writes.
	flushCtx := context.WithoutCancel(ctx)
	if _, flushErr := a.store.Flush(flushCtx, true); flushErr != nil {
		err = errors.Join(err, fmt.Errorf("final flush: %w", flushErr))
	}
	if products, imgs, countErr := a.store.Counts(flushCtx); countErr == nil {
		res.Products, res.Images = products, imgs
	}
	return res, err
}

func (a *App) startServer(ctx context.Context) (func(), error) {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- a.api.ServeListener(srvCtx, ln) }()
	a.api.SetReady(true)
	return func() {
		a.api.SetReady(false)
		cancel()
		if err := <-done; err != nil {
			a.logger.Warn("status server stopped with error", zap.Error(err))
		}
	}, nil
}

// Ledger exposes the run ledger.
func (a *App) Ledger() *sinks.LedgerSink {
	return a.ledger
}

// Publisher exposes the product notification publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Registry exposes the metrics registry served on /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Close drains progress sinks, force-flushes and closes the store, then
// releases browsers and cloud clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped during run", zap.Int64("dropped", dropped))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
