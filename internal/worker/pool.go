// Package worker runs the crawl pipeline over a list of product page URLs with
// bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

const (
	defaultConcurrency = 3
	// DefaultTopic is the event attribute used for product notifications.
	DefaultTopic = "product.upserted"
)

// Skip reasons recorded in logs and progress events.
const (
	SkipDuplicate = "duplicate"
	SkipRobots    = "robots"
)

// Config controls the pool.
type Config struct {
	// Concurrency bounds page tasks in flight.
	Concurrency int
	// Limit truncates the URL list before scheduling. Zero means no limit.
	Limit int
	// Topic labels product notifications.
	Topic string
	// Cadence decides when the Reporter receives a snapshot. Verbose also
	// logs every successful extraction at info level.
	Cadence progress.Cadence
	Logger  *zap.Logger
}

// Deps are the pool's collaborators. Robots, Publisher, Reporter, Events and
// Clock are optional.
type Deps struct {
	Scraper   crawler.Scraper
	Images    crawler.ImageAcquirer
	Store     crawler.ProductStore
	Dedup     crawler.DedupIndex
	Limiter   crawler.RateLimiter
	Robots    crawler.RobotsPolicy
	Publisher crawler.Publisher
	Reporter  crawler.Reporter
	Events    progress.Emitter
	Clock     crawler.Clock
}

// ProductNotice is published once a product and its images are persisted.
type ProductNotice struct {
	RunID      string    `json:"run_id"`
	ProductKey string    `json:"product_key"`
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	URL        string    `json:"product_url"`
	Price      *float64  `json:"price,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Images     int       `json:"images"`
	LastSeen   time.Time `json:"last_seen"`
}

// Pool executes crawl tasks. A Pool runs one crawl at a time.
type Pool struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	runMu sync.Mutex

	mu       sync.Mutex
	stats    crawler.Stats
	failures []crawler.Failure
}

// New validates deps and returns a Pool.
func New(deps Deps, cfg Config) (*Pool, error) {
	switch {
	case deps.Scraper == nil:
		return nil, errors.New("worker: scraper is required")
	case deps.Images == nil:
		return nil, errors.New("worker: image acquirer is required")
	case deps.Store == nil:
		return nil, errors.New("worker: product store is required")
	case deps.Dedup == nil:
		return nil, errors.New("worker: dedup index is required")
	case deps.Limiter == nil:
		return nil, errors.New("worker: rate limiter is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run processes urls and blocks until every started task finishes.
//
// Page-level failures are counted and never stop the run. A persistence
// failure stops scheduling, lets in-flight tasks finish and is returned
// wrapping crawler.ErrPersistenceWriteFailed. Canceling ctx also stops
// scheduling; tasks that already started run to completion.
func (p *Pool) Run(ctx context.Context, runID uuid.UUID, urls []string) (crawler.Summary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.cfg.Limit > 0 && len(urls) > p.cfg.Limit {
		urls = urls[:p.cfg.Limit]
	}
	p.mu.Lock()
	p.stats = crawler.Stats{Total: len(urls)}
	p.failures = nil
	p.mu.Unlock()

	start := p.deps.Clock.Now()
	rid := [16]byte(runID)
	p.deps.Events.Emit(progress.Event{RunID: rid, TS: start, Stage: progress.StageRunStart})
	p.logger.Info("crawl started",
		zap.Stringer("run_id", runID),
		zap.Int("urls", len(urls)),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, u := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up after a fatal error canceled gctx.
			if gctx.Err() != nil {
				return nil
			}
			if err := p.process(context.WithoutCancel(gctx), runID, u); crawler.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}

	summary := p.summary()
	summary.Duration = p.deps.Clock.Now().Sub(start)
	end := progress.Event{RunID: rid, TS: p.deps.Clock.Now(), Stage: progress.StageRunDone, Dur: summary.Duration}
	if err != nil {
		end.Stage = progress.StageRunError
		end.Note = err.Error()
	}
	p.deps.Events.Emit(end)
	return summary, err
}

// process runs one URL through dedup, robots, rate limit, scrape and
// persistence. Page-level problems are recorded and swallowed; the returned
// error is always fatal to the run.
func (p *Pool) process(ctx context.Context, runID uuid.UUID, pageURL string) error {
	started := p.deps.Clock.Now()
	logger := p.logger.With(zap.String("url", pageURL))

	urlKey := crawler.KeyFromURL(pageURL)
	if !p.deps.Dedup.Claim(urlKey) {
		logger.Debug("page skipped", zap.String("reason", SkipDuplicate), zap.String("product_key", urlKey))
		p.skip(runID, pageURL, SkipDuplicate)
		return nil
	}
	if p.deps.Robots != nil && !p.deps.Robots.Allowed(ctx, pageURL) {
		p.deps.Dedup.Release(urlKey)
		logger.Info("page skipped", zap.String("reason", SkipRobots))
		p.skip(runID, pageURL, SkipRobots)
		return nil
	}

	if err := p.deps.Limiter.Acquire(ctx); err != nil {
		p.deps.Dedup.Release(urlKey)
		p.fail(runID, pageURL, fmt.Errorf("rate limiter: %w", err), started)
		return nil
	}

	ext, err := p.deps.Scraper.Scrape(ctx, pageURL)
	if err != nil {
		p.deps.Dedup.Release(urlKey)
		logger.Warn("page failed", zap.Error(err))
		p.fail(runID, pageURL, err, started)
		return nil
	}
	product := ext.Product

	if product.Key != urlKey && !p.deps.Dedup.Claim(product.Key) {
		p.deps.Dedup.Commit(urlKey)
		logger.Debug("page skipped", zap.String("reason", SkipDuplicate), zap.String("product_key", product.Key))
		p.skip(runID, pageURL, SkipDuplicate)
		return nil
	}
	release := func() {
		p.deps.Dedup.Release(urlKey)
		p.deps.Dedup.Release(product.Key)
	}

	if err := p.deps.Store.UpsertProduct(ctx, product); err != nil {
		release()
		return p.fatal(runID, pageURL, err, started)
	}

	records, err := p.deps.Images.Acquire(ctx, product, ext.Images)
	if err != nil {
		logger.Warn("image acquisition incomplete", zap.String("product_key", product.Key), zap.Error(err))
	}
	if err := p.deps.Store.UpsertImages(ctx, records); err != nil {
		release()
		return p.fatal(runID, pageURL, err, started)
	}
	if _, err := p.deps.Store.Flush(ctx, false); err != nil {
		release()
		return p.fatal(runID, pageURL, err, started)
	}
	p.deps.Dedup.Commit(urlKey, product.Key)

	p.publish(ctx, runID, product, len(records))

	fields := []zap.Field{
		zap.String("product_key", product.Key),
		zap.String("name", product.Name),
		zap.Int("images", len(records)),
	}
	if p.cfg.Cadence.Verbose {
		logger.Info("product extracted", fields...)
	} else {
		logger.Debug("product extracted", fields...)
	}
	p.complete(runID, pageURL, product.Key, len(records), started)
	return nil
}

func (p *Pool) publish(ctx context.Context, runID uuid.UUID, product crawler.Product, images int) {
	if p.deps.Publisher == nil {
		return
	}
	notice := ProductNotice{
		RunID:      runID.String(),
		ProductKey: product.Key,
		ProductID:  product.ExternalID,
		Name:       product.Name,
		URL:        product.URL,
		Price:      product.Price,
		Currency:   product.Currency,
		Images:     images,
		LastSeen:   product.LastSeen,
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, notice); err != nil {
		p.logger.Warn("product notification failed", zap.String("product_key", product.Key), zap.Error(err))
	}
}

func (p *Pool) complete(runID uuid.UUID, pageURL, key string, images int, started time.Time) {
	now := p.deps.Clock.Now()
	p.record(func(s *crawler.Stats) {
		s.Completed++
		s.Images += images
	}, nil)
	p.deps.Events.Emit(progress.Event{
		RunID: [16]byte(runID), TS: now, Stage: progress.StagePageDone,
		Site: progress.SiteOf(pageURL), URL: pageURL, ProductKey: key, Images: images, Dur: now.Sub(started),
	})
}

func (p *Pool) fail(runID uuid.UUID, pageURL string, err error, started time.Time) {
	now := p.deps.Clock.Now()
	p.record(func(s *crawler.Stats) { s.Failed++ }, &crawler.Failure{URL: pageURL, Reason: err.Error()})
	p.deps.Events.Emit(progress.Event{
		RunID: [16]byte(runID), TS: now, Stage: progress.StagePageFailed,
		Site: progress.SiteOf(pageURL), URL: pageURL, Dur: now.Sub(started), Note: err.Error(),
	})
}

func (p *Pool) fatal(runID uuid.UUID, pageURL string, err error, started time.Time) error {
	p.logger.Error("persistence failed", zap.String("url", pageURL), zap.Error(err))
	p.fail(runID, pageURL, err, started)
	if !errors.Is(err, crawler.ErrPersistenceWriteFailed) {
		err = fmt.Errorf("%w: %w", crawler.ErrPersistenceWriteFailed, err)
	}
	return err
}

func (p *Pool) skip(runID uuid.UUID, pageURL, reason string) {
	p.record(func(s *crawler.Stats) { s.Skipped++ }, nil)
	p.deps.Events.Emit(progress.Event{
		RunID: [16]byte(runID), TS: p.deps.Clock.Now(), Stage: progress.StagePageSkipped,
		Site: progress.SiteOf(pageURL), URL: pageURL, Note: reason,
	})
}

// record applies update under the stats lock and hands the reporter the
// resulting snapshot when the cadence calls for it.
func (p *Pool) record(update func(*crawler.Stats), failure *crawler.Failure) {
	p.mu.Lock()
	update(&p.stats)
	if failure != nil {
		p.failures = append(p.failures, *failure)
	}
	snapshot := p.stats
	p.mu.Unlock()

	if p.deps.Reporter != nil && p.cfg.Cadence.Due(snapshot) {
		p.deps.Reporter.Report(snapshot)
	}
}

// Stats returns the counters of the current or last run.
func (p *Pool) Stats() crawler.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pool) summary() crawler.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return crawler.Summary{
		Stats:    p.stats,
		Failures: append([]crawler.Failure(nil), p.failures...),
	}
}
