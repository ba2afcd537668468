// Package sitemap discovers product page URLs from XML sitemaps and sitemap
// indexes.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	gosm "github.com/oxffaa/gopher-parse-sitemap"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/retry"
)

const defaultMaxDepth = 3

var gzipMagic = []byte{0x1f, 0x8b}

// Options configures a Source.
type Options struct {
	// IncludePattern, when set, keeps only page URLs matching the regexp.
	IncludePattern string
	// MaxDepth bounds how many sitemap-index levels are followed.
	MaxDepth int
	Logger   *zap.Logger
}

// Source fetches a sitemap and flattens it into an ordered page URL list.
type Source struct {
	fetcher  crawler.Fetcher
	include  *regexp.Regexp
	maxDepth int
	logger   *zap.Logger
}

// New builds a Source on top of the given fetcher.
func New(fetcher crawler.Fetcher, opts Options) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("sitemap: fetcher is required")
	}
	var include *regexp.Regexp
	if opts.IncludePattern != "" {
		re, err := regexp.Compile(opts.IncludePattern)
		if err != nil {
			return nil, fmt.Errorf("sitemap: compile include pattern: %w", err)
		}
		include = re
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		fetcher:  fetcher,
		include:  include,
		maxDepth: opts.MaxDepth,
		logger:   logger,
	}, nil
}

// FetchURLs downloads sitemapURL and returns its page URLs in document order,
// without duplicates. Every sitemap document, including index children, is
// attempted maxRetries+1 times with retryDelay between attempts and each
// attempt bounded by timeout. When any document stays unavailable the error
// wraps crawler.ErrSitemapUnavailable and no URLs are returned.
func (s *Source) FetchURLs(
	ctx context.Context,
	sitemapURL string,
	timeout time.Duration,
	maxRetries int,
	retryDelay time.Duration,
) ([]string, error) {
	w := walk{
		policy:  retry.NewFixed(maxRetries, retryDelay),
		timeout: timeout,
		seen:    make(map[string]struct{}),
	}
	body, err := s.fetchWithRetry(ctx, &w, sitemapURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrSitemapUnavailable, sitemapURL, err)
	}
	if err := s.expand(ctx, &w, sitemapURL, body, 0); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrSitemapUnavailable, sitemapURL, err)
	}

	s.logger.Info("sitemap loaded",
		zap.String("url", sitemapURL),
		zap.Int("urls", len(w.urls)),
		zap.Int("filtered", w.filtered),
	)
	return w.urls, nil
}

// walk carries the state of one FetchURLs call.
type walk struct {
	policy  retry.FixedPolicy
	timeout time.Duration

	urls     []string
	seen     map[string]struct{}
	filtered int
}

// add appends loc unless an equivalent URL was already collected. Equivalence
// is decided on the normalized form; the URL is kept as listed.
func (w *walk) add(loc string) {
	key, err := crawler.NormalizeURL(loc)
	if err != nil {
		key = loc
	}
	if _, ok := w.seen[key]; ok {
		return
	}
	w.seen[key] = struct{}{}
	w.urls = append(w.urls, loc)
}

func (s *Source) fetchWithRetry(ctx context.Context, w *walk, docURL string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, w.policy, func(ctx context.Context, attempt int) error {
		b, err := s.fetchDocument(ctx, docURL, w.timeout)
		if err != nil {
			s.logger.Warn("sitemap fetch failed",
				zap.String("url", docURL),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", w.policy.MaxRetries+1),
				zap.Error(err),
			)
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// expand parses body as a urlset or, failing that, as a sitemap index and
// recurses into its children. A child that cannot be fetched or parsed fails
// the whole walk.
func (s *Source) expand(ctx context.Context, w *walk, docURL string, body []byte, depth int) error {
	locs, err := parseURLSet(body)
	if err == nil && len(locs) > 0 {
		for _, loc := range locs {
			if s.include != nil && !s.include.MatchString(loc) {
				w.filtered++
				continue
			}
			w.add(loc)
		}
		return nil
	}

	children, indexErr := parseIndex(body)
	if indexErr != nil || len(children) == 0 {
		if err != nil {
			return fmt.Errorf("parse sitemap %s: %w", docURL, err)
		}
		// A valid but empty urlset.
		return nil
	}
	if depth >= s.maxDepth {
		s.logger.Warn("sitemap index nesting too deep", zap.String("url", docURL), zap.Int("depth", depth))
		return nil
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		childBody, err := s.fetchWithRetry(ctx, w, child)
		if err != nil {
			return fmt.Errorf("child sitemap %s: %w", child, err)
		}
		if err := s.expand(ctx, w, child, childBody, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) fetchDocument(ctx context.Context, docURL string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: docURL, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return decompress(resp.Body)
}

// decompress transparently inflates gzip bodies (sitemap.xml.gz), detected by
// magic bytes since servers label them inconsistently.
func decompress(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip sitemap: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate gzip sitemap: %w", err)
	}
	return out, nil
}

func parseURLSet(body []byte) ([]string, error) {
	var locs []string
	err := gosm.Parse(bytes.NewReader(body), func(e gosm.Entry) error {
		if loc := strings.TrimSpace(e.GetLocation()); loc != "" {
			locs = append(locs, loc)
		}
		return nil
	})
	return locs, err
}

func parseIndex(body []byte) ([]string, error) {
	var locs []string
	err := gosm.ParseIndex(bytes.NewReader(body), func(e gosm.IndexEntry) error {
		if loc := strings.TrimSpace(e.GetLocation()); loc != "" {
			locs = append(locs, loc)
		}
		return nil
	})
	return locs, err
}
