// Package scraper turns product pages into typed product records and image
// candidates using the page's schema.org JSON-LD plus its image gallery.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultMaxImages     = 8
	defaultImageSelector = `img[itemprop="image"], .product-gallery img, .pdp-gallery img`
)

// Config controls extraction.
type Config struct {
	// MaxImages caps the image candidates returned per product.
	MaxImages int
	// ImageSelector finds gallery images in addition to JSON-LD images.
	// Set to "-" to use JSON-LD images only.
	ImageSelector  string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Clock          crawler.Clock
}

// Scraper implements crawler.Scraper.
type Scraper struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
	clock   crawler.Clock
}

// New builds a Scraper that loads pages through fetcher, which decides whether
// pages are rendered headlessly.
func New(fetcher crawler.Fetcher, cfg Config) *Scraper {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = defaultMaxImages
	}
	if cfg.ImageSelector == "" {
		cfg.ImageSelector = defaultImageSelector
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Scraper{fetcher: fetcher, cfg: cfg, logger: logger, clock: clock}
}

// Scrape fetches pageURL and extracts its product. Pages without a usable
// JSON-LD Product return an error wrapping crawler.ErrExtractionFailed.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) (crawler.Extraction, error) {
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Timeout: s.cfg.RequestTimeout})
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("fetch page: %w", err)
	}
	base := pageURL
	if resp.URL != "" {
		base = resp.URL
	}
	return s.Extract(pageURL, base, resp.Body)
}

// Extract parses an already loaded page. pageURL is recorded on the product;
// baseURL resolves relative image links.
func (s *Scraper) Extract(pageURL, baseURL string, body []byte) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("%w: parse html: %w", crawler.ErrExtractionFailed, err)
	}

	node, err := s.pickProduct(doc)
	if err != nil {
		return crawler.Extraction{}, err
	}

	product, err := s.buildProduct(pageURL, node)
	if err != nil {
		return crawler.Extraction{}, err
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	images := s.collectImages(doc, base, node.product.Image)

	s.logger.Debug("product extracted",
		zap.String("url", pageURL),
		zap.String("product_key", product.Key),
		zap.Int("images", len(images)),
	)
	return crawler.Extraction{Product: product, Images: images}, nil
}

// pickProduct returns the first Product node, preferring one that carries an
// offer so that breadcrumb or accessory snippets lose to the main listing.
func (s *Scraper) pickProduct(doc *goquery.Document) (productNode, error) {
	var nodes []productNode
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		nodes = append(nodes, findProducts([]byte(text))...)
	})
	if len(nodes) == 0 {
		return productNode{}, fmt.Errorf("%w: no JSON-LD Product", crawler.ErrExtractionFailed)
	}
	for _, n := range nodes {
		if _, ok := n.product.Offers.best(); ok {
			return n, nil
		}
	}
	return nodes[0], nil
}

func (s *Scraper) buildProduct(pageURL string, node productNode) (crawler.Product, error) {
	p := node.product
	name := cleanText(string(p.Name))
	if name == "" {
		return crawler.Product{}, fmt.Errorf("%w: product has no name", crawler.ErrExtractionFailed)
	}

	externalID, key := deriveKey(pageURL, p)
	if key == "" {
		return crawler.Product{}, fmt.Errorf("%w: no usable product key", crawler.ErrExtractionFailed)
	}

	product := crawler.Product{
		Key:        key,
		ExternalID: externalID,
		Name:       name,
		Brand:      cleanText(string(p.Brand)),
		Model:      cleanText(string(p.Model)),
		Category:   cleanText(string(p.Category)),
		URL:        pageURL,
		LastSeen:   s.clock.Now().UTC(),
		Data:       node.raw,
	}

	condition := string(p.ItemCondition)
	if offer, _ := p.Offers.best(); len(p.Offers) > 0 {
		price, cur := offer.price()
		if price.ok && price.value >= 0 {
			product.Price = price.ptr()
			product.Currency = normalizeCurrency(cur)
		} else if price.raw != "" {
			s.logger.Debug("price not understood", zap.String("url", pageURL), zap.String("price", price.raw))
		}
		if condition == "" {
			condition = string(offer.ItemCondition)
		}
	}
	product.Condition = normalizeCondition(condition)

	if r := p.AggregateRating.RatingValue; r.ok && r.value >= 0 {
		product.Rating = r.ptr()
	}
	count := p.AggregateRating.ReviewCount
	if !count.ok {
		count = p.AggregateRating.RatingCount
	}
	if count.ok && count.value >= 0 {
		n := int(count.value)
		product.ReviewCount = &n
	}
	return product, nil
}

// deriveKey picks sku, then productID, then mpn, then the URL slug.
func deriveKey(pageURL string, p ldProduct) (string, string) {
	for _, candidate := range []ldText{p.SKU, p.ProductID, p.MPN} {
		raw := strings.TrimSpace(string(candidate))
		if key := crawler.NormalizeKey(raw); key != "" {
			return raw, key
		}
	}
	key := crawler.KeyFromURL(pageURL)
	return key, key
}

// collectImages merges JSON-LD images with gallery <img> elements in document
// order, resolves them against base, drops duplicates and applies the cap.
// The first image is primary unless the page marks another one.
func (s *Scraper) collectImages(doc *goquery.Document, base *url.URL, ld ldImages) []crawler.ImageCandidate {
	var (
		out    []crawler.ImageCandidate
		seen   = map[string]struct{}{}
		marked = -1
	)
	add := func(raw string, primary bool) {
		if len(out) >= s.cfg.MaxImages {
			return
		}
		abs := resolveImageURL(base, raw)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		if primary && marked < 0 {
			marked = len(out)
		}
		out = append(out, crawler.ImageCandidate{URL: abs})
	}

	for _, img := range ld {
		add(img.URL, img.Primary)
	}
	if s.cfg.ImageSelector != "-" {
		doc.Find(s.cfg.ImageSelector).Each(func(_ int, sel *goquery.Selection) {
			add(imageSource(sel), false)
		})
	}

	if len(out) == 0 {
		return nil
	}
	if marked < 0 {
		marked = 0
	}
	out[marked].Primary = true
	return out
}

// imageSource prefers lazy-load attributes over src placeholders.
func imageSource(sel *goquery.Selection) string {
	for _, attr := range []string{"data-zoom-image", "data-src", "src"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(v, "data:") {
			return strings.TrimSpace(v)
		}
	}
	if srcset, ok := sel.Attr("srcset"); ok {
		return largestSrcset(srcset)
	}
	return ""
}

// largestSrcset returns the last candidate of a srcset, which by convention is
// the widest.
func largestSrcset(srcset string) string {
	parts := strings.Split(srcset, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		fields := strings.Fields(parts[i])
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func resolveImageURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// normalizeCurrency returns the ISO 4217 code or "" when the value is not one.
func normalizeCurrency(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return ""
	}
	return unit.String()
}

// normalizeCondition maps schema.org condition IRIs such as
// "https://schema.org/RefurbishedCondition" to "Refurbished".
func normalizeCondition(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndexAny(raw, "/:"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSuffix(raw, "Condition")
}
