package scraper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const tvPage = `<!doctype html>
<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"BreadcrumbList","itemListElement":[]}
</script>
<script type="application/ld+json">
{
  "@context": "https://schema.org",
  "@type": "Product",
  "name": "  65\" Class   QN90D Neo QLED 4K ",
  "sku": "QN65QN90DAFXZA",
  "mpn": "QN65QN90D",
  "brand": {"@type": "Brand", "name": "Samsung"},
  "model": "QN90D",
  "category": "Televisions",
  "image": [
    "https://cdn.shop.test/tv/front.jpg",
    {"@type": "ImageObject", "contentUrl": "/tv/side.png", "representativeOfPage": true}
  ],
  "offers": {"@type": "Offer", "price": "1,299.99", "priceCurrency": "usd",
             "itemCondition": "https://schema.org/NewCondition"},
  "aggregateRating": {"@type": "AggregateRating", "ratingValue": 4.6, "reviewCount": "1289"}
}
</script>
</head><body>
<div class="product-gallery">
  <img src="https://cdn.shop.test/tv/front.jpg">
  <img data-src="/tv/back.webp" src="data:image/gif;base64,R0lGOD">
  <img srcset="/tv/wall-480.jpg 480w, /tv/wall-1200.jpg 1200w">
</div>
</body></html>`

type pageFetcher struct {
	body string
	err  error
}

func (f pageFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(f.body)}, nil
}

func newTestScraper(body string, cfg Config) *Scraper {
	if cfg.Clock == nil {
		cfg.Clock = system.NewManual(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	}
	return New(pageFetcher{body: body}, cfg)
}

func TestScrapeExtractsProduct(t *testing.T) {
	t.Parallel()

	s := newTestScraper(tvPage, Config{})
	got, err := s.Scrape(context.Background(), "https://shop.test/p/qn90d")
	require.NoError(t, err)

	p := got.Product
	assert.Equal(t, "qn65qn90dafxza", p.Key)
	assert.Equal(t, "QN65QN90DAFXZA", p.ExternalID)
	assert.Equal(t, `65" Class QN90D Neo QLED 4K`, p.Name)
	assert.Equal(t, "Samsung", p.Brand)
	assert.Equal(t, "QN90D", p.Model)
	assert.Equal(t, "Televisions", p.Category)
	assert.Equal(t, "New", p.Condition)
	require.NotNil(t, p.Price)
	assert.InDelta(t, 1299.99, *p.Price, 1e-9)
	assert.Equal(t, "USD", p.Currency)
	require.NotNil(t, p.Rating)
	assert.InDelta(t, 4.6, *p.Rating, 1e-9)
	require.NotNil(t, p.ReviewCount)
	assert.Equal(t, 1289, *p.ReviewCount)
	assert.Equal(t, "https://shop.test/p/qn90d", p.URL)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), p.LastSeen)
	assert.Contains(t, string(p.Data), `"sku": "QN65QN90DAFXZA"`)

	require.Equal(t, []crawler.ImageCandidate{
		{URL: "https://cdn.shop.test/tv/front.jpg"},
		{URL: "https://shop.test/tv/side.png", Primary: true},
		{URL: "https://shop.test/tv/back.webp"},
		{URL: "https://shop.test/tv/wall-1200.jpg"},
	}, got.Images)
}

func TestScrapeCapsImagesAndDefaultsPrimary(t *testing.T) {
	t.Parallel()

	page := `<html><head><script type="application/ld+json">
{"@type":"Product","name":"Soundbar","productID":"HW-Q990D",
 "image":["/a.jpg","/b.jpg","/c.jpg","/d.jpg"]}
</script></head><body></body></html>`

	got, err := newTestScraper(page, Config{MaxImages: 2}).Scrape(context.Background(), "https://shop.test/p/soundbar")
	require.NoError(t, err)
	assert.Equal(t, "hw-q990d", got.Product.Key)
	assert.Nil(t, got.Product.Price)
	require.Len(t, got.Images, 2)
	assert.True(t, got.Images[0].Primary)
	assert.False(t, got.Images[1].Primary)
	assert.Equal(t, "https://shop.test/b.jpg", got.Images[1].URL)
}

func TestScrapeReadsGraphAndFallsBackToURLKey(t *testing.T) {
	t.Parallel()

	page := `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"WebPage","name":"ignored"},
  {"@type":["Product","Thing"],"name":"Galaxy Buds","offers":[
     {"@type":"Offer","priceCurrency":"XYZ1"},
     {"@type":"Offer","price":149,"priceCurrency":"EUR"}]}
]}
</script></head></html>`

	got, err := newTestScraper(page, Config{}).Scrape(context.Background(), "https://shop.test/p/galaxy-buds.html")
	require.NoError(t, err)
	assert.Equal(t, "galaxy-buds", got.Product.Key)
	assert.Equal(t, "galaxy-buds", got.Product.ExternalID)
	require.NotNil(t, got.Product.Price)
	assert.InDelta(t, 149.0, *got.Product.Price, 1e-9)
	assert.Equal(t, "EUR", got.Product.Currency)
	assert.Empty(t, got.Images)
}

func TestScrapeWithoutStructuredDataFails(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no json-ld":    `<html><body><h1>Just a page</h1></body></html>`,
		"not a product": `<html><script type="application/ld+json">{"@type":"Organization","name":"Shop"}</script></html>`,
		"broken json":   `<html><script type="application/ld+json">{"@type":"Product",</script></html>`,
		"nameless":      `<html><script type="application/ld+json">{"@type":"Product","sku":"X1"}</script></html>`,
		"empty script":  `<html><script type="application/ld+json">   </script></html>`,
	}
	for name, page := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := newTestScraper(page, Config{}).Scrape(context.Background(), "https://shop.test/p/x")
			require.Error(t, err)
			assert.ErrorIs(t, err, crawler.ErrExtractionFailed)
		})
	}
}

func TestScrapeFetchErrorIsNotExtractionFailure(t *testing.T) {
	t.Parallel()

	s := New(pageFetcher{err: errors.New("status 500: Internal Server Error")}, Config{})
	_, err := s.Scrape(context.Background(), "https://shop.test/p/x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, crawler.ErrExtractionFailed)
}

func TestNormalizers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "USD", normalizeCurrency(" usd "))
	assert.Empty(t, normalizeCurrency("dollars"))
	assert.Empty(t, normalizeCurrency(""))
	assert.Equal(t, "Refurbished", normalizeCondition("http://schema.org/RefurbishedCondition"))
	assert.Equal(t, "Used", normalizeCondition("UsedCondition"))
	assert.Equal(t, "", normalizeCondition(""))
	assert.Equal(t, "Café TV", cleanText("Café   TV"))
	assert.Equal(t, "/big.jpg", largestSrcset("/small.jpg 1x, /big.jpg 2x"))
}

func TestParseNumber(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "1299", want: 1299, ok: true},
		{in: "1,299.00", want: 1299, ok: true},
		{in: "1.299,00", want: 1299, ok: true},
		{in: "€ 49,90", want: 49.90, ok: true},
		{in: "£1,049", want: 1049, ok: true},
		{in: "1 299,95 zł", want: 1299.95, ok: true},
		{in: "CHF 1'299.50", want: 1299.50, ok: true},
		{in: "1.299.000", want: 1299000, ok: true},
		{in: "1.5e3", want: 1500, ok: true},
		{in: "call for price", ok: false},
		{in: "NaN", ok: false},
		{in: "12/99", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseNumber(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, tc.in)
		}
	}
}

func TestScrapeReadsEuropeanPriceAndLogsUnreadable(t *testing.T) {
	t.Parallel()

	page := func(price string) string {
		return `<html><head><script type="application/ld+json">
{"@type":"Product","name":"Soundbar","sku":"HW-1","offers":{"@type":"Offer","price":"` + price + `","priceCurrency":"EUR"}}
</script></head></html>`
	}

	got, err := newTestScraper(page("€ 1.299,00"), Config{}).Scrape(context.Background(), "https://shop.test/p/hw-1")
	require.NoError(t, err)
	require.NotNil(t, got.Product.Price)
	assert.InDelta(t, 1299.0, *got.Product.Price, 1e-9)
	assert.Equal(t, "EUR", got.Product.Currency)

	core, logs := observer.New(zap.DebugLevel)
	got, err = newTestScraper(page("on request"), Config{Logger: zap.New(core)}).Scrape(context.Background(), "https://shop.test/p/hw-1")
	require.NoError(t, err)
	assert.Nil(t, got.Product.Price)
	assert.Empty(t, got.Product.Currency)
	entries := logs.FilterMessage("price not understood").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "on request", entries[0].ContextMap()["price"])
}
