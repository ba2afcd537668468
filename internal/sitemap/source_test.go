package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
)

type stubFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
	// failFirst makes the first n fetches of a URL fail.
	failFirst map[string]int
}

func newStubFetcher(docs map[string]string) *stubFetcher {
	return &stubFetcher{docs: docs, calls: map[string]int{}}
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.URL]++
	if s.calls[req.URL] <= s.failFirst[req.URL] {
		return crawler.FetchResponse{}, fmt.Errorf("status 503: %s", req.URL)
	}
	body, ok := s.docs[req.URL]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("status 404: %s", req.URL)
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func urlset(locs ...string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", loc)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func index(locs ...string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, loc := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", loc)
	}
	b.WriteString(`</sitemapindex>`)
	return b.String()
}

func TestFetchURLsKeepsDocumentOrder(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml": urlset(
			"https://shop.test/p/c", "https://shop.test/p/a", "https://shop.test/p/c", "https://shop.test/p/b",
		),
	})
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/c", "https://shop.test/p/a", "https://shop.test/p/b"}, urls)
}

func TestFetchURLsFollowsIndexAndFilters(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml":   index("https://shop.test/products.xml", "https://shop.test/pages.xml"),
		"https://shop.test/products.xml":  urlset("https://shop.test/p/tv-1", "https://shop.test/p/tv-2"),
		"https://shop.test/pages.xml":     urlset("https://shop.test/about", "https://shop.test/p/tv-3"),
		"https://shop.test/unrelated.xml": urlset("https://shop.test/p/never"),
	})
	src, err := New(fetcher, Options{IncludePattern: `/p/`})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/tv-1", "https://shop.test/p/tv-2", "https://shop.test/p/tv-3"}, urls)
	assert.Zero(t, fetcher.calls["https://shop.test/unrelated.xml"])
}

func TestFetchURLsFailsWhenChildSitemapStaysUnavailable(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml": index("https://shop.test/a.xml", "https://shop.test/b.xml"),
		"https://shop.test/a.xml":       urlset("https://shop.test/p/1"),
	})
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 2, time.Millisecond)
	require.ErrorIs(t, err, crawler.ErrSitemapUnavailable)
	assert.Contains(t, err.Error(), "https://shop.test/b.xml")
	assert.Nil(t, urls)
	assert.Equal(t, 3, fetcher.calls["https://shop.test/b.xml"])
	assert.Equal(t, 1, fetcher.calls["https://shop.test/a.xml"])
}

func TestFetchURLsRetriesChildSitemap(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml": index("https://shop.test/a.xml", "https://shop.test/b.xml"),
		"https://shop.test/a.xml":       urlset("https://shop.test/p/1"),
	})
	fetcher.failFirst = map[string]int{"https://shop.test/b.xml": 1}
	fetcher.docs["https://shop.test/b.xml"] = urlset("https://shop.test/p/2")
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/1", "https://shop.test/p/2"}, urls)
	assert.Equal(t, 2, fetcher.calls["https://shop.test/b.xml"])
}

func TestFetchURLsFailsOnUnparsableChild(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml": index("https://shop.test/a.xml"),
		"https://shop.test/a.xml":       "<urlset><url><loc>https://shop.test/p/1",
	})
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	_, err = src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 0, 0)
	require.ErrorIs(t, err, crawler.ErrSitemapUnavailable)
}

func TestFetchURLsDropsEquivalentURLs(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/sitemap.xml": urlset(
			"https://shop.test/p/a?x=1&amp;y=2", "https://SHOP.test/p/a?y=2&amp;x=1", "https://shop.test:443/p/a?x=1&amp;y=2#top",
		),
	})
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml", time.Second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/a?x=1&y=2"}, urls)
}

func TestFetchURLsStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]string{
		"https://shop.test/a.xml": index("https://shop.test/b.xml"),
		"https://shop.test/b.xml": index("https://shop.test/c.xml"),
		"https://shop.test/c.xml": urlset("https://shop.test/p/deep"),
	})
	src, err := New(fetcher, Options{MaxDepth: 1})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/a.xml", time.Second, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, urls)
	assert.Zero(t, fetcher.calls["https://shop.test/c.xml"])
}

func TestFetchURLsInflatesGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(urlset("https://shop.test/p/zipped")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fetcher := newStubFetcher(map[string]string{"https://shop.test/sitemap.xml.gz": buf.String()})
	src, err := New(fetcher, Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), "https://shop.test/sitemap.xml.gz", time.Second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/p/zipped"}, urls)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(newStubFetcher(nil), Options{IncludePattern: "("})
	require.Error(t, err)
	_, err = New(nil, Options{})
	require.Error(t, err)
}

// flakyServer fails the first `failures` requests with 503 and then serves a
// three-page sitemap.
func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= failures {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(urlset(
			"http://"+r.Host+"/p/one", "http://"+r.Host+"/p/two", "http://"+r.Host+"/p/three",
		)))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchURLsRecoversWithinRetryBudget(t *testing.T) {
	t.Parallel()

	srv, hits := flakyServer(t, 2)
	src, err := New(collyfetcher.New(collyfetcher.Config{}), Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), srv.URL+"/sitemap.xml", time.Second, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, urls, 3)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchURLsExhaustsRetries(t *testing.T) {
	t.Parallel()

	srv, hits := flakyServer(t, 3)
	src, err := New(collyfetcher.New(collyfetcher.Config{}), Options{})
	require.NoError(t, err)

	urls, err := src.FetchURLs(context.Background(), srv.URL+"/sitemap.xml", time.Second, 2, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrSitemapUnavailable))
	assert.Nil(t, urls)
	assert.Equal(t, int32(3), hits.Load())
}
