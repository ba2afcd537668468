package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/dedup"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/images"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/scraper"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/store/sqlite"
)

// catalogServer serves product pages /p/<sku> with one PNG image each. Pages
// listed in bare have no structured data.
func catalogServer(t *testing.T, skus []string, bare map[string]bool) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 12, 9))))
	pngBody := buf.Bytes()

	mux := http.NewServeMux()
	for _, sku := range skus {
		mux.HandleFunc("/p/"+sku, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if bare[sku] {
				_, _ = fmt.Fprintf(w, `<html><body><h1>%s</h1></body></html>`, sku)
				return
			}
			_, _ = fmt.Fprintf(w, `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Item %[1]s","sku":"%[1]s",
 "image":"/img/%[1]s.png","offers":{"@type":"Offer","price":"19.99","priceCurrency":"USD"}}
</script></head><body></body></html>`, sku)
		})
		mux.HandleFunc("/img/"+sku+".png", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBody)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func realPool(t *testing.T, concurrency int) (*Pool, *sqlite.Store, string) {
	t.Helper()
	dir := t.TempDir()
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "catalog-crawler-test", Timeout: 5 * time.Second})
	blobs, err := local.New(local.Config{BaseDir: filepath.Join(dir, "images")})
	require.NoError(t, err)
	acq, err := images.New(fetcher, blobs, images.Config{Download: true, Concurrency: 2})
	require.NoError(t, err)
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(dir, "catalog.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	pool, err := New(Deps{
		Scraper: scraper.New(fetcher, scraper.Config{}),
		Images:  acq,
		Store:   store,
		Dedup:   dedup.New(),
		Limiter: ratelimit.New(ratelimit.Config{MinDelay: 5 * time.Millisecond}),
	}, Config{Concurrency: concurrency})
	require.NoError(t, err)
	return pool, store, dir
}

func TestCrawlThreeProductsEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	skus := []string{"A100", "B200", "C300"}
	srv := catalogServer(t, skus, nil)
	pool, store, dir := realPool(t, 2)

	urls := make([]string, 0, len(skus))
	for _, sku := range skus {
		urls = append(urls, srv.URL+"/p/"+sku)
	}
	summary, err := pool.Run(ctx, uuid.New(), urls)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)

	products, imageCount, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, products)
	assert.Equal(t, 3, imageCount)

	for _, sku := range skus {
		key := strings.ToLower(sku)
		p, err := store.Product(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, sku, p.ExternalID)
		require.NotNil(t, p.Price)
		assert.InDelta(t, 19.99, *p.Price, 1e-9)

		imgs, err := store.Images(ctx, key)
		require.NoError(t, err)
		require.Len(t, imgs, 1)
		assert.Equal(t, 0, imgs[0].Position)
		assert.True(t, imgs[0].IsPrimary)
		assert.Equal(t, filepath.Join(dir, "images", sku, "0.png"), imgs[0].LocalPath)
		assert.Equal(t, 12, imgs[0].Width)
	}
}

func TestCrawlPageWithoutStructuredDataFailsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	skus := []string{"A100", "B200", "C300"}
	srv := catalogServer(t, skus, map[string]bool{"B200": true})
	pool, store, _ := realPool(t, 2)

	urls := []string{srv.URL + "/p/A100", srv.URL + "/p/B200", srv.URL + "/p/C300"}
	summary, err := pool.Run(ctx, uuid.New(), urls)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, srv.URL+"/p/B200", summary.Failures[0].URL)

	products, _, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, products)
}

func TestSecondRunSkipsCheckpointedProducts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	skus := []string{"A100", "B200"}
	srv := catalogServer(t, skus, nil)
	pool, store, _ := realPool(t, 1)
	urls := []string{srv.URL + "/p/A100", srv.URL + "/p/B200"}

	_, err := pool.Run(ctx, uuid.New(), urls)
	require.NoError(t, err)

	keys, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	pool.deps.Dedup = dedup.New(keys...)

	summary, err := pool.Run(ctx, uuid.New(), urls)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Completed)
}
