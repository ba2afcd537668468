package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestLoadConfigPrecedence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sitemap:
  url: https://file.example/sitemap.xml
crawler:
  concurrency: 7
  delay_ms: 900
`), 0o600))

	cmd := newCrawlCmd(&rootOptions{})
	require.NoError(t, cmd.Flags().Parse([]string{"--concurrency", "2", "--headless=false"}))

	cfg, err := loadConfig(path, cmd.Flags(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example/sitemap.xml", cfg.Sitemap.URL)
	assert.Equal(t, 2, cfg.Crawler.Concurrency, "flag beats file")
	assert.Equal(t, 900, cfg.Crawler.DelayMs, "file beats default")
	assert.False(t, cfg.Headless.Enabled)
	assert.True(t, cfg.Images.Download, "unchanged flag keeps default")
	assert.Equal(t, 50, cfg.Store.FlushThreshold)

	cfg, err = loadConfig(path, cmd.Flags(), []string{"https://arg.example/sitemap.xml"})
	require.NoError(t, err)
	assert.Equal(t, "https://arg.example/sitemap.xml", cfg.Sitemap.URL)
}

func TestLoadConfigRequiresSitemap(t *testing.T) {
	t.Parallel()

	cmd := newCrawlCmd(&rootOptions{})
	_, err := loadConfig("", cmd.Flags(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sitemap.url")
}

func TestFlagKeysAreDefined(t *testing.T) {
	t.Parallel()

	cmd := newCrawlCmd(&rootOptions{})
	for name := range flagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, app.Result{
		RunID: uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		URLs:  3,
		Summary: crawler.Summary{
			Stats:    crawler.Stats{Total: 3, Completed: 2, Failed: 1, Images: 4},
			Failures: []crawler.Failure{{URL: "https://shop.test/p/2", Reason: "extraction failed"}},
			Duration: 1500 * time.Millisecond,
		},
		Products: 2,
		Images:   4,
	})
	out := buf.String()
	assert.Contains(t, out, "finished in 1.5s")
	assert.Contains(t, out, "completed: 2")
	assert.Contains(t, out, "failed:    1")
	assert.Contains(t, out, "catalog:   2 products, 4 images")
	assert.Contains(t, out, "- https://shop.test/p/2: extraction failed")
}

func TestCrawlCommandEndToEnd(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>%[1]s/p/ok-1</loc></url><url><loc>%[1]s/p/plain</loc></url></urlset>`, srv.URL)
	})
	mux.HandleFunc("/p/ok-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><script type="application/ld+json">
{"@type":"Product","name":"Lamp","sku":"ok-1"}</script></head></html>`))
	})
	mux.HandleFunc("/p/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>no data</body></html>`))
	})

	dir := t.TempDir()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{
		"crawl", srv.URL + "/sitemap.xml",
		"--headless=false",
		"--delay-ms", "1",
		"--db-path", filepath.Join(dir, "catalog.db"),
		"--image-dir", filepath.Join(dir, "images"),
	})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "completed: 1")
	assert.Contains(t, text, "failed:    1")
	assert.True(t, strings.Contains(text, srv.URL+"/p/plain"), text)
	_, err := os.Stat(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
}
