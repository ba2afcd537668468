// Package main is the catalogcrawler executable.
//
// One invocation crawls one sitemap:
//   - Discovery: the sitemap (or sitemap index) is fetched with bounded retries
//     and flattened into product page URLs, optionally filtered by pattern.
//   - Extraction: a fixed worker pool loads each page (headless Chrome or a
//     static fetch), decodes schema.org Product JSON-LD and collects gallery
//     images. Pages already in the store are skipped before any fetch.
//   - Images: candidates are downloaded with bounded concurrency to a local
//     directory or a GCS bucket; failures keep a URL-only record.
//   - Persistence: products and images are upserted into an in-memory SQLite
//     database that is checkpointed to store.path every store.flush_threshold
//     writes and once more on exit, including after SIGINT/SIGTERM.
//   - Observability: zap logs, periodic progress lines and, when server.addr
//     is set, /healthz, /metrics and /v1/progress.
//
// Configure with a YAML file (--config), CATALOG_* environment variables or
// flags, e.g.
//
//	catalogcrawler crawl https://shop.example/sitemap.xml --concurrency 4 --headless=false
package main
