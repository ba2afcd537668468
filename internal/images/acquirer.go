// Package images downloads product images and describes them as ImageRecords.
package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	// Register decoders used for dimension probing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultConcurrency = 4
	defaultMaxBytes    = 15 << 20
)

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// extensions for content types we expect from product galleries. mime's own
// table is not used because its answer depends on the host's mime.types.
var extensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
	"image/tiff":    ".tiff",
}

// Config controls image acquisition.
type Config struct {
	// Download disables network access when false; records are URL-only.
	Download bool
	// Concurrency bounds simultaneous downloads across all products.
	Concurrency int
	// MaxBytes rejects larger images.
	MaxBytes int
	Timeout  time.Duration
	Logger   *zap.Logger
	Clock    crawler.Clock
}

// Acquirer implements crawler.ImageAcquirer.
type Acquirer struct {
	fetcher crawler.Fetcher
	blobs   crawler.BlobStore
	sem     *semaphore.Weighted
	cfg     Config
	logger  *zap.Logger
	clock   crawler.Clock
}

// New builds an Acquirer. fetcher and blobs may be nil when Download is false.
func New(fetcher crawler.Fetcher, blobs crawler.BlobStore, cfg Config) (*Acquirer, error) {
	if cfg.Download && (fetcher == nil || blobs == nil) {
		return nil, fmt.Errorf("images: fetcher and blob store are required when downloading")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Acquirer{
		fetcher: fetcher,
		blobs:   blobs,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
	}, nil
}

// Acquire returns one record per candidate, in order, with Position set to the
// candidate index. Download failures leave a URL-only record. An error is
// returned only when ctx ends; the records gathered so far are still returned.
func (a *Acquirer) Acquire(
	ctx context.Context,
	product crawler.Product,
	candidates []crawler.ImageCandidate,
) ([]crawler.ImageRecord, error) {
	now := a.clock.Now().UTC()
	records := make([]crawler.ImageRecord, len(candidates))
	for i, c := range candidates {
		records[i] = crawler.ImageRecord{
			ProductKey: product.Key,
			URL:        c.URL,
			Position:   i,
			IsPrimary:  c.Primary,
			LastSeen:   now,
		}
	}
	if !a.cfg.Download {
		for i := range records {
			records[i].ContentType = contentTypeFromURL(records[i].URL)
		}
		return records, nil
	}

	dir := productDir(product)
	var g errgroup.Group
	for i := range records {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer a.sem.Release(1)
			rec := records[i]
			if err := a.download(ctx, dir, &rec); err != nil {
				a.logger.Warn("image download failed; keeping url only",
					zap.String("product_key", product.Key),
					zap.String("url", rec.URL),
					zap.Error(err),
				)
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return records, fmt.Errorf("acquire images: %w", err)
	}
	return records, nil
}

func (a *Acquirer) download(ctx context.Context, dir string, rec *crawler.ImageRecord) error {
	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rec.URL, Timeout: a.cfg.Timeout})
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrImageDownloadFailed, err)
	}
	body := resp.Body
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", crawler.ErrImageDownloadFailed)
	}
	if len(body) > a.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit", crawler.ErrImageDownloadFailed, len(body))
	}

	contentType := mediaType(resp.ContentType())
	if !strings.HasPrefix(contentType, "image/") {
		// Servers often label images application/octet-stream.
		contentType = mediaType(http.DetectContentType(body))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("%w: not an image (%s)", crawler.ErrImageDownloadFailed, contentType)
	}

	name := path.Join(dir, fmt.Sprintf("%d%s", rec.Position, extension(contentType, rec.URL)))
	location, err := a.blobs.PutObject(ctx, name, contentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: store: %w", crawler.ErrImageDownloadFailed, err)
	}

	rec.LocalPath = location
	rec.ContentType = contentType
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(body)); err == nil {
		rec.Width, rec.Height = cfg.Width, cfg.Height
	}
	return nil
}

// productDir names the per-product directory after the external id, falling
// back to the product key when the id has no safe characters.
func productDir(p crawler.Product) string {
	dir := strings.Trim(unsafeDirChars.ReplaceAllString(p.ExternalID, "_"), "._")
	if dir == "" {
		dir = p.Key
	}
	return dir
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func extension(contentType, rawURL string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if ext := urlExtension(rawURL); ext != "" {
		return ext
	}
	return ".img"
}

func urlExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	for _, known := range extensions {
		if ext == known {
			return ext
		}
	}
	return ""
}

// contentTypeFromURL guesses the media type from the URL extension.
func contentTypeFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return ""
	}
	for ct, known := range extensions {
		if ext == known || (ext == ".jpeg" && known == ".jpg") {
			return ct
		}
	}
	return mediaType(mime.TypeByExtension(ext))
}
