package crawler

import "errors"

// Error classes surfaced by the crawl pipeline. Only sitemap and persistence
// failures abort a run; the others are scoped to a page or an image.
var (
	ErrSitemapUnavailable     = errors.New("sitemap unavailable")
	ErrExtractionFailed       = errors.New("extraction failed")
	ErrImageDownloadFailed    = errors.New("image download failed")
	ErrPersistenceWriteFailed = errors.New("persistence write failed")
)

// IsFatal reports whether err must abort the whole crawl.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSitemapUnavailable) || errors.Is(err, ErrPersistenceWriteFailed)
}
