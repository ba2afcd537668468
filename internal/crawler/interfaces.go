package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Scraper turns one product page into a typed Extraction.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (Extraction, error)
}

// ImageAcquirer resolves image candidates into persisted records.
type ImageAcquirer interface {
	Acquire(ctx context.Context, product Product, candidates []ImageCandidate) ([]ImageRecord, error)
}

// ProductStore persists products and images with idempotent upserts.
type ProductStore interface {
	UpsertProduct(ctx context.Context, product Product) error
	UpsertImages(ctx context.Context, images []ImageRecord) error
	// Flush makes buffered writes durable. It reports whether a write happened.
	Flush(ctx context.Context, force bool) (bool, error)
}

// DedupIndex tracks product keys that no longer need work.
type DedupIndex interface {
	// Claim reserves key for processing. It returns false when the key is
	// already processed or currently claimed by another task.
	Claim(key string) bool
	// Commit marks keys as processed and drops any claim on them.
	Commit(keys ...string)
	// Release drops a claim without marking the key processed.
	Release(key string)
	Contains(key string) bool
}

// RateLimiter spaces outbound requests across all workers.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// RobotsPolicy reports whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// BlobStore writes raw artifacts and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes product notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Reporter observes crawl progress. Implementations must not block.
type Reporter interface {
	Report(stats Stats)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces time-ordered run IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
