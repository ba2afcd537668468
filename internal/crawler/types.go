// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"net/http"
	"time"
)

// Product is the normalized record extracted from a product page.
type Product struct {
	// Key is the stable dedup key derived from the SKU or product id.
	Key string `json:"product_key"`
	// ExternalID is the source identifier (usually the SKU) used for image paths.
	ExternalID  string          `json:"product_id"`
	Name        string          `json:"name"`
	Brand       string          `json:"brand,omitempty"`
	Model       string          `json:"model,omitempty"`
	Category    string          `json:"category,omitempty"`
	Condition   string          `json:"condition,omitempty"`
	Price       *float64        `json:"price,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Rating      *float64        `json:"rating,omitempty"`
	ReviewCount *int            `json:"review_count,omitempty"`
	URL         string          `json:"product_url"`
	LastSeen    time.Time       `json:"last_seen"`
	Data        json.RawMessage `json:"data_json,omitempty"`
}

// ImageCandidate is an image URL discovered on a product page.
type ImageCandidate struct {
	URL     string
	Primary bool
}

// ImageRecord is persisted for each (product, image URL) pair.
type ImageRecord struct {
	ProductKey  string    `json:"product_key"`
	URL         string    `json:"url"`
	Position    int       `json:"position"`
	IsPrimary   bool      `json:"is_primary"`
	LocalPath   string    `json:"local_path,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Extraction is the output of a successful page scrape.
type Extraction struct {
	Product Product
	Images  []ImageCandidate
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// Timeout bounds this single attempt; zero uses the fetcher default.
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Failure records why a single page could not be processed.
type Failure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Stats is a point-in-time snapshot of crawl counters.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Images    int `json:"images"`
}

// Done reports how many pages reached a terminal state.
func (s Stats) Done() int {
	return s.Completed + s.Failed + s.Skipped
}

// Summary is returned once a crawl run finishes.
type Summary struct {
	Stats
	Failures []Failure     `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}
