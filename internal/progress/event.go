package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageFailed  Stage = "PAGE_FAILED"
	StagePageSkipped Stage = "PAGE_SKIPPED"
)

// Event is one crawl milestone.
type Event struct {
	// RunID identifies the crawl run in 16-byte UUID form.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Site is the lowercase host of URL for page events.
	Site       string
	URL        string
	ProductKey string
	// Images counts image records written for the page.
	Images int
	Dur    time.Duration
	// Note carries low-volume context such as the failure reason.
	Note string
}

func (s Stage) isPage() bool {
	return s == StagePageDone || s == StagePageFailed || s == StagePageSkipped
}

// Validate rejects events sinks cannot attribute.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch {
	case e.Stage.isPage():
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case e.Stage == StageRunStart, e.Stage == StageRunDone, e.Stage == StageRunError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID returns the run id as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ParseRunID converts a textual UUID into the Event form.
func ParseRunID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return [16]byte(parsed), nil
}

// SiteOf returns the lowercase hostname of rawURL or "unknown".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
