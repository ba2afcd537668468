package progress

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// LogReporter writes counter snapshots to a zap logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter returns a crawler.Reporter backed by logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report implements crawler.Reporter.
func (r *LogReporter) Report(stats crawler.Stats) {
	r.logger.Info("crawl progress",
		zap.Int("done", stats.Done()),
		zap.Int("total", stats.Total),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("images", stats.Images),
	)
}

// Cadence decides when the worker pool reports: every Every terminal pages,
// on every page when Verbose, and always on the last page.
type Cadence struct {
	Every   int
	Verbose bool
}

// Due reports whether a snapshot should be emitted for stats.
func (c Cadence) Due(stats crawler.Stats) bool {
	done := stats.Done()
	if done == 0 {
		return false
	}
	if c.Verbose || done == stats.Total {
		return true
	}
	return c.Every > 0 && done%c.Every == 0
}
