package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// RunStatus is the lifecycle state of a run in the ledger.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord describes one crawl run.
type RunRecord struct {
	ID         uuid.UUID   `json:"id"`
	Status     RunStatus   `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	Sites      []SiteStats `json:"sites"`
}

// SiteStats aggregates page outcomes for one host within a run.
type SiteStats struct {
	Site       string    `json:"site"`
	Done       int64     `json:"done"`
	Failed     int64     `json:"failed"`
	Skipped    int64     `json:"skipped"`
	Images     int64     `json:"images"`
	LastUpdate time.Time `json:"last_update"`
}

// LedgerSink keeps an in-memory record of runs and per-site counters for the
// status API.
type LedgerSink struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*ledgerRun
	latest uuid.UUID
}

type ledgerRun struct {
	record RunRecord
	sites  map[string]*SiteStats
}

// NewLedgerSink returns an empty ledger.
func NewLedgerSink() *LedgerSink {
	return &LedgerSink{runs: make(map[uuid.UUID]*ledgerRun)}
}

// Consume implements progress.Sink.
func (l *LedgerSink) Consume(_ context.Context, batch []progress.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range batch {
		run := l.run(evt)
		switch evt.Stage {
		case progress.StageRunStart:
			run.record.StartedAt = evt.TS
		case progress.StageRunDone, progress.StageRunError:
			finished := evt.TS
			run.record.FinishedAt = &finished
			run.record.Status = RunSuccess
			if evt.Stage == progress.StageRunError {
				run.record.Status = RunError
				run.record.Error = evt.Note
			}
		case progress.StagePageDone, progress.StagePageFailed, progress.StagePageSkipped:
			site := run.site(siteLabel(evt.Site))
			switch evt.Stage {
			case progress.StagePageDone:
				site.Done++
				site.Images += int64(evt.Images)
			case progress.StagePageFailed:
				site.Failed++
			default:
				site.Skipped++
			}
			if evt.TS.After(site.LastUpdate) {
				site.LastUpdate = evt.TS
			}
		}
	}
	return nil
}

// run returns the ledger entry for the event's run, creating it on first
// sight so page events arriving before RUN_START are not lost.
func (l *LedgerSink) run(evt progress.Event) *ledgerRun {
	id := evt.RunUUID()
	run, ok := l.runs[id]
	if !ok {
		run = &ledgerRun{
			record: RunRecord{ID: id, Status: RunRunning, StartedAt: evt.TS},
			sites:  make(map[string]*SiteStats),
		}
		l.runs[id] = run
		l.latest = id
	}
	return run
}

func (r *ledgerRun) site(name string) *SiteStats {
	s, ok := r.sites[name]
	if !ok {
		s = &SiteStats{Site: name}
		r.sites[name] = s
	}
	return s
}

// Run returns a copy of the run record with sites sorted by name.
func (l *LedgerSink) Run(id uuid.UUID) (RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[id]
	if !ok {
		return RunRecord{}, false
	}
	return run.snapshot(), true
}

// Latest returns the most recently started run.
func (l *LedgerSink) Latest() (RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[l.latest]
	if !ok {
		return RunRecord{}, false
	}
	return run.snapshot(), true
}

func (r *ledgerRun) snapshot() RunRecord {
	rec := r.record
	if r.record.FinishedAt != nil {
		finished := *r.record.FinishedAt
		rec.FinishedAt = &finished
	}
	rec.Sites = make([]SiteStats, 0, len(r.sites))
	for _, s := range r.sites {
		rec.Sites = append(rec.Sites, *s)
	}
	sort.Slice(rec.Sites, func(i, j int) bool { return rec.Sites[i].Site < rec.Sites[j].Site })
	return rec
}

// Close implements progress.Sink.
func (l *LedgerSink) Close(context.Context) error {
	return nil
}
