package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
)

const (
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
)

// StatsSource reports live counters of the running crawl.
type StatsSource interface {
	Stats() crawler.Stats
}

// RunLedger looks up run records built from progress events.
type RunLedger interface {
	Latest() (sinks.RunRecord, bool)
	Run(id uuid.UUID) (sinks.RunRecord, bool)
}

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	stats  StatsSource
	ledger RunLedger
	logger *zap.Logger
}

// NewProgressHandler wires the live counters and the run ledger. Either may
// be nil.
func NewProgressHandler(stats StatsSource, ledger RunLedger, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{stats: stats, ledger: ledger, logger: logger}
}

type progressDTO struct {
	Stats *statsDTO        `json:"stats,omitempty"`
	Run   *sinks.RunRecord `json:"run,omitempty"`
}

type statsDTO struct {
	crawler.Stats
	Done int `json:"done"`
}

// Progress handles GET /v1/progress. It returns the live counters and the
// latest run record; either field is omitted when unknown.
func (h *ProgressHandler) Progress(w http.ResponseWriter, _ *http.Request) {
	var out progressDTO
	if h.stats != nil {
		st := h.stats.Stats()
		out.Stats = &statsDTO{Stats: st, Done: st.Done()}
	}
	if h.ledger != nil {
		if rec, ok := h.ledger.Latest(); ok {
			out.Run = &rec
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed ID, 404 for an unknown run or 503 without a ledger.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

// ListRunSites handles GET /v1/runs/{run_id}/sites?limit=&offset=.
func (h *ProgressHandler) ListRunSites(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	sites := rec.Sites
	if offset >= len(sites) {
		sites = []sinks.SiteStats{}
	} else {
		sites = sites[offset:min(offset+limit, len(sites))]
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (h *ProgressHandler) lookup(w http.ResponseWriter, r *http.Request) (sinks.RunRecord, bool) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return sinks.RunRecord{}, false
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return sinks.RunRecord{}, false
	}
	rec, ok := h.ledger.Run(runID)
	if !ok {
		h.logger.Debug("run not found", zap.Stringer("run_id", runID))
		writeError(w, http.StatusNotFound, "run not found")
		return sinks.RunRecord{}, false
	}
	return rec, true
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
