package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
)

type fixedStats crawler.Stats

func (f fixedStats) Stats() crawler.Stats { return crawler.Stats(f) }

func seededLedger(t *testing.T) (*sinks.LedgerSink, uuid.UUID) {
	t.Helper()
	ledger := sinks.NewLedgerSink()
	id := uuid.New()
	rid := [16]byte(id)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	batch := []progress.Event{{RunID: rid, TS: now, Stage: progress.StageRunStart}}
	for i, site := range []string{"a.test", "b.test", "c.test"} {
		batch = append(batch, progress.Event{
			RunID: rid, TS: now.Add(time.Duration(i+1) * time.Second), Stage: progress.StagePageDone,
			Site: site, URL: "https://" + site + "/p/1", ProductKey: "p1", Images: 2,
		})
	}
	require.NoError(t, ledger.Consume(context.Background(), batch))
	return ledger, id
}

func newTestServer(t *testing.T, stats StatsSource, ledger RunLedger) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := NewServer(NewProgressHandler(stats, ledger, nil), Options{Registry: reg})
	require.NoError(t, err)
	return srv, reg
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil, nil)
	h := srv.Handler()

	rec := do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "/readyz").Code)
	srv.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, h, "/readyz").Code)
}

func TestProgressEndpoint(t *testing.T) {
	t.Parallel()

	ledger, id := seededLedger(t)
	srv, _ := newTestServer(t, fixedStats{Total: 10, Completed: 3, Failed: 1, Skipped: 2, Images: 6}, ledger)

	rec := do(t, srv.Handler(), "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Done      int `json:"done"`
		} `json:"stats"`
		Run struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.Stats.Total)
	assert.Equal(t, 3, body.Stats.Completed)
	assert.Equal(t, 6, body.Stats.Done)
	assert.Equal(t, id.String(), body.Run.ID)
	assert.Equal(t, "running", body.Run.Status)
}

func TestProgressEndpointWithoutSources(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil, nil)
	rec := do(t, srv.Handler(), "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), "/v1/runs/"+uuid.NewString()).Code)
}

func TestRunEndpoints(t *testing.T) {
	t.Parallel()

	ledger, id := seededLedger(t)
	srv, _ := newTestServer(t, nil, ledger)
	h := srv.Handler()

	rec := do(t, h, "/v1/runs/"+id.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Run sinks.RunRecord `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, id, run.Run.ID)
	assert.Len(t, run.Run.Sites, 3)

	rec = do(t, h, "/v1/runs/"+id.String()+"/sites?limit=2&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var sites struct {
		Sites []sinks.SiteStats `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sites))
	require.Len(t, sites.Sites, 2)
	assert.Equal(t, "b.test", sites.Sites[0].Site)
	assert.Equal(t, "c.test", sites.Sites[1].Site)

	rec = do(t, h, "/v1/runs/"+id.String()+"/sites?offset=9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sites":[]}`, rec.Body.String())
}

func TestRunEndpointErrors(t *testing.T) {
	t.Parallel()

	ledger, id := seededLedger(t)
	srv, _ := newTestServer(t, nil, ledger)
	h := srv.Handler()

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "malformed id", path: "/v1/runs/not-a-uuid", code: http.StatusBadRequest},
		{name: "unknown run", path: "/v1/runs/" + uuid.NewString(), code: http.StatusNotFound},
		{name: "bad limit", path: "/v1/runs/" + id.String() + "/sites?limit=0", code: http.StatusBadRequest},
		{name: "bad offset", path: "/v1/runs/" + id.String() + "/sites?offset=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, do(t, h, tt.path).Code)
		})
	}
}

func TestMetricsEndpointExposesRequestMetrics(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, nil, nil)
	h := srv.Handler()
	do(t, h, "/healthz")

	rec := do(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `catalog_http_requests_total{code="200",method="GET",route="/healthz"} 1`)

	// A second server on the same registry collides.
	_, err := NewServer(nil, Options{Registry: reg})
	require.Error(t, err)
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test request
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = http.Get(url) //nolint:noctx // test request
	require.Error(t, err)
}
