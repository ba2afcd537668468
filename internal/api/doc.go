// Package api hosts the status server that runs alongside a crawl. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping of the private registry.
//   - GET /v1/progress for live counters plus the latest run record.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/sites for per-run detail.
package api
