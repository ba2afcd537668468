// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and an in-memory run ledger served by the status API.
package sinks
