// Package progress carries crawl progress out of the worker pool. Workers emit
// page and run events into a non-blocking Hub that batches them for sinks
// (structured logs, Prometheus), and a Reporter logs periodic counter
// snapshots. Nothing in this package feeds back into crawl control flow.
package progress
