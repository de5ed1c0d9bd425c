// Package metrics provides lock-free counters and a latency histogram.
//
// Counters live in cache-line-padded uint64 slots and are incremented with
// sync/atomic, so the write path never allocates. Export to Prometheus and
// OpenTelemetry lives in metrics/export and reads Snapshot values.
//
// This package performs no I/O and keeps no global registry.
package metrics
