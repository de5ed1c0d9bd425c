// Package prometheus exposes authcore engine metrics through
// prometheus/client_golang.
//
// [NewCollector] returns a Collector that converts one MetricsSnapshot per
// scrape into const counters and a const histogram. Counter names are
// authcore_*_total; the latency histogram is authcore_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register into prometheus.DefaultRegisterer. Callers own the registry.
//   - Mutate engine state.
package prometheus
