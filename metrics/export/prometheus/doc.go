// Package prometheus exposes client metrics as a Prometheus collector.
//
// [Exporter] implements prometheus.Collector by reading the client's snapshot on
// every scrape. Counters are named agendador_*_total; the two latency histograms
// are agendador_request_latency_seconds and agendador_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry; callers register the
//     collector or mount [Exporter.Handler].
//   - Mutate client state.
package prometheus
