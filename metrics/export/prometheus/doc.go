// Package prometheus exposes authcore metrics as a prometheus.Collector.
//
// [NewCollector] reads [authcore.Engine.MetricsSnapshot] on every scrape.
// Counter names are authcore_*_total; the single histogram is
// authcore_validate_latency_seconds. Register the collector with your own
// registry, or mount [Collector.Handler], which uses a private one.
package prometheus
