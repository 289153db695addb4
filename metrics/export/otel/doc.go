// Package otel mirrors authcore metrics onto an OpenTelemetry meter.
//
// [Register] creates one observable counter per engine counter, a latency
// gauge carrying an "le" attribute per bucket, and a gauge per state total
// (dropped audit events, raised alerts). One callback reads the engine on
// each collection. The caller owns the MeterProvider and its readers.
package otel
