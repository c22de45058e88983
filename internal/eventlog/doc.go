// Package eventlog carries operator-facing system log entries. Components emit entries
// through an Emitter; the Hub batches them on a background goroutine and fans them out
// to pluggable sinks such as the persistent log store, zap and Prometheus. Emission never
// blocks the pipeline.
package eventlog
