// Package sinks contains eventlog sink implementations for the log store, zap and Prometheus.
package sinks
