package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// PrometheusSink counts system log entries by level and component and tracks when the
// last entry of each level was written.
type PrometheusSink struct {
	entries   *prometheus.CounterVec
	lastEntry *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lien_system_log_entries_total",
			Help: "System log entries partitioned by level and component.",
		}, []string{"level", "component"}),
		lastEntry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lien_system_log_last_entry_timestamp_seconds",
			Help: "Unix time of the newest system log entry per level.",
		}, []string{"level"}),
	}
	for _, collector := range []prometheus.Collector{s.entries, s.lastEntry} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register eventlog collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []lien.LogEntry) error {
	for _, e := range batch {
		s.entries.WithLabelValues(string(e.Level), e.Component).Inc()
		s.lastEntry.WithLabelValues(string(e.Level)).Set(float64(e.Timestamp.Unix()))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
