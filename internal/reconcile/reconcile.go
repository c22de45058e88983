// Package reconcile cross-checks the orchestrator's self-reported run status against
// committed record activity. It reads persisted state only, so it keeps working when the
// orchestrator process is wedged or gone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Classification is the reconciler's verdict.
type Classification string

// Possible verdicts.
const (
	Idle           Classification = "idle"
	Running        Classification = "running"
	Stalled        Classification = "stalled"
	ActiveMismatch Classification = "active_mismatch"
)

// DefaultRecentWindow is how far back record creation counts as current activity.
const DefaultRecentWindow = 5 * time.Minute

// Activity is the ground-truth view exposed next to the orchestrator's own status.
type Activity struct {
	ReportedRunning bool           `json:"reported_running"`
	LatestRunID     string         `json:"latest_run_id,omitempty"`
	LastRecent      int            `json:"last_5m"`
	LastHour        int            `json:"last_hour"`
	LastDay         int            `json:"last_day"`
	Classification  Classification `json:"classification"`
}

// Reconciler classifies activity from an ActivityReader.
type Reconciler struct {
	reader lien.ActivityReader
	clock  lien.Clock
	recent time.Duration
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithRecentWindow overrides DefaultRecentWindow.
func WithRecentWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.recent = d
		}
	}
}

// New builds a Reconciler.
func New(reader lien.ActivityReader, clock lien.Clock, opts ...Option) *Reconciler {
	r := &Reconciler{reader: reader, clock: clock, recent: DefaultRecentWindow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify maps the reported status and recent record creation onto a verdict.
func Classify(reportedRunning, recentActivity bool) Classification {
	switch {
	case reportedRunning && recentActivity:
		return Running
	case !reportedRunning && recentActivity:
		return ActiveMismatch
	case reportedRunning:
		return Stalled
	default:
		return Idle
	}
}

// Check reads the latest run and the creation counts and classifies them.
func (r *Reconciler) Check(ctx context.Context) (Activity, error) {
	var a Activity
	latest, err := r.reader.LatestRun(ctx)
	switch {
	case errors.Is(err, lien.ErrNotFound):
	case err != nil:
		return Activity{}, fmt.Errorf("latest run: %w", err)
	default:
		a.LatestRunID = latest.ID
		a.ReportedRunning = latest.Status == lien.RunRunning
	}

	now := r.clock.Now()
	for _, w := range []struct {
		dst    *int
		window time.Duration
	}{
		{&a.LastRecent, r.recent},
		{&a.LastHour, time.Hour},
		{&a.LastDay, 24 * time.Hour},
	} {
		n, err := r.reader.CountLiensCreatedSince(ctx, now.Add(-w.window))
		if err != nil {
			return Activity{}, fmt.Errorf("count liens created in last %s: %w", w.window, err)
		}
		*w.dst = n
	}
	a.Classification = Classify(a.ReportedRunning, a.LastRecent > 0)
	return a, nil
}
