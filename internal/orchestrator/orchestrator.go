// Package orchestrator owns the run lifecycle: it enforces a single active run, walks the
// active jurisdictions one after another and persists what the search and document
// engines produce.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/document"
	"github.com/JakeFAU/lien-crawler/internal/eventlog"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/logging"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/lien-crawler/internal/orchestrator")

// RecoveredRunMessage is recorded on runs found running when an orchestrator starts.
const RecoveredRunMessage = "interrupted: orchestrator restarted"

const component = "orchestrator"

// Searcher yields result pages for one jurisdiction.
type Searcher interface {
	Pages(ctx context.Context, profile lien.Profile, dates lien.DateRange, documentType string) iter.Seq2[lien.ResultPage, error]
}

// Fetcher retrieves and stores a recording's source PDF.
type Fetcher interface {
	FetchDocument(ctx context.Context, recordingNumber string, profile lien.Profile, opts ...document.FetchOption) (lien.Document, error)
}

// Pacer is the part of the pacer the orchestrator configures per run.
type Pacer interface {
	Register(jurisdictionID string, pacing lien.Pacing)
	BeginRun()
}

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	lien.ProfileStore
	lien.RecordStore
	lien.RunStore
}

// Config wires an Orchestrator.
type Config struct {
	Store    Store
	Searcher Searcher
	Fetcher  Fetcher
	Pacer    Pacer
	Events   eventlog.Emitter
	Clock    lien.Clock
	IDs      lien.IDGenerator
	// Threshold is the amount a record must strictly exceed to count as over threshold.
	Threshold decimal.Decimal
	// LookbackDays sizes the default date range when a run is started without one.
	LookbackDays int
	Logger       *zap.Logger
}

// Status is the orchestrator's self-reported view.
type Status struct {
	IsRunning       bool           `json:"is_running"`
	LatestRunStatus lien.RunStatus `json:"latest_run_status,omitempty"`
	LatestRunID     string         `json:"latest_run_id,omitempty"`
}

// Orchestrator is the run state machine. It is idle when no run is active; Start moves it
// to running and the run goroutine returns it to idle after persisting a terminal status.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	events *eventlog.Logger

	mu      sync.Mutex
	current *activeRun
}

type activeRun struct {
	mu       sync.Mutex
	run      lien.Run
	stop     atomic.Bool
	done     chan struct{}
	seen     map[seenKey]struct{}
	events   *eventlog.Logger
	logger   *zap.Logger
	finished lien.Run
}

type seenKey struct {
	jurisdiction string
	recording    string
}

// New validates cfg and builds an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Searcher == nil:
		return nil, fmt.Errorf("searcher is required")
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case cfg.Pacer == nil:
		return nil, fmt.Errorf("pacer is required")
	case cfg.Clock == nil || cfg.IDs == nil:
		return nil, fmt.Errorf("clock and id generator are required")
	case cfg.LookbackDays < 0:
		return nil, fmt.Errorf("lookback days must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.Named(component),
		events: eventlog.NewLogger(cfg.Events, cfg.Clock, component),
	}, nil
}

// Recover marks runs persisted as running by a previous process as failed. It must be
// called before the first Start.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return 0, lien.ErrAlreadyRunning
	}
	n, err := o.cfg.Store.FailOrphanedRuns(ctx, o.cfg.Clock.Now(), RecoveredRunMessage)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned runs: %w", err)
	}
	if n > 0 {
		o.logger.Warn("marked orphaned runs failed", zap.Int("runs", n))
		o.events.Warning("marked %d orphaned run(s) failed: %s", n, RecoveredRunMessage)
	}
	return n, nil
}

// Start begins a run and returns its id. It fails with lien.ErrAlreadyRunning unless the
// orchestrator is idle. A zero date range defaults to the configured lookback ending today.
// The run continues after ctx ends; use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context, trigger lien.TriggerType, dates lien.DateRange) (string, error) {
	if !trigger.Valid() {
		return "", fmt.Errorf("unknown trigger %q", trigger)
	}
	if dates.IsZero() {
		dates = o.defaultRange()
	}
	if dates.From.IsZero() || dates.To.IsZero() || dates.To.Before(dates.From) {
		return "", fmt.Errorf("invalid date range %s..%s", dates.From.Format(time.DateOnly), dates.To.Format(time.DateOnly))
	}

	id, err := o.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	run := lien.Run{
		ID:        id,
		Trigger:   trigger,
		Status:    lien.RunRunning,
		DateRange: dates,
		StartedAt: o.cfg.Clock.Now(),
	}
	ar := &activeRun{
		run:    run,
		done:   make(chan struct{}),
		seen:   make(map[seenKey]struct{}),
		events: o.events.WithRun(id),
		logger: logging.ForRun(o.logger, id),
	}

	// Reserve the slot, then write the run row without holding o.mu.
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", lien.ErrAlreadyRunning
	}
	o.current = ar
	o.mu.Unlock()

	if err := o.cfg.Store.CreateRun(ctx, run); err != nil {
		msg := err.Error()
		ar.finished = run
		ar.finished.Status = lien.RunFailed
		ar.finished.ErrorMessage = &msg
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		close(ar.done)
		return "", fmt.Errorf("create run: %w", err)
	}

	metrics.SetRunActive(true)
	ar.logger.Info("run started",
		zap.String("trigger", string(trigger)),
		zap.Time("from", dates.From),
		zap.Time("to", dates.To),
	)
	ar.events.Info("%s run started for %s to %s", trigger,
		dates.From.Format(time.DateOnly), dates.To.Format(time.DateOnly))

	go o.execute(context.WithoutCancel(ctx), ar)
	return id, nil
}

// Stop asks the active run to end at its next checkpoint. In-flight requests and record
// writes finish first.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	ar := o.current
	o.mu.Unlock()
	if ar == nil {
		return lien.ErrNotRunning
	}
	if ar.stop.CompareAndSwap(false, true) {
		ar.logger.Info("stop requested")
		ar.events.Info("stop requested")
	}
	return nil
}

// Wait blocks until the run with runID is no longer active and returns its persisted state.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (lien.Run, error) {
	o.mu.Lock()
	ar := o.current
	o.mu.Unlock()
	if ar != nil && ar.run.ID == runID {
		select {
		case <-ar.done:
			return ar.finished, nil
		case <-ctx.Done():
			return lien.Run{}, fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
		}
	}
	run, err := o.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return lien.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// IsRunning reports whether a run is active in this process.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Status combines the in-process running flag with the latest persisted run.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st := Status{IsRunning: o.IsRunning()}
	latest, err := o.cfg.Store.LatestRun(ctx)
	switch {
	case errors.Is(err, lien.ErrNotFound):
		return st, nil
	case err != nil:
		return st, fmt.Errorf("latest run: %w", err)
	}
	st.LatestRunID = latest.ID
	st.LatestRunStatus = latest.Status
	return st, nil
}

func (o *Orchestrator) defaultRange() lien.DateRange {
	y, m, d := o.cfg.Clock.Now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return lien.DateRange{From: today.AddDate(0, 0, -o.cfg.LookbackDays), To: today}
}

// snapshot returns a copy of the run under its lock.
func (ar *activeRun) snapshot() lien.Run {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run
}

func (ar *activeRun) count(fn func(*lien.RunCounters)) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	fn(&ar.run.Counters)
}
