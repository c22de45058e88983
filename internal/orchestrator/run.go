package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/document"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
	"github.com/JakeFAU/lien-crawler/internal/parser"
)

// errStopped unwinds a jurisdiction pass at a stop checkpoint.
var errStopped = errors.New("run stopped")

// persistenceError fails the whole run; every other jurisdiction error fails only that
// jurisdiction.
type persistenceError struct {
	err error
}

func (e *persistenceError) Error() string { return e.err.Error() }

func (e *persistenceError) Unwrap() error { return e.err }

func persistence(format string, args ...any) error {
	return &persistenceError{err: fmt.Errorf(format, args...)}
}

func isPersistence(err error) bool {
	var pe *persistenceError
	return errors.As(err, &pe)
}

func (o *Orchestrator) execute(ctx context.Context, ar *activeRun) {
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", ar.run.ID))

	status, runErr := o.walk(ctx, ar)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	o.finish(ctx, ar, status, runErr)
}

// walk processes every active jurisdiction in order and returns the terminal status.
func (o *Orchestrator) walk(ctx context.Context, ar *activeRun) (lien.RunStatus, error) {
	profiles, err := o.cfg.Store.ListProfiles(ctx, true)
	if err != nil {
		return lien.RunFailed, fmt.Errorf("list jurisdictions: %w", err)
	}
	if len(profiles) == 0 {
		ar.events.Warning("no active jurisdictions")
	}
	o.cfg.Pacer.BeginRun()

	for _, stored := range profiles {
		if ar.stop.Load() {
			return lien.RunStopped, nil
		}
		profile := stored.Clone()
		err := o.jurisdiction(ctx, ar, profile)
		switch {
		case err == nil:
		case errors.Is(err, errStopped):
			return lien.RunStopped, nil
		case isPersistence(err):
			return lien.RunFailed, err
		default:
			ar.logger.Warn("jurisdiction failed", zap.String("jurisdiction", profile.ID), zap.Error(err))
			ar.events.Warning("jurisdiction %s failed: %v", profile.ID, err)
		}
	}
	if ar.stop.Load() {
		return lien.RunStopped, nil
	}
	return lien.RunCompleted, nil
}

func (o *Orchestrator) jurisdiction(ctx context.Context, ar *activeRun, profile lien.Profile) (err error) {
	ctx, span := tracer.Start(ctx, "orchestrator.jurisdiction")
	defer func() {
		if err != nil && !errors.Is(err, errStopped) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("jurisdiction", profile.ID))

	if err := profile.Validate(); err != nil {
		return err
	}
	fields, err := parser.Compile(profile)
	if err != nil {
		return err
	}
	o.cfg.Pacer.Register(profile.ID, profile.Pacing)
	ar.events.Info("searching %s", profile.Name)

	dates := ar.snapshot().DateRange
	var found, pages int
	for page, err := range o.cfg.Searcher.Pages(ctx, profile, dates, profile.DocumentTypeCode) {
		if err != nil {
			return err
		}
		pages++
		for _, row := range page.Rows {
			ok, err := o.row(ctx, ar, profile, fields, row)
			if err != nil {
				return err
			}
			if ok {
				found++
			}
		}
		if err := o.cfg.Store.UpdateRun(ctx, ar.snapshot()); err != nil {
			return persistence("checkpoint run counters: %w", err)
		}
		if ar.stop.Load() {
			ar.events.Info("%s stopped after page %d", profile.ID, page.Number)
			return errStopped
		}
	}
	span.SetAttributes(attribute.Int("pages", pages), attribute.Int("records", found))
	ar.events.Success("%s finished: %d record(s) across %d page(s)", profile.Name, found, pages)
	return nil
}

// row parses, retrieves and persists one result row. It reports whether a record was
// written; a row rejected by the parser or seen earlier in the run is skipped.
func (o *Orchestrator) row(
	ctx context.Context,
	ar *activeRun,
	profile lien.Profile,
	fields *parser.Parser,
	row lien.RawRow,
) (bool, error) {
	parsed, err := fields.Parse(row)
	if err != nil {
		metrics.ObserveRecord(profile.ID, "discarded")
		ar.events.Warning("%s page %d row %d discarded: %v", profile.ID, row.Page, row.Index, err)
		return false, nil
	}
	key := seenKey{profile.ID, parsed.RecordingNumber}
	if _, dup := ar.seen[key]; dup {
		metrics.ObserveRecord(profile.ID, "duplicate")
		return false, nil
	}
	ar.seen[key] = struct{}{}
	ar.count(func(c *lien.RunCounters) { c.LiensFound++ })
	if len(parsed.Warnings) > 0 {
		ar.events.Warning("%s %s: not extracted: %s", profile.ID, parsed.RecordingNumber,
			strings.Join(parsed.Warnings, ", "))
	}

	record := lien.Record{
		JurisdictionID:  profile.ID,
		RecordingNumber: parsed.RecordingNumber,
		RecordDate:      parsed.RecordDate,
		DiscoveredAt:    o.cfg.Clock.Now(),
		DebtorName:      parsed.DebtorName,
		DebtorAddress:   parsed.DebtorAddress,
		CreditorName:    parsed.CreditorName,
		CreditorAddress: parsed.CreditorAddress,
		Amount:          parsed.Amount,
		SourceURL:       profile.PDFURL(parsed.RecordingNumber),
	}

	doc, err := o.cfg.Fetcher.FetchDocument(ctx, parsed.RecordingNumber, profile, document.WithDetailURL(row.DetailURL))
	switch {
	case err == nil:
		record.DocumentID = &doc.ID
	case errors.Is(err, lien.ErrDocumentUnavailable):
		ar.events.Warning("%s %s: document unavailable", profile.ID, parsed.RecordingNumber)
		ar.logger.Warn("document unavailable",
			zap.String("jurisdiction", profile.ID),
			zap.String("recording_number", parsed.RecordingNumber),
			zap.Error(err),
		)
	case ctx.Err() != nil:
		return false, fmt.Errorf("fetch document: %w", ctx.Err())
	default:
		return false, persistence("store document %s: %w", parsed.RecordingNumber, err)
	}

	saved, created, err := o.cfg.Store.UpsertLien(ctx, record)
	if err != nil {
		return false, persistence("upsert lien %s: %w", parsed.RecordingNumber, err)
	}
	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.ObserveRecord(profile.ID, outcome)
	over := saved.Amount.Valid && saved.Amount.Decimal.GreaterThan(o.cfg.Threshold)
	ar.count(func(c *lien.RunCounters) {
		c.LiensProcessed++
		if over {
			c.LiensOverThreshold++
		}
	})
	return true, nil
}

// finish persists the terminal state and returns the orchestrator to idle.
func (o *Orchestrator) finish(ctx context.Context, ar *activeRun, status lien.RunStatus, runErr error) {
	ar.mu.Lock()
	end := o.cfg.Clock.Now()
	ar.run.Status = status
	ar.run.EndedAt = &end
	if runErr != nil {
		msg := runErr.Error()
		ar.run.ErrorMessage = &msg
	}
	final := ar.run
	ar.mu.Unlock()

	if err := o.cfg.Store.UpdateRun(ctx, final); err != nil {
		ar.logger.Error("persist final run state", zap.Error(err))
	}
	metrics.ObserveRun(string(status))
	metrics.SetRunActive(false)

	c := final.Counters
	switch status {
	case lien.RunCompleted:
		ar.logger.Info("run completed", zap.Int("found", c.LiensFound), zap.Int("processed", c.LiensProcessed))
		ar.events.Success("run completed: %d found, %d processed, %d over threshold",
			c.LiensFound, c.LiensProcessed, c.LiensOverThreshold)
	case lien.RunStopped:
		ar.logger.Info("run stopped", zap.Int("found", c.LiensFound), zap.Int("processed", c.LiensProcessed))
		ar.events.Warning("run stopped: %d found, %d processed", c.LiensFound, c.LiensProcessed)
	default:
		ar.logger.Error("run failed", zap.Error(runErr))
		ar.events.Error("run failed: %v", runErr)
	}

	ar.finished = final
	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()
	close(ar.done)
}
