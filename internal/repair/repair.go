// Package repair re-derives missing source documents for stored lien records. It is a
// maintenance pass invoked on demand and never runs inside an automation run.
package repair

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/document"
	"github.com/JakeFAU/lien-crawler/internal/eventlog"
	"github.com/JakeFAU/lien-crawler/internal/lien"
)

const component = "repair"

// Store is the persistence a repair pass needs.
type Store interface {
	lien.ProfileStore
	ListLiens(ctx context.Context, filter lien.LienFilter) ([]lien.Record, error)
	AttachDocument(ctx context.Context, lienID, documentID string) error
}

// Fetcher retrieves and stores a recording's source PDF.
type Fetcher interface {
	FetchDocument(ctx context.Context, recordingNumber string, profile lien.Profile, opts ...document.FetchOption) (lien.Document, error)
}

// Pacer registers jurisdiction pacing before documents are fetched.
type Pacer interface {
	Register(jurisdictionID string, pacing lien.Pacing)
}

// Request scopes a repair pass. An empty JurisdictionID covers every jurisdiction and a
// Limit of zero repairs every record missing a document.
type Request struct {
	JurisdictionID string `json:"jurisdiction"`
	Limit          int    `json:"limit"`
}

// Report summarizes a pass.
type Report struct {
	Attempted int `json:"attempted"`
	Repaired  int `json:"repaired"`
	Failed    int `json:"failed"`
}

// Repairer runs repair passes.
type Repairer struct {
	store   Store
	fetcher Fetcher
	pacer   Pacer
	events  *eventlog.Logger
	logger  *zap.Logger
}

// New builds a Repairer. events may be nil.
func New(store Store, fetcher Fetcher, pacer Pacer, events eventlog.Emitter, clock lien.Clock, logger *zap.Logger) *Repairer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{
		store:   store,
		fetcher: fetcher,
		pacer:   pacer,
		events:  eventlog.NewLogger(events, clock, component),
		logger:  logger.Named(component),
	}
}

// Run lists records without a document reference, fetches each PDF from the URL derived
// from its recording number and attaches the stored document. Per-record failures are
// counted; store failures end the pass.
func (r *Repairer) Run(ctx context.Context, req Request) (Report, error) {
	var report Report
	records, err := r.store.ListLiens(ctx, lien.LienFilter{
		JurisdictionID:  req.JurisdictionID,
		MissingDocument: true,
		Limit:           req.Limit,
	})
	if err != nil {
		return report, fmt.Errorf("list liens missing documents: %w", err)
	}
	r.events.Info("repairing %d record(s) without documents", len(records))

	profiles := make(map[string]*lien.Profile)
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		profile, err := r.profile(ctx, profiles, record.JurisdictionID)
		if err != nil {
			return report, err
		}
		report.Attempted++
		if profile == nil {
			report.Failed++
			continue
		}

		doc, err := r.fetcher.FetchDocument(ctx, record.RecordingNumber, *profile)
		switch {
		case errors.Is(err, lien.ErrDocumentUnavailable):
			report.Failed++
			r.logger.Warn("document still unavailable",
				zap.String("jurisdiction", record.JurisdictionID),
				zap.String("recording_number", record.RecordingNumber),
				zap.Error(err),
			)
			continue
		case err != nil:
			return report, fmt.Errorf("fetch document %s: %w", record.RecordingNumber, err)
		}
		if err := r.store.AttachDocument(ctx, record.ID, doc.ID); err != nil {
			return report, fmt.Errorf("attach document to %s: %w", record.ID, err)
		}
		report.Repaired++
	}

	r.logger.Info("repair pass finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed),
	)
	level := r.events.Success
	if report.Failed > 0 {
		level = r.events.Warning
	}
	level("repair finished: %d attempted, %d repaired, %d failed", report.Attempted, report.Repaired, report.Failed)
	return report, nil
}

// profile loads and registers a jurisdiction once per pass. A missing or invalid profile
// yields nil so its records count as failed.
func (r *Repairer) profile(ctx context.Context, cache map[string]*lien.Profile, id string) (*lien.Profile, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	stored, err := r.store.GetProfile(ctx, id)
	switch {
	case errors.Is(err, lien.ErrNotFound):
		r.events.Warning("jurisdiction %s not found; its records cannot be repaired", id)
		cache[id] = nil
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get jurisdiction %s: %w", id, err)
	}
	if err := stored.Validate(); err != nil {
		r.events.Warning("jurisdiction %s is misconfigured: %v", id, err)
		cache[id] = nil
		return nil, nil
	}
	p := stored.Clone()
	r.pacer.Register(p.ID, p.Pacing)
	cache[id] = &p
	return &p, nil
}
