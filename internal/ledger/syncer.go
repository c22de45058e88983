// Package ledger pushes pending lien records to the external ledger. Sync failures are
// not scrape failures: a record whose sync fails goes back to pending and is retried
// after a backoff, behind the records that have waited longer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/eventlog"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
)

const component = "ledger"

var tracer = otel.Tracer("github.com/JakeFAU/lien-crawler/internal/ledger")

// Sink delivers one record to the external ledger and returns its foreign id.
type Sink interface {
	SyncRecord(ctx context.Context, record lien.Record) (string, error)
}

// Config wires a Syncer. RetryBackoff is the wait after a record's first failed sync;
// it doubles per consecutive failure up to MaxRetryBackoff.
type Config struct {
	Store           lien.RecordStore
	Sink            Sink
	Events          eventlog.Emitter
	Clock           lien.Clock
	BatchSize       int
	PollInterval    time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Logger          *zap.Logger
}

// Result summarizes one pass.
type Result struct {
	Attempted int
	Synced    int
	Failed    int
}

// Syncer polls pending records and syncs them.
type Syncer struct {
	cfg    Config
	logger *zap.Logger
	events *eventlog.Logger

	mu      sync.Mutex
	retries map[string]retryState
}

type retryState struct {
	failures int
	next     time.Time
}

// NewSyncer validates cfg.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Store == nil || cfg.Sink == nil {
		return nil, errors.New("ledger syncer requires a store and a sink")
	}
	if cfg.Clock == nil {
		return nil, errors.New("ledger syncer requires a clock")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = cfg.PollInterval
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = max(30*time.Minute, cfg.RetryBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		cfg:     cfg,
		logger:  logger.Named(component),
		events:  eventlog.NewLogger(cfg.Events, cfg.Clock, component),
		retries: make(map[string]retryState),
	}, nil
}

// Recover returns records left in processing by an earlier process to pending. It is
// meant for startup, before Run, when no other syncer holds claims.
func (s *Syncer) Recover(ctx context.Context) (int, error) {
	released, offset := 0, 0
	for {
		stuck, err := s.cfg.Store.ListLiens(ctx, lien.LienFilter{
			Status:               lien.StatusProcessing,
			LeastRecentlyUpdated: true,
			Limit:                s.cfg.BatchSize,
			Offset:               offset,
		})
		if err != nil {
			return released, fmt.Errorf("list processing liens: %w", err)
		}
		for _, record := range stuck {
			err := s.cfg.Store.UpdateLienStatus(ctx, record.ID, lien.StatusPending, nil)
			switch {
			case err == nil:
				released++
			case errors.Is(err, lien.ErrInvalidTransition), errors.Is(err, lien.ErrNotFound):
				offset++
			default:
				return released, fmt.Errorf("release lien %s: %w", record.ID, err)
			}
		}
		if len(stuck) < s.cfg.BatchSize {
			break
		}
	}
	if released > 0 {
		s.logger.Warn("stale ledger claims released", zap.Int("count", released))
		s.events.Warning("released %d lien(s) left processing by a previous run", released)
	}
	return released, nil
}

// Run syncs a batch every poll interval until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("ledger pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce claims up to BatchSize pending records, least recently touched first, and syncs
// each of them. Records still waiting out a retry backoff are passed over.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	var res Result
	pending, err := s.due(ctx)
	if err != nil {
		return res, err
	}
	for _, record := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := s.sync(ctx, record)
		if err != nil {
			return res, err
		}
		switch out {
		case outcomeSynced:
			res.Attempted++
			res.Synced++
		case outcomeFailed:
			res.Attempted++
			res.Failed++
		}
	}
	if res.Attempted > 0 {
		s.logger.Info("ledger pass finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// due pages through pending records until it has a batch whose backoff has expired.
func (s *Syncer) due(ctx context.Context) ([]lien.Record, error) {
	now := s.cfg.Clock.Now()
	batch := make([]lien.Record, 0, s.cfg.BatchSize)
	for offset := 0; len(batch) < s.cfg.BatchSize; offset += s.cfg.BatchSize {
		page, err := s.cfg.Store.ListLiens(ctx, lien.LienFilter{
			Status:               lien.StatusPending,
			LeastRecentlyUpdated: true,
			Limit:                s.cfg.BatchSize,
			Offset:               offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list pending liens: %w", err)
		}
		for _, record := range page {
			if s.deferred(record.ID, now) {
				continue
			}
			batch = append(batch, record)
			if len(batch) == s.cfg.BatchSize {
				break
			}
		}
		if len(page) < s.cfg.BatchSize {
			break
		}
	}
	return batch, nil
}

func (s *Syncer) deferred(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[id]
	return ok && now.Before(st.next)
}

func (s *Syncer) recordFailure(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.retries[id]
	st.failures++
	wait := s.cfg.RetryBackoff
	for i := 1; i < st.failures && wait < s.cfg.MaxRetryBackoff; i++ {
		wait *= 2
	}
	wait = min(wait, s.cfg.MaxRetryBackoff)
	st.next = s.cfg.Clock.Now().Add(wait)
	s.retries[id] = st
	return wait
}

func (s *Syncer) clearFailures(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, id)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeFailed
)

// sync claims, delivers and settles one record. A record claimed by another syncer is
// skipped; the error is reserved for store failures.
func (s *Syncer) sync(ctx context.Context, record lien.Record) (outcome, error) {
	err := s.cfg.Store.UpdateLienStatus(ctx, record.ID, lien.StatusProcessing, nil)
	switch {
	case errors.Is(err, lien.ErrInvalidTransition), errors.Is(err, lien.ErrNotFound):
		return outcomeSkipped, nil
	case err != nil:
		return outcomeSkipped, fmt.Errorf("claim lien %s: %w", record.ID, err)
	}
	record.Status = lien.StatusProcessing

	spanCtx, span := tracer.Start(ctx, "ledger.sync")
	span.SetAttributes(
		attribute.String("lien.id", record.ID),
		attribute.String("lien.jurisdiction", record.JurisdictionID),
	)
	externalID, syncErr := s.cfg.Sink.SyncRecord(spanCtx, record)
	if syncErr == nil && externalID == "" {
		syncErr = errors.New("sink returned an empty external id")
	}
	if syncErr != nil {
		span.RecordError(syncErr)
		span.SetStatus(codes.Error, "sync failed")
	}
	span.End()
	if syncErr != nil {
		metrics.ObserveLedgerSync("failed")
		wait := s.recordFailure(record.ID)
		s.logger.Warn("ledger sync failed",
			zap.String("lien_id", record.ID),
			zap.String("recording_number", record.RecordingNumber),
			zap.Duration("retry_in", wait),
			zap.Error(syncErr),
		)
		s.events.Warning("ledger sync failed for %s %s: %v", record.JurisdictionID, record.RecordingNumber, syncErr)
		if err := s.cfg.Store.UpdateLienStatus(context.WithoutCancel(ctx), record.ID, lien.StatusPending, nil); err != nil {
			return outcomeFailed, fmt.Errorf("release lien %s: %w", record.ID, err)
		}
		return outcomeFailed, nil
	}

	if err := s.cfg.Store.UpdateLienStatus(ctx, record.ID, lien.StatusSynced, &externalID); err != nil {
		return outcomeFailed, fmt.Errorf("mark lien %s synced: %w", record.ID, err)
	}
	s.clearFailures(record.ID)
	metrics.ObserveLedgerSync("synced")
	return outcomeSynced, nil
}
