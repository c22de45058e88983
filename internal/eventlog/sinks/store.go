package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// StoreSink persists entries through a lien.LogStore in one write per batch.
type StoreSink struct {
	repo   lien.LogStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo lien.LogStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume appends the batch. Repository errors are returned to the hub, which logs them.
func (s *StoreSink) Consume(ctx context.Context, batch []lien.LogEntry) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.AppendLogs(ctx, batch); err != nil {
		return fmt.Errorf("append system logs: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
