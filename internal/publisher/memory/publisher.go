// Package memory contains an in-memory ledger publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Publisher stores synced records for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedRecord
	failures map[string]error
}

// PublishedRecord captures one SyncRecord call.
type PublishedRecord struct {
	ID     string
	Record lien.Record
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{failures: make(map[string]error)}
}

// FailRecording makes every sync of recordingNumber fail with err until cleared with a nil err.
func (p *Publisher) FailRecording(recordingNumber string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, recordingNumber)
		return
	}
	p.failures[recordingNumber] = err
}

// SyncRecord records the lien and returns a pseudo ledger id.
func (p *Publisher) SyncRecord(_ context.Context, record lien.Record) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[record.RecordingNumber]; err != nil {
		return "", fmt.Errorf("sync %s: %w", record.RecordingNumber, err)
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedRecord{ID: id, Record: record})
	return id, nil
}

// Messages returns the recorded syncs.
func (p *Publisher) Messages() []PublishedRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedRecord, len(p.messages))
	copy(out, p.messages)
	return out
}
