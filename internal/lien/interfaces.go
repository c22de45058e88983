package lien

import (
	"context"
	"io"
	"time"
)

// ProfileStore persists jurisdiction profiles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile Profile) error
	GetProfile(ctx context.Context, id string) (Profile, error)
	ListProfiles(ctx context.Context, activeOnly bool) ([]Profile, error)
}

// RecordStore persists lien records. UpsertLien is atomic and keyed on
// (jurisdiction, recording number).
type RecordStore interface {
	UpsertLien(ctx context.Context, record Record) (Record, bool, error)
	GetLien(ctx context.Context, id string) (Record, error)
	ListLiens(ctx context.Context, filter LienFilter) ([]Record, error)
	DeleteLien(ctx context.Context, id string) error
	UpdateLienStatus(ctx context.Context, id string, status Status, externalID *string) error
	AttachDocument(ctx context.Context, lienID, documentID string) error
}

// DocumentStore persists document metadata rows.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	FindDocument(ctx context.Context, jurisdictionID, recordingNumber, sha string) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
}

// RunStore persists automation runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	LatestRun(ctx context.Context) (Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	FailOrphanedRuns(ctx context.Context, endedAt time.Time, reason string) (int, error)
}

// LogStore persists system log entries.
type LogStore interface {
	AppendLogs(ctx context.Context, entries []LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)
}

// ActivityReader exposes the committed state the reconciler reads.
type ActivityReader interface {
	LatestRun(ctx context.Context) (Run, error)
	CountLiensCreatedSince(ctx context.Context, since time.Time) (int, error)
}

// Store aggregates every persisted collection.
type Store interface {
	ProfileStore
	RecordStore
	DocumentStore
	RunStore
	LogStore
	ActivityReader
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
