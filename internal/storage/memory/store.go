package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/platform"
)

type lienKey struct {
	jurisdiction string
	recording    string
}

// Store implements lien.Store in memory. A single lock guards every collection, so each
// operation is atomic.
type Store struct {
	mu        sync.RWMutex
	clock     lien.Clock
	ids       lien.IDGenerator
	profiles  map[string]lien.Profile
	liens     map[string]lien.Record
	byKey     map[lienKey]string
	documents map[string]lien.Document
	runs      map[string]lien.Run
	logs      []lien.LogEntry
}

// Option customizes a Store.
type Option func(*Store)

// WithClock swaps the time source.
func WithClock(c lien.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator swaps the id source.
func WithIDGenerator(g lien.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:     platform.NewSystemClock(),
		ids:       platform.NewUUIDGenerator(),
		profiles:  make(map[string]lien.Profile),
		liens:     make(map[string]lien.Record),
		byKey:     make(map[lienKey]string),
		documents: make(map[string]lien.Document),
		runs:      make(map[string]lien.Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ lien.Store = (*Store)(nil)

// UpsertProfile stores a profile, replacing any profile with the same id.
func (s *Store) UpsertProfile(_ context.Context, profile lien.Profile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profile.UpdatedAt = s.clock.Now()
	s.profiles[profile.ID] = profile.Clone()
	return nil
}

// GetProfile returns a copy of the profile.
func (s *Store) GetProfile(_ context.Context, id string) (lien.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return lien.Profile{}, fmt.Errorf("profile %q: %w", id, lien.ErrNotFound)
	}
	return p.Clone(), nil
}

// ListProfiles returns profiles ordered by id.
func (s *Store) ListProfiles(_ context.Context, activeOnly bool) ([]lien.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lien.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b lien.Profile) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// UpsertLien inserts or updates the record keyed by (jurisdiction, recording number) and
// reports whether it was created. On update the existing status, ledger id and document
// reference survive when the incoming record leaves them empty.
func (s *Store) UpsertLien(_ context.Context, record lien.Record) (lien.Record, bool, error) {
	if record.JurisdictionID == "" || record.RecordingNumber == "" {
		return lien.Record{}, false, fmt.Errorf("upsert lien: %w", lien.ErrRecordingNumberMissing)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	key := lienKey{record.JurisdictionID, record.RecordingNumber}
	if id, ok := s.byKey[key]; ok {
		existing := s.liens[id]
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		record.DiscoveredAt = existing.DiscoveredAt
		if record.Status == "" {
			record.Status = existing.Status
		}
		if record.ExternalID == nil {
			record.ExternalID = existing.ExternalID
		}
		if record.DocumentID == nil {
			record.DocumentID = existing.DocumentID
		}
		record.UpdatedAt = now
		record = cloneRecord(record)
		s.liens[id] = record
		return cloneRecord(record), false, nil
	}

	if record.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return lien.Record{}, false, fmt.Errorf("lien id: %w", err)
		}
		record.ID = id
	}
	if record.Status == "" {
		record.Status = lien.StatusPending
	}
	if record.DiscoveredAt.IsZero() {
		record.DiscoveredAt = now
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	record = cloneRecord(record)
	s.liens[record.ID] = record
	s.byKey[key] = record.ID
	return cloneRecord(record), true, nil
}

// GetLien returns one record.
func (s *Store) GetLien(_ context.Context, id string) (lien.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.liens[id]
	if !ok {
		return lien.Record{}, fmt.Errorf("lien %q: %w", id, lien.ErrNotFound)
	}
	return cloneRecord(r), nil
}

// ListLiens returns records newest first, or least recently updated first on request.
func (s *Store) ListLiens(_ context.Context, filter lien.LienFilter) ([]lien.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lien.Record, 0)
	for _, r := range s.liens {
		if filter.JurisdictionID != "" && r.JurisdictionID != filter.JurisdictionID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.MissingDocument && r.DocumentID != nil {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	if filter.LeastRecentlyUpdated {
		slices.SortFunc(out, func(a, b lien.Record) int {
			if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
	} else {
		slices.SortFunc(out, func(a, b lien.Record) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return strings.Compare(b.ID, a.ID)
		})
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

// DeleteLien removes a record and the document rows stored for it.
func (s *Store) DeleteLien(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liens[id]
	if !ok {
		return fmt.Errorf("lien %q: %w", id, lien.ErrNotFound)
	}
	delete(s.liens, id)
	delete(s.byKey, lienKey{r.JurisdictionID, r.RecordingNumber})
	for docID, doc := range s.documents {
		if doc.JurisdictionID == r.JurisdictionID && doc.RecordingNumber == r.RecordingNumber {
			delete(s.documents, docID)
		}
	}
	return nil
}

// UpdateLienStatus moves a record along its lifecycle.
func (s *Store) UpdateLienStatus(_ context.Context, id string, status lien.Status, externalID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liens[id]
	if !ok {
		return fmt.Errorf("lien %q: %w", id, lien.ErrNotFound)
	}
	if !r.Status.CanTransition(status) {
		return fmt.Errorf("lien %q %s -> %s: %w", id, r.Status, status, lien.ErrInvalidTransition)
	}
	r.Status = status
	if externalID != nil {
		r.ExternalID = clonePtr(externalID)
	}
	r.UpdatedAt = s.clock.Now()
	s.liens[id] = r
	return nil
}

// AttachDocument points a record at a stored document.
func (s *Store) AttachDocument(_ context.Context, lienID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liens[lienID]
	if !ok {
		return fmt.Errorf("lien %q: %w", lienID, lien.ErrNotFound)
	}
	if _, ok := s.documents[documentID]; !ok {
		return fmt.Errorf("document %q: %w", documentID, lien.ErrNotFound)
	}
	r.DocumentID = clonePtr(&documentID)
	r.UpdatedAt = s.clock.Now()
	s.liens[lienID] = r
	return nil
}

// CreateDocument stores document metadata. Content is not retained.
func (s *Store) CreateDocument(_ context.Context, doc lien.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %q already exists", doc.ID)
	}
	doc.Content = nil
	s.documents[doc.ID] = doc
	return nil
}

// FindDocument looks a document up by its natural key.
func (s *Store) FindDocument(_ context.Context, jurisdictionID, recordingNumber, sha string) (lien.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.JurisdictionID == jurisdictionID && doc.RecordingNumber == recordingNumber && doc.SHA256 == sha {
			return doc, nil
		}
	}
	return lien.Document{}, fmt.Errorf("document %s/%s: %w", jurisdictionID, recordingNumber, lien.ErrNotFound)
}

// GetDocument returns document metadata.
func (s *Store) GetDocument(_ context.Context, id string) (lien.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return lien.Document{}, fmt.Errorf("document %q: %w", id, lien.ErrNotFound)
	}
	return doc, nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run lien.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateRun replaces a run's status, counters and end state.
func (s *Store) UpdateRun(_ context.Context, run lien.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %q: %w", run.ID, lien.ErrNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(_ context.Context, id string) (lien.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return lien.Run{}, fmt.Errorf("run %q: %w", id, lien.ErrNotFound)
	}
	return cloneRun(run), nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (lien.Run, error) {
	runs, err := s.ListRuns(ctx, 1, 0)
	if err != nil {
		return lien.Run{}, err
	}
	if len(runs) == 0 {
		return lien.Run{}, fmt.Errorf("latest run: %w", lien.ErrNotFound)
	}
	return runs[0], nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, limit, offset int) ([]lien.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lien.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	slices.SortFunc(out, func(a, b lien.Run) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return paginate(out, limit, offset), nil
}

// FailOrphanedRuns marks every running run failed.
func (s *Store) FailOrphanedRuns(_ context.Context, endedAt time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, run := range s.runs {
		if run.Status != lien.RunRunning {
			continue
		}
		run.Status = lien.RunFailed
		run.EndedAt = &endedAt
		msg := reason
		run.ErrorMessage = &msg
		s.runs[id] = cloneRun(run)
		n++
	}
	return n, nil
}

// AppendLogs appends entries.
func (s *Store) AppendLogs(_ context.Context, entries []lien.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entries...)
	return nil
}

// ListLogs returns the newest entries first.
func (s *Store) ListLogs(_ context.Context, limit int) ([]lien.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lien.LogEntry, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0; i-- {
		out = append(out, s.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountLiensCreatedSince counts records first created at or after since.
func (s *Store) CountLiensCreatedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.liens {
		if !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRecord(r lien.Record) lien.Record {
	r.ExternalID = clonePtr(r.ExternalID)
	r.DocumentID = clonePtr(r.DocumentID)
	return r
}

func cloneRun(run lien.Run) lien.Run {
	if run.EndedAt != nil {
		t := *run.EndedAt
		run.EndedAt = &t
	}
	run.ErrorMessage = clonePtr(run.ErrorMessage)
	return run
}
