package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/platform"
	pubmemory "github.com/JakeFAU/lien-crawler/internal/publisher/memory"
	"github.com/JakeFAU/lien-crawler/internal/storage/memory"
)

type recordingEmitter struct {
	entries []lien.LogEntry
}

func (r *recordingEmitter) Emit(e lien.LogEntry) { r.entries = append(r.entries, e) }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingSink records every recording number it is asked to sync, failed or not.
type countingSink struct {
	*pubmemory.Publisher
	mu    sync.Mutex
	calls []string
}

func (s *countingSink) SyncRecord(ctx context.Context, record lien.Record) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, record.RecordingNumber)
	s.mu.Unlock()
	return s.Publisher.SyncRecord(ctx, record)
}

func (s *countingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func seed(t *testing.T, store *memory.Store, recordings ...string) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(recordings))
	for _, rn := range recordings {
		r, created, err := store.UpsertLien(context.Background(), lien.Record{
			JurisdictionID:  "pima",
			RecordingNumber: rn,
			RecordDate:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.True(t, created)
		ids[rn] = r.ID
	}
	return ids
}

func newSyncer(t *testing.T, store lien.RecordStore, sink Sink, events *recordingEmitter) *Syncer {
	t.Helper()
	cfg := Config{
		Store:     store,
		Sink:      sink,
		Clock:     platform.NewSystemClock(),
		BatchSize: 10,
	}
	if events != nil {
		cfg.Events = events
	}
	s, err := NewSyncer(cfg)
	require.NoError(t, err)
	return s
}

func TestSyncOnceMarksRecordsSynced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	ids := seed(t, store, "2025000101", "2025000102")
	sink := pubmemory.New()

	res, err := newSyncer(t, store, sink, nil).SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Attempted: 2, Synced: 2}, res)

	for _, id := range ids {
		r, err := store.GetLien(ctx, id)
		require.NoError(t, err)
		require.Equal(t, lien.StatusSynced, r.Status)
		require.NotNil(t, r.ExternalID)
	}
	require.Len(t, sink.Messages(), 2)
	for _, m := range sink.Messages() {
		require.Equal(t, lien.StatusProcessing, m.Record.Status)
	}
}

func TestSyncFailureReturnsRecordToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	ids := seed(t, store, "2025000201", "2025000202")
	sink := pubmemory.New()
	sink.FailRecording("2025000201", errors.New("ledger offline"))
	events := &recordingEmitter{}
	syncer := newSyncer(t, store, sink, events)

	res, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Attempted: 2, Synced: 1, Failed: 1}, res)

	failed, err := store.GetLien(ctx, ids["2025000201"])
	require.NoError(t, err)
	require.Equal(t, lien.StatusPending, failed.Status)
	require.Nil(t, failed.ExternalID)
	require.Len(t, events.entries, 1)
	require.Equal(t, lien.LevelWarning, events.entries[0].Level)
	require.Equal(t, component, events.entries[0].Component)

	res, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
}

func TestFailedRecordWaitsOutBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newManualClock()
	store := memory.NewStore(memory.WithClock(clock))
	ids := seed(t, store, "2025000211")
	sink := pubmemory.New()
	sink.FailRecording("2025000211", errors.New("ledger offline"))
	syncer, err := NewSyncer(Config{Store: store, Sink: sink, Clock: clock, RetryBackoff: time.Minute})
	require.NoError(t, err)

	res, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	res, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Attempted)

	clock.Advance(time.Minute)
	res, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	clock.Advance(time.Minute)
	res, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Attempted, "second failure doubles the wait")

	sink.FailRecording("2025000211", nil)
	clock.Advance(time.Minute)
	res, err = syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Attempted: 1, Synced: 1}, res)
	r, err := store.GetLien(ctx, ids["2025000211"])
	require.NoError(t, err)
	require.Equal(t, lien.StatusSynced, r.Status)
}

func TestFailingRecordDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		order []string
	}{
		{name: "failing record newer", order: []string{"2025000601", "2025000699"}},
		{name: "failing record older", order: []string{"2025000699", "2025000601"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clock := newManualClock()
			store := memory.NewStore(memory.WithClock(clock))
			ids := make(map[string]string)
			for _, rn := range tc.order {
				for k, v := range seed(t, store, rn) {
					ids[k] = v
				}
				clock.Advance(time.Second)
			}
			sink := &countingSink{Publisher: pubmemory.New()}
			sink.FailRecording("2025000699", errors.New("rejected by ledger"))
			syncer, err := NewSyncer(Config{Store: store, Sink: sink, Clock: clock, BatchSize: 1})
			require.NoError(t, err)

			for range 5 {
				_, err := syncer.SyncOnce(ctx)
				require.NoError(t, err)
			}

			healthy, err := store.GetLien(ctx, ids["2025000601"])
			require.NoError(t, err)
			require.Equal(t, lien.StatusSynced, healthy.Status, "calls: %v", sink.Calls())
			require.Equal(t, 1, countOf(sink.Calls(), "2025000699"))
		})
	}
}

func countOf(calls []string, rn string) int {
	n := 0
	for _, c := range calls {
		if c == rn {
			n++
		}
	}
	return n
}

func TestRecoverReleasesStaleClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	ids := seed(t, store, "2025000701", "2025000702", "2025000703")
	require.NoError(t, store.UpdateLienStatus(ctx, ids["2025000701"], lien.StatusProcessing, nil))
	require.NoError(t, store.UpdateLienStatus(ctx, ids["2025000702"], lien.StatusProcessing, nil))
	events := &recordingEmitter{}
	syncer, err := NewSyncer(Config{Store: store, Sink: pubmemory.New(), Events: events,
		Clock: platform.NewSystemClock(), BatchSize: 1})
	require.NoError(t, err)

	n, err := syncer.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, id := range ids {
		r, err := store.GetLien(ctx, id)
		require.NoError(t, err)
		require.Equal(t, lien.StatusPending, r.Status)
	}
	require.Len(t, events.entries, 1)
	require.Equal(t, lien.LevelWarning, events.entries[0].Level)

	n, err = syncer.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	res, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
}

// claimedStore reports every claim as lost to a concurrent syncer.
type claimedStore struct {
	*memory.Store
}

func (claimedStore) UpdateLienStatus(context.Context, string, lien.Status, *string) error {
	return lien.ErrInvalidTransition
}

func TestSyncSkipsRecordsClaimedElsewhere(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	seed(t, store, "2025000301")
	sink := pubmemory.New()

	res, err := newSyncer(t, claimedStore{store}, sink, nil).SyncOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
	require.Empty(t, sink.Messages())
}

type emptyIDSink struct{}

func (emptyIDSink) SyncRecord(context.Context, lien.Record) (string, error) { return "", nil }

func TestEmptyExternalIDCountsAsFailure(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	ids := seed(t, store, "2025000401")

	res, err := newSyncer(t, store, emptyIDSink{}, nil).SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	r, err := store.GetLien(context.Background(), ids["2025000401"])
	require.NoError(t, err)
	require.Equal(t, lien.StatusPending, r.Status)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	seed(t, store, "2025000501")
	sink := pubmemory.New()
	s, err := NewSyncer(Config{Store: store, Sink: sink, Clock: platform.NewSystemClock(), PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return len(sink.Messages()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewSyncerValidates(t *testing.T) {
	t.Parallel()
	_, err := NewSyncer(Config{})
	require.Error(t, err)
}
