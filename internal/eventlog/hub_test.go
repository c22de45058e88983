package eventlog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

func TestHubDeliversFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{QueueSize: 8, BatchSize: 2, FlushInterval: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEntry("run started"))
	hub.Emit(sampleEntry("page 1 read"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubDeliversRoutineEntriesOnInterval(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{QueueSize: 4, BatchSize: 10, FlushInterval: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEntry("run started"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesWarningsImmediately(t *testing.T) {
	t.Parallel()

	for _, level := range []lien.LogLevel{lien.LevelWarning, lien.LevelError} {
		t.Run(string(level), func(t *testing.T) {
			t.Parallel()
			sink := newStubSink()
			hub := NewHub(Config{BatchSize: 100, FlushInterval: time.Hour}, sink)
			defer func() {
				require.NoError(t, hub.Close(context.Background()))
			}()

			hub.Emit(sampleEntry("page 1 read"))
			urgentEntry := sampleEntry("selector missing")
			urgentEntry.Level = level
			hub.Emit(urgentEntry)

			require.Eventually(t, func() bool {
				return len(sink.Batches()) == 1
			}, time.Second, 5*time.Millisecond)
			batch := sink.Batches()[0]
			require.Len(t, batch, 2)
			require.Equal(t, "page 1 read", batch[0].Message)
			require.Equal(t, level, batch[1].Level)
		})
	}
}

func TestHubKeepsComponentOrder(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BatchSize: 3, FlushInterval: 5 * time.Millisecond}, sink)

	levels := []lien.LogLevel{lien.LevelInfo, lien.LevelWarning, lien.LevelInfo, lien.LevelError, lien.LevelSuccess}
	var wg sync.WaitGroup
	for _, component := range []string{"search", "document", "ledger"} {
		wg.Go(func() {
			for i := range 20 {
				e := sampleEntry(fmt.Sprintf("%s %02d", component, i))
				e.Component = component
				e.Level = levels[i%len(levels)]
				hub.Emit(e)
			}
		})
	}
	wg.Wait()
	require.NoError(t, hub.Close(context.Background()))

	got := make(map[string][]string)
	for _, batch := range sink.Batches() {
		require.LessOrEqual(t, len(batch), 3)
		for _, e := range batch {
			got[e.Component] = append(got[e.Component], e.Message)
		}
	}
	for _, component := range []string{"search", "document", "ledger"} {
		require.Len(t, got[component], 20)
		require.True(t, slices.IsSorted(got[component]), "%s delivered out of order: %v", component, got[component])
	}
}

// blockingSink holds its first Consume call until release is closed.
type blockingSink struct {
	*stubSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Consume(ctx context.Context, batch []lien.LogEntry) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.stubSink.Consume(ctx, batch)
}

func TestHubShedsRoutineEntriesForUrgentOnes(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{stubSink: newStubSink(), entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(Config{QueueSize: 2, BatchSize: 10, FlushInterval: time.Hour}, sink)

	first := sampleEntry("jurisdiction failed")
	first.Level = lien.LevelError
	hub.Emit(first)
	<-sink.entered

	start := time.Now()
	hub.Emit(sampleEntry("page 1 read"))
	hub.Emit(sampleEntry("page 2 read"))
	warning := sampleEntry("ledger offline")
	warning.Level = lien.LevelWarning
	hub.Emit(warning)
	hub.Emit(sampleEntry("page 3 read"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Shed())

	close(sink.release)
	require.NoError(t, hub.Close(context.Background()))

	var messages []string
	for _, batch := range sink.Batches() {
		for _, e := range batch {
			messages = append(messages, e.Message)
		}
	}
	require.Equal(t, []string{"jurisdiction failed", "page 2 read", "ledger offline"}, messages)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{QueueSize: 4, BatchSize: 100, FlushInterval: time.Minute}, sink)

	hub.Emit(sampleEntry("run completed"))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	hub.Emit(sampleEntry("late"))
	require.Len(t, sink.Batches(), 1)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEntries(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BatchSize: 1}, sink)
	hub.Emit(lien.LogEntry{Message: "no timestamp"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEntry("ignored"))
	require.NoError(t, hub.Close(context.Background()))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(sampleEntry("ok")))

	bad := sampleEntry("ok")
	bad.Level = "debug"
	require.Error(t, Validate(bad))

	bad = sampleEntry("ok")
	bad.Component = ""
	require.Error(t, Validate(bad))

	require.Error(t, Validate(sampleEntry(" ")))
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestLoggerStampsEntries(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := NewLogger(rec, fixedClock{now}, "orchestrator").WithRun("run-7")

	logger.Info("run started")
	logger.Warning("jurisdiction %s skipped: %d pages", "pima", 0)
	logger.Success("done")
	logger.Error("boom")

	require.Len(t, rec.entries, 4)
	require.Equal(t, lien.LogEntry{
		Timestamp: now, Level: lien.LevelInfo, Component: "orchestrator", Message: "run started", RunID: "run-7",
	}, rec.entries[0])
	require.Equal(t, "jurisdiction pima skipped: 0 pages", rec.entries[1].Message)
	require.Equal(t, lien.LevelWarning, rec.entries[1].Level)
	require.Equal(t, lien.LevelSuccess, rec.entries[2].Level)
	require.Equal(t, lien.LevelError, rec.entries[3].Level)

	// A logger without an emitter discards entries.
	NewLogger(nil, fixedClock{now}, "x").Info("nothing")
}

type recordingEmitter struct {
	entries []lien.LogEntry
}

func (r *recordingEmitter) Emit(e lien.LogEntry) { r.entries = append(r.entries, e) }

type stubSink struct {
	mu      sync.Mutex
	batches [][]lien.LogEntry
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]lien.LogEntry{}}
}

func (s *stubSink) Consume(_ context.Context, batch []lien.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]lien.LogEntry(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]lien.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]lien.LogEntry, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]lien.LogEntry(nil), b...)
	}
	return out
}

func sampleEntry(msg string) lien.LogEntry {
	return lien.LogEntry{
		Timestamp: time.Now(),
		Level:     lien.LevelInfo,
		Component: "orchestrator",
		Message:   msg,
	}
}
