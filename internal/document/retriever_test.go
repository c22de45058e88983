package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/pacer"
	"github.com/JakeFAU/lien-crawler/internal/platform"
	"github.com/JakeFAU/lien-crawler/internal/storage/memory"
)

const samplePDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

// recorderSite serves PDFs at /docs/<n>.pdf. Recordings prefixed "S" require the session
// cookie issued by /detail/<n>; recordings prefixed "X" do not exist.
func recorderSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "abc", Path: "/"})
		_, _ = io.WriteString(w, "<html><body>detail</body></html>")
	})
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/docs/"), ".pdf")
		switch {
		case strings.HasPrefix(name, "X"):
			http.NotFound(w, r)
			return
		case strings.HasPrefix(name, "S"):
			if _, err := r.Cookie("ASP.NET_SessionId"); err != nil {
				_, _ = io.WriteString(w, "<html><body>session expired</body></html>")
				return
			}
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, samplePDF)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testProfile(base string) lien.Profile {
	return lien.Profile{
		ID:                "pima",
		BaseURL:           base,
		PDFURLTemplate:    base + "/docs/{recordingNumber}.pdf",
		DetailURLTemplate: base + "/detail/{recordingNumber}",
		Pacing:            lien.Pacing{MaxRequestsPerMinute: 600, MaxPagesPerRun: 10},
	}
}

type fixture struct {
	retriever *Retriever
	blobs     *memory.BlobStore
	store     *memory.Store
}

func newFixture(t *testing.T, profile lien.Profile, strategies ...Strategy) fixture {
	t.Helper()
	pc := pacer.New(pacer.WithSleep(func(context.Context, time.Duration) error { return nil }))
	pc.Register(profile.ID, profile.Pacing)

	blobs := memory.NewBlobStore()
	store := memory.NewStore()
	if len(strategies) == 0 {
		cfg := HTTPConfig{Timeout: 5 * time.Second}
		strategies = []Strategy{NewDirectStrategy(cfg), NewSessionStrategy(cfg)}
	}
	r, err := NewRetriever(Config{
		Strategies: strategies,
		Pacer:      pc,
		Blobs:      blobs,
		Documents:  store,
		Hasher:     platform.NewSHA256Hasher(),
		IDs:        platform.NewUUIDGenerator(),
		Clock:      platform.NewSystemClock(),
		Prefix:     "documents",
	})
	require.NoError(t, err)
	return fixture{retriever: r, blobs: blobs, store: store}
}

func TestFetchDocumentDirect(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	f := newFixture(t, profile)

	doc, err := f.retriever.FetchDocument(context.Background(), "20250001", profile)
	require.NoError(t, err)
	require.Equal(t, "direct", doc.Strategy)
	require.Equal(t, int64(len(samplePDF)), doc.SizeBytes)
	require.Equal(t, "20250001.pdf", doc.Filename)
	require.Len(t, doc.SHA256, 64)
	require.Equal(t, fmt.Sprintf("memory://documents/pima/20250001/%s.pdf", doc.SHA256), doc.BlobURI)

	data, err := f.blobs.GetObject(context.Background(), doc.BlobURI)
	require.NoError(t, err)
	require.Equal(t, samplePDF, string(data))

	stored, err := f.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.SHA256, stored.SHA256)
}

func TestFetchDocumentFallsBackToSession(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	f := newFixture(t, profile)

	doc, err := f.retriever.FetchDocument(context.Background(), "S77", profile)
	require.NoError(t, err)
	require.Equal(t, "session", doc.Strategy)
}

func TestFetchDocumentIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	f := newFixture(t, profile)

	first, err := f.retriever.FetchDocument(context.Background(), "20250002", profile)
	require.NoError(t, err)
	second, err := f.retriever.FetchDocument(context.Background(), "20250002", profile)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.blobs.Len())
}

func TestFetchDocumentUnavailable(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	f := newFixture(t, profile)

	_, err := f.retriever.FetchDocument(context.Background(), "X404", profile)
	require.ErrorIs(t, err, lien.ErrDocumentUnavailable)
	require.Equal(t, 0, f.blobs.Len())
}

func TestFetchDocumentRejectsNonPDF(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	// Without a detail template the session strategy has nothing to visit.
	profile.DetailURLTemplate = ""
	f := newFixture(t, profile)

	_, err := f.retriever.FetchDocument(context.Background(), "S1", profile)
	require.ErrorIs(t, err, lien.ErrDocumentUnavailable)
	require.ErrorIs(t, err, ErrNotPDF)
}

func TestFetchDocumentUsesDetailURLOption(t *testing.T) {
	t.Parallel()
	srv := recorderSite(t)
	profile := testProfile(srv.URL)
	profile.DetailURLTemplate = ""
	f := newFixture(t, profile)

	doc, err := f.retriever.FetchDocument(context.Background(), "S2", profile, WithDetailURL(srv.URL+"/detail/S2"))
	require.NoError(t, err)
	require.Equal(t, "session", doc.Strategy)
}

type stubStrategy struct {
	name  string
	data  []byte
	err   error
	calls atomic.Int32
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Fetch(context.Context, Request) ([]byte, error) {
	s.calls.Add(1)
	return s.data, s.err
}

func TestFetchDocumentStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()
	profile := testProfile("https://recorder.example.gov")
	failing := &stubStrategy{name: "direct", err: errors.New("connection reset")}
	working := &stubStrategy{name: "session", data: []byte(samplePDF)}
	unused := &stubStrategy{name: "browser", data: []byte(samplePDF)}
	f := newFixture(t, profile, failing, working, unused)

	doc, err := f.retriever.FetchDocument(context.Background(), "1", profile)
	require.NoError(t, err)
	require.Equal(t, "session", doc.Strategy)
	require.EqualValues(t, 1, failing.calls.Load())
	require.EqualValues(t, 1, working.calls.Load())
	require.Zero(t, unused.calls.Load())
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingBlobs) GetObject(context.Context, string) ([]byte, error) {
	return nil, lien.ErrNotFound
}

func TestFetchDocumentStorageFailureIsNotUnavailable(t *testing.T) {
	t.Parallel()
	profile := testProfile("https://recorder.example.gov")
	pc := pacer.New(pacer.WithSleep(func(context.Context, time.Duration) error { return nil }))
	pc.Register(profile.ID, profile.Pacing)
	r, err := NewRetriever(Config{
		Strategies: []Strategy{&stubStrategy{name: "direct", data: []byte(samplePDF)}},
		Pacer:      pc,
		Blobs:      failingBlobs{},
		Documents:  memory.NewStore(),
		Hasher:     platform.NewSHA256Hasher(),
		IDs:        platform.NewUUIDGenerator(),
		Clock:      platform.NewSystemClock(),
	})
	require.NoError(t, err)

	_, err = r.FetchDocument(context.Background(), "1", profile)
	require.Error(t, err)
	require.NotErrorIs(t, err, lien.ErrDocumentUnavailable)
}

func TestNewRetrieverValidates(t *testing.T) {
	t.Parallel()
	_, err := NewRetriever(Config{})
	require.Error(t, err)
}

func TestIsPDF(t *testing.T) {
	t.Parallel()
	require.True(t, IsPDF([]byte(samplePDF)))
	require.False(t, IsPDF([]byte("<html>")))
	require.False(t, IsPDF(nil))
}
