package repair

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/document"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/pacer"
	"github.com/JakeFAU/lien-crawler/internal/platform"
	"github.com/JakeFAU/lien-crawler/internal/storage/memory"
)

func profile(id string) lien.Profile {
	return lien.Profile{
		ID:             id,
		Name:           id,
		Active:         true,
		BaseURL:        "https://" + id + ".example",
		SearchFormURL:  "https://" + id + ".example/search",
		PDFURLTemplate: "https://" + id + ".example/docs/{recordingNumber}.pdf",
		Search:         lien.SearchSelectors{Mode: lien.SearchModeHTTP, StartDateSelector: "#from", ResultRowSelector: "tr"},
		Patterns: lien.FieldPatterns{
			RecordingNumber: lien.Pattern{Expr: `(\d+)`, Group: 1},
			RecordDate:      lien.Pattern{Expr: `(\d{2}/\d{2}/\d{4})`, Group: 1},
		},
		DateFormat: "MM/DD/YYYY",
		Pacing:     lien.Pacing{MaxRequestsPerMinute: 1000, MaxPagesPerRun: 1},
	}
}

// fakeFetcher stores a document row the way the retriever does before returning it.
type fakeFetcher struct {
	docs        lien.DocumentStore
	unavailable map[string]bool
	err         error
	urls        []string
}

func (f *fakeFetcher) FetchDocument(ctx context.Context, rn string, p lien.Profile, _ ...document.FetchOption) (lien.Document, error) {
	f.urls = append(f.urls, p.PDFURL(rn))
	if f.err != nil {
		return lien.Document{}, f.err
	}
	if f.unavailable[rn] {
		return lien.Document{}, fmt.Errorf("%s: %w", rn, lien.ErrDocumentUnavailable)
	}
	doc := lien.Document{
		ID:              "doc-" + rn,
		JurisdictionID:  p.ID,
		RecordingNumber: rn,
		Filename:        rn + ".pdf",
		SourceURL:       p.PDFURL(rn),
	}
	if err := f.docs.CreateDocument(ctx, doc); err != nil {
		return lien.Document{}, err
	}
	return doc, nil
}

type fixture struct {
	store   *memory.Store
	fetcher *fakeFetcher
	repair  *Repairer
	ids     map[string]string
}

func newFixture(t *testing.T, records map[string][]string) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	ids := make(map[string]string)
	for jurisdiction, rns := range records {
		for _, rn := range rns {
			r, _, err := store.UpsertLien(ctx, lien.Record{
				JurisdictionID:  jurisdiction,
				RecordingNumber: rn,
				RecordDate:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			})
			require.NoError(t, err)
			ids[rn] = r.ID
		}
	}
	fetcher := &fakeFetcher{docs: store, unavailable: map[string]bool{}}
	r := New(store, fetcher, pacer.New(), nil, platform.NewSystemClock(), nil)
	return fixture{store: store, fetcher: fetcher, repair: r, ids: ids}
}

func TestRepairAttachesDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"pima": {"100", "101", "102"}})
	require.NoError(t, f.store.UpsertProfile(ctx, profile("pima")))
	f.fetcher.unavailable["101"] = true

	report, err := f.repair.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, Report{Attempted: 3, Repaired: 2, Failed: 1}, report)
	require.Contains(t, f.fetcher.urls, "https://pima.example/docs/100.pdf")

	r, err := f.store.GetLien(ctx, f.ids["100"])
	require.NoError(t, err)
	require.NotNil(t, r.DocumentID)
	require.Equal(t, "doc-100", *r.DocumentID)
	doc, err := f.store.GetDocument(ctx, *r.DocumentID)
	require.NoError(t, err)
	require.Equal(t, "100", doc.RecordingNumber)

	missing, err := f.store.ListLiens(ctx, lien.LienFilter{MissingDocument: true})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, "101", missing[0].RecordingNumber)
}

func TestRepairScopesByJurisdictionAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"pima": {"200", "201"}, "cochise": {"300"}})
	require.NoError(t, f.store.UpsertProfile(ctx, profile("pima")))
	require.NoError(t, f.store.UpsertProfile(ctx, profile("cochise")))

	report, err := f.repair.Run(ctx, Request{JurisdictionID: "pima", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, Report{Attempted: 1, Repaired: 1}, report)
	require.Len(t, f.fetcher.urls, 1)
	require.Contains(t, f.fetcher.urls[0], "pima.example")
}

func TestRepairCountsUnknownJurisdictionAsFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[string][]string{"gone": {"400", "401"}})

	report, err := f.repair.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, Report{Attempted: 2, Failed: 2}, report)
	require.Empty(t, f.fetcher.urls)
}

func TestRepairStopsOnStorageFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"pima": {"500"}})
	require.NoError(t, f.store.UpsertProfile(ctx, profile("pima")))
	f.fetcher.err = errors.New("bucket unavailable")

	_, err := f.repair.Run(ctx, Request{})
	require.ErrorContains(t, err, "bucket unavailable")
}
