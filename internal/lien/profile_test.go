package lien

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validProfile() Profile {
	return Profile{
		ID:             "maricopa",
		Name:           "Maricopa County",
		Region:         "AZ",
		Active:         true,
		BaseURL:        "https://recorder.example.gov",
		SearchFormURL:  "https://recorder.example.gov/search",
		PDFURLTemplate: "https://recorder.example.gov/docs/{recordingNumber}.pdf",
		Search: SearchSelectors{
			Mode:              SearchModeHTTP,
			StartDateSelector: "#start",
			EndDateSelector:   "#end",
			ResultRowSelector: "table.results tr.row",
		},
		Patterns: FieldPatterns{
			RecordingNumber: Pattern{Expr: `(\d{11})`, Group: 1},
			RecordDate:      Pattern{Expr: `(\d{2}/\d{2}/\d{4})`, Group: 1},
		},
		DateFormat: "MM/DD/YYYY",
		Pacing: Pacing{
			MaxRequestsPerMinute: 30,
			MaxPagesPerRun:       5,
		},
	}
}

func TestProfileValidateAcceptsCompleteProfile(t *testing.T) {
	t.Parallel()
	require.NoError(t, validProfile().Validate())
}

func TestProfileValidateRejectsBadFields(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate func(*Profile)
		field  string
	}{
		"missing id":        {func(p *Profile) { p.ID = "" }, "id"},
		"relative form url": {func(p *Profile) { p.SearchFormURL = "/search" }, "search_form_url"},
		"pdf template token": {
			func(p *Profile) { p.PDFURLTemplate = "https://x.example/doc.pdf" },
			"pdf_url_template",
		},
		"unknown mode":    {func(p *Profile) { p.Search.Mode = "ftp" }, "search.mode"},
		"bad regex":       {func(p *Profile) { p.Patterns.Amount = Pattern{Expr: "("} }, "patterns.amount"},
		"group too large": {func(p *Profile) { p.Patterns.RecordingNumber.Group = 2 }, "patterns.recording_number"},
		"zero rpm":        {func(p *Profile) { p.Pacing.MaxRequestsPerMinute = 0 }, "pacing.max_requests_per_minute"},
		"negative wait":   {func(p *Profile) { p.Pacing.AfterSubmitWaitMs = -1 }, "pacing.after_submit_wait_ms"},
		"browser no submit": {
			func(p *Profile) { p.Search.Mode = SearchModeBrowser },
			"search.submit_selector",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := validProfile()
			tc.mutate(&p)
			err := p.Validate()
			require.ErrorIs(t, err, ErrInvalidProfile)
			var perr *ProfileError
			require.True(t, errors.As(err, &perr))
			require.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestProfileCloneIsIndependent(t *testing.T) {
	t.Parallel()
	original := validProfile()
	cp := original.Clone()
	cp.Pacing.MaxPagesPerRun = 99
	cp.Search.ResultRowSelector = "tr"
	require.Equal(t, 5, original.Pacing.MaxPagesPerRun)
	require.Equal(t, "table.results tr.row", original.Search.ResultRowSelector)
}

func TestDateLayout(t *testing.T) {
	t.Parallel()
	require.Equal(t, "01/02/2006", DateLayout("MM/DD/YYYY"))
	require.Equal(t, "2006-01-02", DateLayout("YYYY-MM-DD"))
	require.Equal(t, "1/2/06", DateLayout("M/D/YY"))
	require.Equal(t, "Jan 2, 2006", DateLayout("Jan 2, 2006"))

	p := validProfile()
	require.Equal(t, "03/07/2025", p.FormatDate(time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)))
}

func TestURLTemplates(t *testing.T) {
	t.Parallel()
	p := validProfile()
	p.DetailURLTemplate = "https://recorder.example.gov/detail?id={recordingNumber}"
	require.Equal(t, "https://recorder.example.gov/docs/20250001234.pdf", p.PDFURL("20250001234"))
	require.Equal(t, "https://recorder.example.gov/detail?id=2025%2F1", p.DetailURL("2025/1"))
	require.Empty(t, p.ResultURL("1"))
}

func TestDateRangeDays(t *testing.T) {
	t.Parallel()
	r := DateRange{
		From: time.Date(2025, 1, 30, 15, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 2, 1, 1, 0, 0, 0, time.UTC),
	}
	days := r.Days()
	require.Len(t, days, 3)
	require.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), days[2])
	require.Nil(t, DateRange{From: r.To, To: r.From.AddDate(0, 0, -5)}.Days())
}

func TestParseDateRange(t *testing.T) {
	t.Parallel()
	r, err := ParseDateRange("", "")
	require.NoError(t, err)
	require.True(t, r.IsZero())

	r, err = ParseDateRange("2025-03-01", "2025-03-03")
	require.NoError(t, err)
	require.Len(t, r.Days(), 3)

	for _, tc := range []struct{ from, to, msg string }{
		{"2025-03-01", "", "set together"},
		{"03/01/2025", "2025-03-03", "from must be"},
		{"2025-03-01", "tomorrow", "to must be"},
		{"2025-03-03", "2025-03-01", "before from"},
	} {
		_, err := ParseDateRange(tc.from, tc.to)
		require.ErrorContains(t, err, tc.msg)
	}
}
