package lien

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// RecordingNumberToken is replaced with the recording number in URL templates.
const RecordingNumberToken = "{recordingNumber}"

// SearchMode selects how the search form is driven.
type SearchMode string

// Supported search modes.
const (
	SearchModeHTTP    SearchMode = "http"
	SearchModeBrowser SearchMode = "browser"
)

// Pattern is a regular expression plus the capture group holding the value.
type Pattern struct {
	Expr  string `json:"expr" mapstructure:"expr"`
	Group int    `json:"group" mapstructure:"group"`
}

// IsZero reports whether no expression is configured.
func (p Pattern) IsZero() bool {
	return strings.TrimSpace(p.Expr) == ""
}

// FieldPatterns holds the extraction patterns applied to each result row.
type FieldPatterns struct {
	RecordingNumber Pattern `json:"recording_number" mapstructure:"recording_number"`
	RecordDate      Pattern `json:"record_date" mapstructure:"record_date"`
	Amount          Pattern `json:"amount" mapstructure:"amount"`
	DebtorName      Pattern `json:"debtor_name" mapstructure:"debtor_name"`
	DebtorAddress   Pattern `json:"debtor_address" mapstructure:"debtor_address"`
	CreditorName    Pattern `json:"creditor_name" mapstructure:"creditor_name"`
	CreditorAddress Pattern `json:"creditor_address" mapstructure:"creditor_address"`
}

// SearchSelectors describes the jurisdiction's search form and results page.
//
// In http mode the date/doc-type selectors locate form inputs whose name attributes are
// posted; in browser mode they are typed into directly. When EndDateSelector is empty the
// site only accepts a single date and the range is searched one day at a time.
type SearchSelectors struct {
	Mode                 SearchMode `json:"mode" mapstructure:"mode"`
	FormSelector         string     `json:"form_selector" mapstructure:"form_selector"`
	StartDateSelector    string     `json:"start_date_selector" mapstructure:"start_date_selector"`
	EndDateSelector      string     `json:"end_date_selector" mapstructure:"end_date_selector"`
	DocumentTypeSelector string     `json:"document_type_selector" mapstructure:"document_type_selector"`
	SubmitSelector       string     `json:"submit_selector" mapstructure:"submit_selector"`
	ResultRowSelector    string     `json:"result_row_selector" mapstructure:"result_row_selector"`
	NoResultsPattern     string     `json:"no_results_pattern" mapstructure:"no_results_pattern"`
	NextPageSelector     string     `json:"next_page_selector" mapstructure:"next_page_selector"`
	DetailLinkSelector   string     `json:"detail_link_selector" mapstructure:"detail_link_selector"`
}

// SingleDate reports whether the form accepts only one date per submission.
func (s SearchSelectors) SingleDate() bool {
	return strings.TrimSpace(s.EndDateSelector) == ""
}

// Pacing holds per-jurisdiction request cadence settings.
type Pacing struct {
	PageLoadWaitMs       int `json:"page_load_wait_ms" mapstructure:"page_load_wait_ms"`
	BetweenRequestsMs    int `json:"between_requests_ms" mapstructure:"between_requests_ms"`
	AfterSubmitWaitMs    int `json:"after_submit_wait_ms" mapstructure:"after_submit_wait_ms"`
	DocumentLoadWaitMs   int `json:"document_load_wait_ms" mapstructure:"document_load_wait_ms"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute" mapstructure:"max_requests_per_minute"`
	MaxPagesPerRun       int `json:"max_pages_per_run" mapstructure:"max_pages_per_run"`
}

// PageLoadWait returns PageLoadWaitMs as a duration.
func (p Pacing) PageLoadWait() time.Duration {
	return time.Duration(p.PageLoadWaitMs) * time.Millisecond
}

// BetweenRequests returns BetweenRequestsMs as a duration.
func (p Pacing) BetweenRequests() time.Duration {
	return time.Duration(p.BetweenRequestsMs) * time.Millisecond
}

// AfterSubmitWait returns AfterSubmitWaitMs as a duration.
func (p Pacing) AfterSubmitWait() time.Duration {
	return time.Duration(p.AfterSubmitWaitMs) * time.Millisecond
}

// DocumentLoadWait returns DocumentLoadWaitMs as a duration.
func (p Pacing) DocumentLoadWait() time.Duration {
	return time.Duration(p.DocumentLoadWaitMs) * time.Millisecond
}

// Profile holds the scrape parameters for one jurisdiction. The engine treats
// profiles as values: callers hand out copies made with Clone.
type Profile struct {
	ID                string          `json:"id" mapstructure:"id"`
	Name              string          `json:"name" mapstructure:"name"`
	Region            string          `json:"region" mapstructure:"region"`
	Active            bool            `json:"active" mapstructure:"active"`
	BaseURL           string          `json:"base_url" mapstructure:"base_url"`
	SearchFormURL     string          `json:"search_form_url" mapstructure:"search_form_url"`
	ResultURLTemplate string          `json:"result_url_template" mapstructure:"result_url_template"`
	DetailURLTemplate string          `json:"detail_url_template" mapstructure:"detail_url_template"`
	PDFURLTemplate    string          `json:"pdf_url_template" mapstructure:"pdf_url_template"`
	Search            SearchSelectors `json:"search" mapstructure:"search"`
	Patterns          FieldPatterns   `json:"patterns" mapstructure:"patterns"`
	DocumentTypeCode  string          `json:"document_type_code" mapstructure:"document_type_code"`
	DateFormat        string          `json:"date_format" mapstructure:"date_format"`
	Pacing            Pacing          `json:"pacing" mapstructure:"pacing"`
	UpdatedAt         time.Time       `json:"updated_at" mapstructure:"-"`
}

// Clone returns a copy that shares no mutable state with p.
func (p Profile) Clone() Profile {
	// Every field is a value type; the copy made by the receiver is already independent.
	return p
}

// DateLayout converts the profile's date format into a Go time layout.
func (p Profile) DateLayout() string {
	return DateLayout(p.DateFormat)
}

// FormatDate renders t in the profile's date format.
func (p Profile) FormatDate(t time.Time) string {
	return t.Format(p.DateLayout())
}

// PDFURL expands the PDF URL template for a recording number.
func (p Profile) PDFURL(recordingNumber string) string {
	return expandTemplate(p.PDFURLTemplate, recordingNumber)
}

// DetailURL expands the detail URL template for a recording number.
func (p Profile) DetailURL(recordingNumber string) string {
	return expandTemplate(p.DetailURLTemplate, recordingNumber)
}

// ResultURL expands the result URL template for a recording number.
func (p Profile) ResultURL(recordingNumber string) string {
	return expandTemplate(p.ResultURLTemplate, recordingNumber)
}

func expandTemplate(tmpl, recordingNumber string) string {
	if tmpl == "" {
		return ""
	}
	return strings.ReplaceAll(tmpl, RecordingNumberToken, url.PathEscape(recordingNumber))
}

// Validate rejects profiles that cannot drive a run.
func (p Profile) Validate() error {
	fail := func(field, reason string) error {
		return &ProfileError{ProfileID: p.ID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(p.ID) == "" {
		return fail("id", "required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fail("name", "required")
	}
	for field, raw := range map[string]string{
		"base_url":        p.BaseURL,
		"search_form_url": p.SearchFormURL,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			return fail(field, err.Error())
		}
	}
	if p.PDFURLTemplate == "" {
		return fail("pdf_url_template", "required")
	}
	if !strings.Contains(p.PDFURLTemplate, RecordingNumberToken) {
		return fail("pdf_url_template", "must contain "+RecordingNumberToken)
	}
	if p.DetailURLTemplate != "" && !strings.Contains(p.DetailURLTemplate, RecordingNumberToken) {
		return fail("detail_url_template", "must contain "+RecordingNumberToken)
	}
	switch p.Search.Mode {
	case SearchModeHTTP, SearchModeBrowser:
	default:
		return fail("search.mode", fmt.Sprintf("unknown mode %q", p.Search.Mode))
	}
	if p.Search.StartDateSelector == "" {
		return fail("search.start_date_selector", "required")
	}
	if p.Search.ResultRowSelector == "" {
		return fail("search.result_row_selector", "required")
	}
	if p.Search.Mode == SearchModeBrowser && p.Search.SubmitSelector == "" {
		return fail("search.submit_selector", "required in browser mode")
	}
	if p.Search.NoResultsPattern != "" {
		if _, err := regexp.Compile(p.Search.NoResultsPattern); err != nil {
			return fail("search.no_results_pattern", err.Error())
		}
	}
	if p.Patterns.RecordingNumber.IsZero() {
		return fail("patterns.recording_number", "required")
	}
	if p.Patterns.RecordDate.IsZero() {
		return fail("patterns.record_date", "required")
	}
	for field, pattern := range map[string]Pattern{
		"patterns.recording_number": p.Patterns.RecordingNumber,
		"patterns.record_date":      p.Patterns.RecordDate,
		"patterns.amount":           p.Patterns.Amount,
		"patterns.debtor_name":      p.Patterns.DebtorName,
		"patterns.debtor_address":   p.Patterns.DebtorAddress,
		"patterns.creditor_name":    p.Patterns.CreditorName,
		"patterns.creditor_address": p.Patterns.CreditorAddress,
	} {
		if err := validatePattern(pattern); err != nil {
			return fail(field, err.Error())
		}
	}
	if strings.TrimSpace(p.DateFormat) == "" {
		return fail("date_format", "required")
	}
	if p.Pacing.MaxRequestsPerMinute <= 0 {
		return fail("pacing.max_requests_per_minute", "must be > 0")
	}
	if p.Pacing.MaxPagesPerRun <= 0 {
		return fail("pacing.max_pages_per_run", "must be > 0")
	}
	for field, v := range map[string]int{
		"pacing.page_load_wait_ms":     p.Pacing.PageLoadWaitMs,
		"pacing.between_requests_ms":   p.Pacing.BetweenRequestsMs,
		"pacing.after_submit_wait_ms":  p.Pacing.AfterSubmitWaitMs,
		"pacing.document_load_wait_ms": p.Pacing.DocumentLoadWaitMs,
	} {
		if v < 0 {
			return fail(field, "must be >= 0")
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validatePattern(p Pattern) error {
	if p.IsZero() {
		return nil
	}
	re, err := regexp.Compile(p.Expr)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if p.Group < 0 || p.Group > re.NumSubexp() {
		return fmt.Errorf("group %d out of range (pattern has %d)", p.Group, re.NumSubexp())
	}
	return nil
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"M", "1",
	"D", "2",
)

// DateLayout converts an operator-facing format such as "MM/DD/YYYY" into a Go layout.
// Formats already written as Go layouts (they contain reference digits) pass through unchanged.
func DateLayout(format string) string {
	if strings.ContainsAny(format, "0123456789") {
		return format
	}
	return dateTokens.Replace(format)
}
