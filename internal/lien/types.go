// Package lien defines the core types shared across the lien crawler subsystems.
package lien

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerType records what started an automation run.
type TriggerType string

// Supported run triggers.
const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// Valid reports whether the trigger is one of the known values.
func (t TriggerType) Valid() bool {
	return t == TriggerManual || t == TriggerScheduled
}

// RunStatus represents the lifecycle state of an automation run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// LogLevel classifies a system log entry.
type LogLevel string

// System log levels surfaced to operators.
const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// UnextractedSentinel marks a party field the parser could not recover.
const UnextractedSentinel = "To Be Extracted"

// DateRange is an inclusive range of recording dates.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// ParseDateRange parses optional YYYY-MM-DD bounds. Both empty yields the zero range, which
// callers treat as "use the default lookback".
func ParseDateRange(from, to string) (DateRange, error) {
	if from == "" && to == "" {
		return DateRange{}, nil
	}
	if from == "" || to == "" {
		return DateRange{}, errors.New("from and to must be set together")
	}
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return DateRange{}, errors.New("from must be YYYY-MM-DD")
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return DateRange{}, errors.New("to must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return DateRange{}, errors.New("to must not be before from")
	}
	return DateRange{From: start, To: end}, nil
}

// Days lists each calendar day in the range, truncated to midnight UTC.
func (r DateRange) Days() []time.Time {
	from := truncateDay(r.From)
	to := truncateDay(r.To)
	if to.Before(from) {
		return nil
	}
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Record is a lien filing discovered on a jurisdiction's website.
type Record struct {
	ID              string              `json:"id"`
	JurisdictionID  string              `json:"jurisdiction_id"`
	RecordingNumber string              `json:"recording_number"`
	RecordDate      time.Time           `json:"record_date"`
	DiscoveredAt    time.Time           `json:"discovered_at"`
	DebtorName      string              `json:"debtor_name"`
	DebtorAddress   string              `json:"debtor_address"`
	CreditorName    string              `json:"creditor_name"`
	CreditorAddress string              `json:"creditor_address"`
	Amount          decimal.NullDecimal `json:"amount"`
	Status          Status              `json:"status"`
	ExternalID      *string             `json:"external_id,omitempty"`
	DocumentID      *string             `json:"document_id,omitempty"`
	SourceURL       string              `json:"source_url"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Document is the stored source PDF for a record. Documents are never mutated after creation.
type Document struct {
	ID              string    `json:"id"`
	JurisdictionID  string    `json:"jurisdiction_id"`
	RecordingNumber string    `json:"recording_number"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	SHA256          string    `json:"sha256"`
	PageCount       int       `json:"page_count"`
	BlobURI         string    `json:"blob_uri"`
	SourceURL       string    `json:"source_url"`
	Strategy        string    `json:"strategy"`
	CreatedAt       time.Time `json:"created_at"`
	Content         []byte    `json:"-"`
}

// RunCounters tracks per-run discovery totals.
type RunCounters struct {
	LiensFound         int `json:"liens_found"`
	LiensProcessed     int `json:"liens_processed"`
	LiensOverThreshold int `json:"liens_over_threshold"`
}

// Run is one execution of the scrape-and-retrieve cycle.
type Run struct {
	ID           string      `json:"id"`
	Trigger      TriggerType `json:"trigger"`
	Status       RunStatus   `json:"status"`
	DateRange    DateRange   `json:"date_range"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Counters     RunCounters `json:"counters"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

// LogEntry is an append-only operator-facing log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
}

// RawRow is the untyped content of one search-result entry.
type RawRow struct {
	JurisdictionID string
	Page           int
	Index          int
	HTML           string
	// Text holds the row's cell texts joined by " | ", the input field patterns are written against.
	Text      string
	DetailURL string
}

// ResultPage groups the rows read from one results page.
type ResultPage struct {
	Number int
	URL    string
	Rows   []RawRow
}

// LienFilter narrows record listings. Listings are newest first unless
// LeastRecentlyUpdated asks for the records untouched the longest.
type LienFilter struct {
	JurisdictionID       string
	Status               Status
	MissingDocument      bool
	LeastRecentlyUpdated bool
	Limit                int
	Offset               int
}
