// Package parser turns raw search-result rows into typed lien fields using a
// jurisdiction's extraction patterns. It performs no I/O.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Fields holds the values extracted from one row.
type Fields struct {
	RecordingNumber string
	RecordDate      time.Time
	Amount          decimal.NullDecimal
	DebtorName      string
	DebtorAddress   string
	CreditorName    string
	CreditorAddress string
	// Warnings names optional fields that fell back to null or the sentinel.
	Warnings []string
}

type compiledPattern struct {
	re    *regexp.Regexp
	group int
}

// Parser applies one profile's compiled patterns.
type Parser struct {
	layout          string
	recordingNumber *compiledPattern
	recordDate      *compiledPattern
	amount          *compiledPattern
	debtorName      *compiledPattern
	debtorAddress   *compiledPattern
	creditorName    *compiledPattern
	creditorAddress *compiledPattern
}

// Compile prepares a Parser for profile. It fails with a *lien.ProfileError when a pattern
// does not compile or is missing where required.
func Compile(profile lien.Profile) (*Parser, error) {
	p := &Parser{layout: profile.DateLayout()}
	specs := []struct {
		field    string
		pattern  lien.Pattern
		required bool
		dst      **compiledPattern
	}{
		{"patterns.recording_number", profile.Patterns.RecordingNumber, true, &p.recordingNumber},
		{"patterns.record_date", profile.Patterns.RecordDate, true, &p.recordDate},
		{"patterns.amount", profile.Patterns.Amount, false, &p.amount},
		{"patterns.debtor_name", profile.Patterns.DebtorName, false, &p.debtorName},
		{"patterns.debtor_address", profile.Patterns.DebtorAddress, false, &p.debtorAddress},
		{"patterns.creditor_name", profile.Patterns.CreditorName, false, &p.creditorName},
		{"patterns.creditor_address", profile.Patterns.CreditorAddress, false, &p.creditorAddress},
	}
	for _, s := range specs {
		if s.pattern.IsZero() {
			if s.required {
				return nil, &lien.ProfileError{ProfileID: profile.ID, Field: s.field, Reason: "required"}
			}
			continue
		}
		re, err := regexp.Compile(s.pattern.Expr)
		if err != nil {
			return nil, &lien.ProfileError{ProfileID: profile.ID, Field: s.field, Reason: err.Error()}
		}
		if s.pattern.Group < 0 || s.pattern.Group > re.NumSubexp() {
			return nil, &lien.ProfileError{
				ProfileID: profile.ID,
				Field:     s.field,
				Reason:    fmt.Sprintf("group %d out of range", s.pattern.Group),
			}
		}
		*s.dst = &compiledPattern{re: re, group: s.pattern.Group}
	}
	return p, nil
}

// Parse compiles profile and parses one row. Callers parsing many rows should Compile once.
func Parse(row lien.RawRow, profile lien.Profile) (Fields, error) {
	p, err := Compile(profile)
	if err != nil {
		return Fields{}, err
	}
	return p.Parse(row)
}

// Parse extracts fields from row in a fixed order. A missing recording number yields
// lien.ErrRecordingNumberMissing and an unparseable record date yields lien.ErrInvalidRecordDate;
// callers discard such rows. Optional fields never fail the row.
func (p *Parser) Parse(row lien.RawRow) (Fields, error) {
	text := row.Text
	var f Fields

	f.RecordingNumber = p.recordingNumber.find(text)
	if f.RecordingNumber == "" {
		return Fields{}, lien.ErrRecordingNumberMissing
	}

	rawDate := p.recordDate.find(text)
	date, err := parseDate(rawDate, p.layout)
	if err != nil {
		return Fields{}, fmt.Errorf("recording %s: %w: %q", f.RecordingNumber, lien.ErrInvalidRecordDate, rawDate)
	}
	f.RecordDate = date

	if p.amount != nil {
		if raw := p.amount.find(text); raw != "" {
			amount, err := ParseAmount(raw)
			if err != nil {
				f.Warnings = append(f.Warnings, "amount")
			} else {
				f.Amount = decimal.NullDecimal{Decimal: amount, Valid: true}
			}
		} else {
			f.Warnings = append(f.Warnings, "amount")
		}
	}

	f.DebtorName = p.party(&f, "debtor_name", p.debtorName, text)
	f.DebtorAddress = p.party(&f, "debtor_address", p.debtorAddress, text)
	f.CreditorName = p.party(&f, "creditor_name", p.creditorName, text)
	f.CreditorAddress = p.party(&f, "creditor_address", p.creditorAddress, text)
	return f, nil
}

func (p *Parser) party(f *Fields, name string, cp *compiledPattern, text string) string {
	if v := cp.find(text); v != "" {
		return v
	}
	f.Warnings = append(f.Warnings, name)
	return lien.UnextractedSentinel
}

func (cp *compiledPattern) find(text string) string {
	if cp == nil {
		return ""
	}
	m := cp.re.FindStringSubmatch(text)
	if m == nil || cp.group >= len(m) {
		return ""
	}
	return normalizeSpace(m[cp.group])
}

var (
	spaceRun      = regexp.MustCompile(`\s+`)
	nonAmountRune = regexp.MustCompile(`[^0-9.\-]`)
)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// ParseAmount converts a currency string such as "$12,345.67" or "(1,000.00)" into a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	s = nonAmountRune.ReplaceAllString(s, "")
	if s == "" || s == "-" || s == "." {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: no digits", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func parseDate(raw, layout string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	t, err := time.ParseInLocation(layout, raw, time.UTC)
	if err == nil {
		return t, nil
	}
	// Many sites append a time of day to the recording date.
	if first, _, ok := strings.Cut(raw, " "); ok {
		if t, err2 := time.ParseInLocation(layout, first, time.UTC); err2 == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date: %w", err)
}
