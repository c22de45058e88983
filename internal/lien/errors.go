package lien

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	ErrAlreadyRunning         = errors.New("a run is already in progress")
	ErrNotRunning             = errors.New("no run is in progress")
	ErrBudgetExhausted        = errors.New("page budget exhausted")
	ErrDocumentUnavailable    = errors.New("document unavailable")
	ErrSelectorNotFound       = errors.New("selector not found")
	ErrNotFound               = errors.New("record not found")
	ErrInvalidProfile         = errors.New("invalid jurisdiction profile")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrRecordingNumberMissing = errors.New("recording number missing")
	ErrInvalidRecordDate      = errors.New("invalid record date")
)

// ProfileError describes a misconfigured profile field.
type ProfileError struct {
	ProfileID string
	Field     string
	Reason    string
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("profile %q: %s: %s", e.ProfileID, e.Field, e.Reason)
}

// Unwrap lets callers match ErrInvalidProfile.
func (e *ProfileError) Unwrap() error {
	return ErrInvalidProfile
}

// SelectorError reports a profile selector that matched nothing on the live page.
type SelectorError struct {
	Selector string
	URL      string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("selector %q not found on %s", e.Selector, e.URL)
}

// Unwrap lets callers match ErrSelectorNotFound.
func (e *SelectorError) Unwrap() error {
	return ErrSelectorNotFound
}
