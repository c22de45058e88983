// Package search drives a jurisdiction's search form and yields raw result rows.
package search

import (
	"context"
	"errors"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// ErrPageTimeout marks a page load that did not finish within the driver's deadline.
var ErrPageTimeout = errors.New("page load timed out")

// FormInput carries the already-formatted values typed into the search form.
type FormInput struct {
	From         string
	To           string
	DocumentType string
}

// Page is the current document held by a session.
type Page struct {
	URL  string
	HTML []byte
}

// Driver opens search sessions for one search mode.
type Driver interface {
	Open(ctx context.Context, profile lien.Profile) (Session, error)
}

// Session is a stateful conversation with one jurisdiction's site. Each method that
// touches the network is one request for pacing purposes.
type Session interface {
	// LoadForm navigates to the search form.
	LoadForm(ctx context.Context) error
	// Submit fills and submits the loaded form.
	Submit(ctx context.Context, input FormInput) error
	// Next follows the pagination control and reports whether a new page was loaded.
	Next(ctx context.Context) (bool, error)
	// Page returns the current document.
	Page(ctx context.Context) (Page, error)
	Close() error
}
