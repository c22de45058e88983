// Package document retrieves source PDFs through an ordered chain of fetch strategies
// and persists them as document blobs.
package document

import (
	"bytes"
	"context"
	"errors"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// ErrNotPDF reports a payload that does not start with the PDF signature.
var ErrNotPDF = errors.New("payload is not a pdf")

// errSkipped reports a strategy that cannot apply to the request.
var errSkipped = errors.New("strategy not applicable")

var pdfSignature = []byte("%PDF")

// Request describes one document to fetch.
type Request struct {
	Profile         lien.Profile
	RecordingNumber string
	PDFURL          string
	DetailURL       string
}

// Strategy is one way of obtaining the PDF bytes.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// IsPDF reports whether data starts with the PDF file signature.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfSignature)
}
