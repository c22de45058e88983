package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/lien-crawler/internal/document")

// Pacer spaces document requests per jurisdiction.
type Pacer interface {
	Acquire(ctx context.Context, jurisdictionID string) error
}

// Retriever walks its strategies in order until one yields a valid PDF.
type Retriever struct {
	strategies []Strategy
	pacer      Pacer
	blobs      lien.BlobStore
	docs       lien.DocumentStore
	hasher     lien.Hasher
	ids        lien.IDGenerator
	clock      lien.Clock
	prefix     string
	logger     *zap.Logger
}

// Config wires a Retriever.
type Config struct {
	Strategies []Strategy
	Pacer      Pacer
	Blobs      lien.BlobStore
	Documents  lien.DocumentStore
	Hasher     lien.Hasher
	IDs        lien.IDGenerator
	Clock      lien.Clock
	// Prefix is the blob path prefix documents are written under.
	Prefix string
	Logger *zap.Logger
}

// NewRetriever validates cfg and builds a Retriever.
func NewRetriever(cfg Config) (*Retriever, error) {
	switch {
	case len(cfg.Strategies) == 0:
		return nil, fmt.Errorf("at least one strategy is required")
	case cfg.Pacer == nil:
		return nil, fmt.Errorf("pacer is required")
	case cfg.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case cfg.Documents == nil:
		return nil, fmt.Errorf("document store is required")
	case cfg.Hasher == nil || cfg.IDs == nil || cfg.Clock == nil:
		return nil, fmt.Errorf("hasher, id generator and clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		strategies: cfg.Strategies,
		pacer:      cfg.Pacer,
		blobs:      cfg.Blobs,
		docs:       cfg.Documents,
		hasher:     cfg.Hasher,
		ids:        cfg.IDs,
		clock:      cfg.Clock,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		logger:     logger,
	}, nil
}

// FetchOption adjusts a single fetch.
type FetchOption func(*Request)

// WithDetailURL supplies the detail page URL found in the search results, overriding
// the profile template.
func WithDetailURL(u string) FetchOption {
	return func(r *Request) {
		if u != "" {
			r.DetailURL = u
		}
	}
}

// FetchDocument retrieves and stores the PDF for recordingNumber. It fails with
// lien.ErrDocumentUnavailable when every strategy fails; storage failures are returned as-is.
// Fetching a recording whose identical bytes were stored before returns the stored document.
func (r *Retriever) FetchDocument(
	ctx context.Context,
	recordingNumber string,
	profile lien.Profile,
	opts ...FetchOption,
) (lien.Document, error) {
	ctx, span := tracer.Start(ctx, "document.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("jurisdiction", profile.ID),
		attribute.String("recording_number", recordingNumber),
	)

	req := Request{
		Profile:         profile,
		RecordingNumber: recordingNumber,
		PDFURL:          profile.PDFURL(recordingNumber),
		DetailURL:       profile.DetailURL(recordingNumber),
	}
	for _, opt := range opts {
		opt(&req)
	}
	logger := r.logger.With(
		zap.String("jurisdiction", profile.ID),
		zap.String("recording_number", recordingNumber),
	)

	var failures []error
	for _, strategy := range r.strategies {
		if err := r.pacer.Acquire(ctx, profile.ID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return lien.Document{}, fmt.Errorf("pace document fetch: %w", err)
		}
		data, err := strategy.Fetch(ctx, req)
		if err == nil && !IsPDF(data) {
			err = fmt.Errorf("%s returned %d bytes: %w", req.PDFURL, len(data), ErrNotPDF)
		}
		if err != nil {
			if ctx.Err() != nil {
				return lien.Document{}, fmt.Errorf("fetch document: %w", ctx.Err())
			}
			outcome := "error"
			switch {
			case errors.Is(err, errSkipped):
				outcome = "skipped"
			case errors.Is(err, ErrNotPDF):
				outcome = "not_pdf"
			}
			metrics.ObserveDocumentFetch(profile.ID, strategy.Name(), outcome, 0)
			logger.Debug("document strategy failed", zap.String("strategy", strategy.Name()), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", strategy.Name(), err))
			continue
		}

		doc, err := r.store(ctx, req, strategy.Name(), data)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return lien.Document{}, err
		}
		metrics.ObserveDocumentFetch(profile.ID, strategy.Name(), "success", len(data))
		span.SetAttributes(attribute.String("strategy", strategy.Name()), attribute.Int("bytes", len(data)))
		return doc, nil
	}

	span.SetStatus(codes.Error, "all strategies failed")
	return lien.Document{}, fmt.Errorf("recording %s: %w: %w",
		recordingNumber, lien.ErrDocumentUnavailable, errors.Join(failures...))
}

func (r *Retriever) store(ctx context.Context, req Request, strategy string, data []byte) (lien.Document, error) {
	jurisdiction := req.Profile.ID
	sum, err := r.hasher.Hash(data)
	if err != nil {
		return lien.Document{}, fmt.Errorf("hash document: %w", err)
	}

	existing, err := r.docs.FindDocument(ctx, jurisdiction, req.RecordingNumber, sum)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, lien.ErrNotFound):
		return lien.Document{}, fmt.Errorf("find document: %w", err)
	}

	objectPath := path.Join(r.prefix, safeSegment(jurisdiction), safeSegment(req.RecordingNumber), sum+".pdf")
	uri, err := r.blobs.PutObject(ctx, objectPath, "application/pdf", bytes.NewReader(data))
	if err != nil {
		return lien.Document{}, fmt.Errorf("store document blob: %w", err)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return lien.Document{}, fmt.Errorf("document id: %w", err)
	}

	doc := lien.Document{
		ID:              id,
		JurisdictionID:  jurisdiction,
		RecordingNumber: req.RecordingNumber,
		Filename:        safeSegment(req.RecordingNumber) + ".pdf",
		SizeBytes:       int64(len(data)),
		SHA256:          sum,
		PageCount:       r.pageCount(data),
		BlobURI:         uri,
		SourceURL:       req.PDFURL,
		Strategy:        strategy,
		CreatedAt:       r.clock.Now(),
		Content:         data,
	}
	if err := r.docs.CreateDocument(ctx, doc); err != nil {
		return lien.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// pageCount reads the page count with pdfcpu; damaged files that still carry the
// signature are kept with a zero count.
func (r *Retriever) pageCount(data []byte) int {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		r.logger.Debug("pdf page count unavailable", zap.Error(err))
		return 0
	}
	return n
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")

func safeSegment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}
