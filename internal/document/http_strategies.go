package document

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/lien-crawler/internal/retry"
)

// HTTPConfig controls the colly-backed strategies.
type HTTPConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	Transport   http.RoundTripper
}

func (cfg HTTPConfig) collector() *colly.Collector {
	c := colly.NewCollector(colly.AllowURLRevisit())
	if cfg.Transport != nil {
		c.WithTransport(cfg.Transport)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c.SetRequestTimeout(timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return c
}

// DirectStrategy GETs the PDF URL with a browser user agent and no prior session.
type DirectStrategy struct {
	cfg HTTPConfig
}

// NewDirectStrategy builds a DirectStrategy.
func NewDirectStrategy(cfg HTTPConfig) *DirectStrategy {
	return &DirectStrategy{cfg: cfg}
}

// Name implements Strategy.
func (*DirectStrategy) Name() string { return "direct" }

// Fetch implements Strategy.
func (s *DirectStrategy) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return get(ctx, s.cfg.collector(), req.PDFURL, "")
}

// SessionStrategy first visits the recording's detail page so the site issues its session
// cookies, then GETs the PDF with those cookies and the detail page as referer.
type SessionStrategy struct {
	cfg HTTPConfig
}

// NewSessionStrategy builds a SessionStrategy.
func NewSessionStrategy(cfg HTTPConfig) *SessionStrategy {
	return &SessionStrategy{cfg: cfg}
}

// Name implements Strategy.
func (*SessionStrategy) Name() string { return "session" }

// Fetch implements Strategy.
func (s *SessionStrategy) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if req.DetailURL == "" {
		return nil, fmt.Errorf("no detail url: %w", errSkipped)
	}
	// Clones share the cookie jar of the collector they were cloned from.
	c := s.cfg.collector()
	if _, err := get(ctx, c.Clone(), req.DetailURL, ""); err != nil {
		return nil, fmt.Errorf("open detail page: %w", err)
	}
	return get(ctx, c.Clone(), req.PDFURL, req.DetailURL)
}

func get(ctx context.Context, c *colly.Collector, target, referer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch canceled: %w", err)
	}
	var (
		body     []byte
		fetchErr error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/pdf,text/html;q=0.9,*/*;q=0.8")
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			fetchErr = &retry.StatusError{Code: r.StatusCode, URL: target}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("GET %s: %w", target, fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", target, err)
		}
		return body, nil
	}
}
