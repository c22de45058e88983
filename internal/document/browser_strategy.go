package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserConfig controls the browser-capture strategy.
type BrowserConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	MaxParallel       int
	Allocator         context.Context
}

// BrowserCaptureStrategy navigates headless Chrome to the PDF URL and lifts the response
// bytes out of the browser's network layer. It serves sites that refuse non-browser clients.
type BrowserCaptureStrategy struct {
	cfg     BrowserConfig
	limiter chan struct{}
}

// NewBrowserCaptureStrategy builds the strategy. The allocator is owned by the caller.
func NewBrowserCaptureStrategy(cfg BrowserConfig) (*BrowserCaptureStrategy, error) {
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("browser capture requires a chromedp allocator")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &BrowserCaptureStrategy{cfg: cfg, limiter: limiter}, nil
}

// Name implements Strategy.
func (*BrowserCaptureStrategy) Name() string { return "browser" }

// Fetch implements Strategy.
func (s *BrowserCaptureStrategy) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	tabCtx, cancelTab := chromedp.NewContext(s.cfg.Allocator)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	capture := newPDFCapture(req.PDFURL)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		capture.observe(tabCtx, ev)
	})

	navErr := chromedp.Run(tabCtx,
		s.setup(),
		chromedp.Navigate(req.PDFURL),
	)

	// A PDF navigation often ends as a download, which chromedp reports as an aborted
	// navigation even though the bytes arrived.
	wait := req.Profile.Pacing.DocumentLoadWait()
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case res := <-capture.done:
		if res.err != nil {
			return nil, fmt.Errorf("capture pdf response: %w", res.err)
		}
		return res.body, nil
	case <-tabCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("browser capture canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("browser capture timed out: %w", tabCtx.Err())
	case <-timer.C:
		if navErr != nil {
			return nil, fmt.Errorf("navigate to pdf: %w", navErr)
		}
		return nil, fmt.Errorf("no pdf response captured from %s", req.PDFURL)
	}
}

func (s *BrowserCaptureStrategy) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *BrowserCaptureStrategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *BrowserCaptureStrategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

type captureResult struct {
	body []byte
	err  error
}

// pdfCapture follows network events for the tab and resolves once the PDF response body
// has been fully received.
type pdfCapture struct {
	target string

	mu        sync.Mutex
	requestID network.RequestID
	once      sync.Once
	done      chan captureResult
}

func newPDFCapture(target string) *pdfCapture {
	return &pdfCapture{target: target, done: make(chan captureResult, 1)}
}

func (c *pdfCapture) observe(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		isPDF := strings.Contains(strings.ToLower(e.Response.MimeType), "pdf")
		if !isPDF && e.Response.URL != c.target && e.Type != network.ResourceTypeDocument {
			return
		}
		c.mu.Lock()
		if c.requestID == "" || isPDF {
			c.requestID = e.RequestID
		}
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		if !c.matches(e.RequestID) {
			return
		}
		id := e.RequestID
		// Event handlers must not block; the body is read on its own goroutine.
		go func() {
			executor := chromedp.FromContext(ctx)
			if executor == nil || executor.Target == nil {
				c.finish(nil, fmt.Errorf("tab closed before body was read"))
				return
			}
			body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(ctx, executor.Target))
			c.finish(body, err)
		}()
	case *network.EventLoadingFailed:
		if c.matches(e.RequestID) {
			c.finish(nil, fmt.Errorf("loading failed: %s", e.ErrorText))
		}
	}
}

func (c *pdfCapture) matches(id network.RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID != "" && c.requestID == id
}

func (c *pdfCapture) finish(body []byte, err error) {
	c.once.Do(func() {
		c.done <- captureResult{body: body, err: err}
	})
}
