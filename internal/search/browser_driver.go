package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// BrowserConfig controls the chromedp-backed driver.
type BrowserConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Allocator is the chromedp allocator context shared by all sessions.
	Allocator context.Context
}

// BrowserDriver drives search forms in headless Chrome for sites that need JavaScript.
type BrowserDriver struct {
	cfg BrowserConfig
}

// NewBrowserDriver builds a BrowserDriver. The allocator is owned by the caller.
func NewBrowserDriver(cfg BrowserConfig) (*BrowserDriver, error) {
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("browser driver requires a chromedp allocator")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &BrowserDriver{cfg: cfg}, nil
}

// NewAllocator starts a headless Chrome allocator with the flags both browser components use.
func NewAllocator(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	return chromedp.NewExecAllocator(parent, opts...)
}

// Open creates a browser tab for the session.
func (d *BrowserDriver) Open(_ context.Context, profile lien.Profile) (Session, error) {
	tabCtx, cancel := chromedp.NewContext(d.cfg.Allocator)
	return &browserSession{
		profile: profile,
		cfg:     d.cfg,
		tab:     tabCtx,
		cancel:  cancel,
	}, nil
}

type browserSession struct {
	profile lien.Profile
	cfg     BrowserConfig
	tab     context.Context
	cancel  context.CancelFunc
}

func (s *browserSession) LoadForm(ctx context.Context) error {
	return s.run(ctx, "load form",
		s.setup(),
		chromedp.Navigate(s.profile.SearchFormURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *browserSession) Submit(ctx context.Context, input FormInput) error {
	sel := s.profile.Search
	required := []string{sel.StartDateSelector, sel.SubmitSelector}
	if !sel.SingleDate() {
		required = append(required, sel.EndDateSelector)
	}
	if sel.DocumentTypeSelector != "" && input.DocumentType != "" {
		required = append(required, sel.DocumentTypeSelector)
	}
	for _, selector := range required {
		found, err := s.exists(ctx, selector)
		if err != nil {
			return err
		}
		if !found {
			return &lien.SelectorError{Selector: selector, URL: s.profile.SearchFormURL}
		}
	}

	actions := []chromedp.Action{
		chromedp.SetValue(sel.StartDateSelector, input.From, chromedp.ByQuery),
	}
	if !sel.SingleDate() {
		actions = append(actions, chromedp.SetValue(sel.EndDateSelector, input.To, chromedp.ByQuery))
	}
	if sel.DocumentTypeSelector != "" && input.DocumentType != "" {
		actions = append(actions, chromedp.SetValue(sel.DocumentTypeSelector, input.DocumentType, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Click(sel.SubmitSelector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	return s.run(ctx, "submit", actions...)
}

func (s *browserSession) Next(ctx context.Context) (bool, error) {
	selector := s.profile.Search.NextPageSelector
	var nodes []*cdp.Node
	if err := s.run(ctx, "find next", chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		return false, nil
	}
	if _, ok := nodes[0].Attribute("disabled"); ok {
		return false, nil
	}
	if nodes[0].AttributeValue("aria-disabled") == "true" {
		return false, nil
	}
	err := s.run(ctx, "next page",
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *browserSession) Page(ctx context.Context) (Page, error) {
	var (
		html     string
		location string
	)
	err := s.run(ctx, "read page",
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return Page{}, err
	}
	return Page{URL: location, HTML: []byte(html)}, nil
}

func (s *browserSession) Close() error {
	s.cancel()
	return nil
}

func (s *browserSession) exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, "find "+selector, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (s *browserSession) setup() chromedp.Action {
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

// run executes actions on the session tab under the navigation timeout, also ending
// early when ctx does.
func (s *browserSession) run(ctx context.Context, step string, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(stepCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", step, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", step, ErrPageTimeout)
	}
	return fmt.Errorf("%s: %w", step, err)
}
