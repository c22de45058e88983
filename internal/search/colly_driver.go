package search

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/retry"
)

// HTTPConfig controls the colly-backed form driver.
type HTTPConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Transport overrides the pooled default transport.
	Transport http.RoundTripper
}

// HTTPDriver submits search forms with plain HTTP requests, carrying hidden inputs and cookies
// the way a browser would.
type HTTPDriver struct {
	cfg HTTPConfig
}

// NewHTTPDriver builds an HTTPDriver.
func NewHTTPDriver(cfg HTTPConfig) *HTTPDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport()
	}
	return &HTTPDriver{cfg: cfg}
}

// Open starts a session with its own cookie jar.
func (d *HTTPDriver) Open(_ context.Context, profile lien.Profile) (Session, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.WithTransport(d.cfg.Transport)
	c.SetRequestTimeout(d.cfg.Timeout)
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}
	if d.cfg.MaxBodySize > 0 {
		c.MaxBodySize = d.cfg.MaxBodySize
	}
	return &httpSession{profile: profile, base: c}, nil
}

type httpSession struct {
	profile lien.Profile
	base    *colly.Collector
	current Page
	form    *formState
}

func (s *httpSession) LoadForm(ctx context.Context) error {
	page, err := s.fetch(ctx, http.MethodGet, s.profile.SearchFormURL, nil)
	if err != nil {
		return err
	}
	s.current = page
	form, err := locateForm(s.profile, page)
	if err != nil {
		return err
	}
	s.form = form
	return nil
}

func (s *httpSession) Submit(ctx context.Context, input FormInput) error {
	if s.form == nil {
		return fmt.Errorf("submit before form was loaded")
	}
	values := cloneValues(s.form.values)
	values.Set(s.form.startName, input.From)
	if s.form.endName != "" {
		values.Set(s.form.endName, input.To)
	}
	if s.form.docTypeName != "" && input.DocumentType != "" {
		values.Set(s.form.docTypeName, input.DocumentType)
	}
	if s.form.submitName != "" {
		values.Set(s.form.submitName, s.form.submitValue)
	}
	page, err := s.fetch(ctx, s.form.method, s.form.action, values)
	if err != nil {
		return err
	}
	s.current = page
	return nil
}

var postBackCall = regexp.MustCompile(`__doPostBack\(\s*'([^']*)'\s*,\s*'([^']*)'\s*\)`)

func (s *httpSession) Next(ctx context.Context) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(s.current.HTML))
	if err != nil {
		return false, fmt.Errorf("parse results html: %w", err)
	}
	next := doc.Find(s.profile.Search.NextPageSelector).First()
	if next.Length() == 0 || disabled(next) {
		return false, nil
	}
	base, _ := url.Parse(s.current.URL)

	href := strings.TrimSpace(next.AttrOr("href", ""))
	if m := postBackCall.FindStringSubmatch(href + next.AttrOr("onclick", "")); m != nil {
		form := harvestForm(enclosingForm(doc, next), base)
		form.values.Set("__EVENTTARGET", m[1])
		form.values.Set("__EVENTARGUMENT", m[2])
		return s.advance(ctx, form.method, form.action, form.values)
	}
	if href != "" && href != "#" && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return s.advance(ctx, http.MethodGet, resolve(base, href), nil)
	}
	if name, ok := next.Attr("name"); ok {
		form := harvestForm(enclosingForm(doc, next), base)
		form.values.Set(name, next.AttrOr("value", ""))
		return s.advance(ctx, form.method, form.action, form.values)
	}
	return false, nil
}

func (s *httpSession) advance(ctx context.Context, method, target string, values url.Values) (bool, error) {
	page, err := s.fetch(ctx, method, target, values)
	if err != nil {
		return false, err
	}
	s.current = page
	return true, nil
}

func (s *httpSession) Page(context.Context) (Page, error) {
	if s.current.HTML == nil {
		return Page{}, fmt.Errorf("no page loaded")
	}
	return s.current, nil
}

func (s *httpSession) Close() error {
	s.form = nil
	s.current = Page{}
	return nil
}

// fetch performs one request on a clone of the session collector. Clones share the
// session's HTTP backend and cookie jar.
func (s *httpSession) fetch(ctx context.Context, method, target string, values url.Values) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, fmt.Errorf("search request canceled: %w", err)
	}
	collector := s.base.Clone()
	var (
		page     Page
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		page = Page{URL: r.Request.URL.String(), HTML: append([]byte(nil), r.Body...)}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			fetchErr = &retry.StatusError{Code: r.StatusCode, URL: target}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		switch {
		case method == http.MethodPost:
			done <- collector.Post(target, flatten(values))
		case len(values) > 0:
			done <- collector.Visit(withQuery(target, values))
		default:
			done <- collector.Visit(target)
		}
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("search request canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fmt.Errorf("%s %s: %w", method, target, fetchErr)
		}
		if err != nil {
			return Page{}, fmt.Errorf("%s %s: %w", method, target, err)
		}
		if page.HTML == nil {
			return Page{}, fmt.Errorf("%s %s: empty response", method, target)
		}
		return page, nil
	}
}

// formState is a harvested HTML form plus the field names behind the profile's selectors.
type formState struct {
	action      string
	method      string
	values      url.Values
	startName   string
	endName     string
	docTypeName string
	submitName  string
	submitValue string
}

func locateForm(profile lien.Profile, page Page) (*formState, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse search form html: %w", err)
	}
	base, _ := url.Parse(page.URL)
	sel := profile.Search

	var form *goquery.Selection
	if sel.FormSelector != "" {
		form = doc.Find(sel.FormSelector).First()
		if form.Length() == 0 {
			return nil, &lien.SelectorError{Selector: sel.FormSelector, URL: page.URL}
		}
	} else {
		start := doc.Find(sel.StartDateSelector).First()
		if start.Length() == 0 {
			return nil, &lien.SelectorError{Selector: sel.StartDateSelector, URL: page.URL}
		}
		form = enclosingForm(doc, start)
	}

	state := harvestForm(form, base)
	fieldName := func(selector string) (string, error) {
		field := doc.Find(selector).First()
		if field.Length() == 0 {
			return "", &lien.SelectorError{Selector: selector, URL: page.URL}
		}
		if name := field.AttrOr("name", ""); name != "" {
			return name, nil
		}
		if id := field.AttrOr("id", ""); id != "" {
			return id, nil
		}
		return "", &lien.SelectorError{Selector: selector + " (no name attribute)", URL: page.URL}
	}

	if state.startName, err = fieldName(sel.StartDateSelector); err != nil {
		return nil, err
	}
	if !sel.SingleDate() {
		if state.endName, err = fieldName(sel.EndDateSelector); err != nil {
			return nil, err
		}
	}
	if sel.DocumentTypeSelector != "" {
		if state.docTypeName, err = fieldName(sel.DocumentTypeSelector); err != nil {
			return nil, err
		}
	}
	if sel.SubmitSelector != "" {
		submit := doc.Find(sel.SubmitSelector).First()
		if submit.Length() == 0 {
			return nil, &lien.SelectorError{Selector: sel.SubmitSelector, URL: page.URL}
		}
		state.submitName = submit.AttrOr("name", "")
		state.submitValue = submit.AttrOr("value", "")
	}
	return state, nil
}

// enclosingForm returns the form around sel, or the whole document when there is none.
func enclosingForm(doc *goquery.Document, sel *goquery.Selection) *goquery.Selection {
	if form := sel.Closest("form"); form.Length() > 0 {
		return form
	}
	if form := doc.Find("form").First(); form.Length() > 0 {
		return form
	}
	return doc.Selection
}

// harvestForm collects the values a browser would submit for form without any clicks.
func harvestForm(form *goquery.Selection, base *url.URL) *formState {
	state := &formState{values: url.Values{}, method: http.MethodPost}
	if base != nil {
		state.action = base.String()
	}
	if goquery.NodeName(form) == "form" {
		if action := strings.TrimSpace(form.AttrOr("action", "")); action != "" {
			state.action = resolve(base, action)
		}
		if strings.EqualFold(form.AttrOr("method", ""), http.MethodGet) {
			state.method = http.MethodGet
		}
	}

	form.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		name := in.AttrOr("name", "")
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked {
				return
			}
			state.values.Add(name, in.AttrOr("value", "on"))
		default:
			state.values.Add(name, in.AttrOr("value", ""))
		}
	})
	form.Find("select[name]").Each(func(_ int, sel *goquery.Selection) {
		option := sel.Find("option[selected]").First()
		if option.Length() == 0 {
			option = sel.Find("option").First()
		}
		if option.Length() == 0 {
			return
		}
		value, ok := option.Attr("value")
		if !ok {
			value = collapse(option.Text())
		}
		state.values.Add(sel.AttrOr("name", ""), value)
	})
	form.Find("textarea[name]").Each(func(_ int, ta *goquery.Selection) {
		state.values.Add(ta.AttrOr("name", ""), ta.Text())
	})
	return state
}

func disabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(sel.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	return sel.HasClass("disabled") || sel.HasClass("aspNetDisabled")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func flatten(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}

func withQuery(target string, values url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vals := range values {
		q[k] = vals
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewTransport returns the pooled transport shared by search and document fetches.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
