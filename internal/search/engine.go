package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/logging"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
	"github.com/JakeFAU/lien-crawler/internal/retry"
)

var tracer = otel.Tracer("github.com/JakeFAU/lien-crawler/internal/search")

// Pacer is the subset of the pacer the engine needs.
type Pacer interface {
	Acquire(ctx context.Context, jurisdictionID string) error
	AcquirePage(ctx context.Context, jurisdictionID string) error
}

// Engine runs searches against jurisdiction sites through mode-specific drivers.
type Engine struct {
	drivers map[lien.SearchMode]Driver
	pacer   Pacer
	retry   *retry.Policy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithDriver registers the driver used for a search mode.
func WithDriver(mode lien.SearchMode, driver Driver) Option {
	return func(e *Engine) { e.drivers[mode] = driver }
}

// WithRetryPolicy sets the policy for transient network errors.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithSleep swaps the wait primitive.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an Engine that paces every network step through pacer.
func NewEngine(pacer Pacer, opts ...Option) *Engine {
	e := &Engine{
		drivers: make(map[lien.SearchMode]Driver),
		pacer:   pacer,
		retry:   retry.NewPolicy(3, 500*time.Millisecond, 8*time.Second),
		sleep:   sleepContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Search yields the raw rows of every results page. The sequence ends cleanly when the
// site reports no results, pagination runs out, or the page budget is spent. A non-nil
// error is always the final element.
func (e *Engine) Search(
	ctx context.Context,
	profile lien.Profile,
	dates lien.DateRange,
	documentType string,
) iter.Seq2[lien.RawRow, error] {
	return func(yield func(lien.RawRow, error) bool) {
		for page, err := range e.Pages(ctx, profile, dates, documentType) {
			if err != nil {
				yield(lien.RawRow{}, err)
				return
			}
			for _, row := range page.Rows {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}

// Pages yields results pages lazily: the next page is requested only after the consumer
// accepts the current one, so a consumer that stops early costs no further requests.
func (e *Engine) Pages(
	ctx context.Context,
	profile lien.Profile,
	dates lien.DateRange,
	documentType string,
) iter.Seq2[lien.ResultPage, error] {
	return func(yield func(lien.ResultPage, error) bool) {
		logger := logging.ForJurisdiction(e.logger, profile.ID)
		driver, ok := e.drivers[profile.Search.Mode]
		if !ok {
			yield(lien.ResultPage{}, fmt.Errorf("no driver for search mode %q", profile.Search.Mode))
			return
		}

		session, err := driver.Open(ctx, profile)
		if err != nil {
			yield(lien.ResultPage{}, fmt.Errorf("open search session: %w", err))
			return
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.Warn("close search session", zap.Error(err))
			}
		}()

		var pageNo int
		for _, input := range submissions(profile, dates, documentType) {
			more, err := e.runSubmission(ctx, session, profile, input, &pageNo, yield)
			if errors.Is(err, lien.ErrBudgetExhausted) {
				logger.Info("page budget reached", zap.Int("pages", pageNo))
				return
			}
			if err != nil {
				yield(lien.ResultPage{}, err)
				return
			}
			if !more {
				return
			}
		}
	}
}

// runSubmission submits the form once and walks its result pages. It reports false when
// the consumer stopped.
func (e *Engine) runSubmission(
	ctx context.Context,
	session Session,
	profile lien.Profile,
	input FormInput,
	pageNo *int,
	yield func(lien.ResultPage, error) bool,
) (bool, error) {
	id := profile.ID
	acquire := func(ctx context.Context) error { return e.pacer.Acquire(ctx, id) }
	acquirePage := func(ctx context.Context) error { return e.pacer.AcquirePage(ctx, id) }

	if err := e.step(ctx, profile, "load search form", acquire, session.LoadForm); err != nil {
		return false, err
	}
	err := e.step(ctx, profile, "submit search", acquirePage, func(ctx context.Context) error {
		return session.Submit(ctx, input)
	})
	if err != nil {
		return false, err
	}
	if err := e.sleep(ctx, profile.Pacing.AfterSubmitWait()); err != nil {
		return false, fmt.Errorf("after submit wait: %w", err)
	}

	for first := true; ; first = false {
		*pageNo++
		page, err := e.readCurrent(ctx, session, profile, *pageNo)
		if err != nil {
			return false, err
		}
		if page.noResults {
			metrics.ObserveSearchPage(id, "no_results")
			return true, nil
		}
		if len(page.rows) == 0 {
			if first && profile.Search.NoResultsPattern != "" {
				// The site answered but neither the rows nor the no-results marker are there.
				return false, &lien.SelectorError{Selector: profile.Search.ResultRowSelector, URL: page.url}
			}
			metrics.ObserveSearchPage(id, "empty")
			return true, nil
		}
		metrics.ObserveSearchPage(id, "ok")
		if !yield(lien.ResultPage{Number: *pageNo, URL: page.url, Rows: page.rows}, nil) {
			return false, nil
		}
		if profile.Search.NextPageSelector == "" {
			return true, nil
		}

		var advanced bool
		err = e.step(ctx, profile, "next page", acquirePage, func(ctx context.Context) error {
			var err error
			advanced, err = session.Next(ctx)
			return err
		})
		if err != nil {
			return false, err
		}
		if !advanced {
			return true, nil
		}
		if err := e.sleep(ctx, profile.Pacing.PageLoadWait()); err != nil {
			return false, fmt.Errorf("page load wait: %w", err)
		}
	}
}

type currentPage struct {
	pageContent
	url string
}

func (e *Engine) readCurrent(ctx context.Context, session Session, profile lien.Profile, number int) (currentPage, error) {
	ctx, span := tracer.Start(ctx, "search.page")
	defer span.End()
	span.SetAttributes(attribute.String("jurisdiction", profile.ID), attribute.Int("page", number))

	page, err := session.Page(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return currentPage{}, fmt.Errorf("read results page %d: %w", number, err)
	}
	content, err := readPage(profile, page, number)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return currentPage{}, err
	}
	span.SetAttributes(attribute.Int("rows", len(content.rows)))
	return currentPage{pageContent: content, url: page.URL}, nil
}

// step runs one network-incurring session call. The first attempt is paced by pace and
// retries by a plain Acquire. A timeout is retried once after the page load wait; transient
// network errors follow the retry policy; selector errors are returned immediately.
func (e *Engine) step(
	ctx context.Context,
	profile lien.Profile,
	name string,
	pace func(context.Context) error,
	fn func(context.Context) error,
) error {
	timeoutRetried := false
	for attempt := 1; ; attempt++ {
		var err error
		if attempt == 1 {
			err = pace(ctx)
		} else {
			err = e.pacer.Acquire(ctx, profile.ID)
		}
		if err != nil {
			return err
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}

		var wait time.Duration
		switch {
		case errors.Is(err, lien.ErrSelectorNotFound):
			return fmt.Errorf("%s: %w", name, err)
		case isTimeout(err):
			if timeoutRetried {
				return fmt.Errorf("%s: %w", name, err)
			}
			timeoutRetried = true
			wait = profile.Pacing.PageLoadWait()
		case e.retry.ShouldRetry(err, attempt):
			wait = e.retry.Backoff(attempt)
		default:
			return fmt.Errorf("%s: %w", name, err)
		}

		e.logger.Warn("search step failed, retrying",
			zap.String("jurisdiction", profile.ID),
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrPageTimeout) || retry.IsTimeout(err)
}

// submissions expands the date range into form submissions. Single-date forms get one
// submission per day.
func submissions(profile lien.Profile, dates lien.DateRange, documentType string) []FormInput {
	if documentType == "" {
		documentType = profile.DocumentTypeCode
	}
	if !profile.Search.SingleDate() {
		if dates.To.Before(dates.From) {
			return nil
		}
		return []FormInput{{
			From:         profile.FormatDate(dates.From),
			To:           profile.FormatDate(dates.To),
			DocumentType: documentType,
		}}
	}
	days := dates.Days()
	inputs := make([]FormInput, 0, len(days))
	for _, day := range days {
		date := profile.FormatDate(day)
		inputs = append(inputs, FormInput{From: date, To: date, DocumentType: documentType})
	}
	return inputs
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
