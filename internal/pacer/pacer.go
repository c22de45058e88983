// Package pacer enforces per-jurisdiction request cadence and per-run page ceilings.
package pacer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
)

const window = time.Minute

// SleepFunc blocks for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pacer tracks cadence state keyed by jurisdiction id. All counters are guarded by one mutex;
// waiting happens outside it so callers for different jurisdictions never block each other.
type Pacer struct {
	mu     sync.Mutex
	states map[string]*state
	clock  lien.Clock
	sleep  SleepFunc
	logger *zap.Logger
}

type state struct {
	pacing  lien.Pacing
	spacing *rate.Limiter
	// stamps holds request times inside the trailing one-minute window, oldest first.
	stamps []time.Time
	pages  int
}

// Option customizes a Pacer.
type Option func(*Pacer)

// WithClock swaps the time source.
func WithClock(c lien.Clock) Option {
	return func(p *Pacer) { p.clock = c }
}

// WithSleep swaps the blocking primitive.
func WithSleep(fn SleepFunc) Option {
	return func(p *Pacer) { p.sleep = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pacer) { p.logger = logger }
}

// New builds an empty Pacer.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		states: make(map[string]*state),
		clock:  systemClock{},
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Register installs or replaces the pacing parameters for a jurisdiction. The page counter
// and request window survive re-registration.
func (p *Pacer) Register(jurisdictionID string, pacing lien.Pacing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[jurisdictionID]
	if !ok {
		st = &state{}
		p.states[jurisdictionID] = st
	}
	st.pacing = pacing
	st.spacing = rate.NewLimiter(spacingLimit(pacing.BetweenRequests()), 1)
}

// BeginRun zeroes every page counter.
func (p *Pacer) BeginRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.states {
		st.pages = 0
	}
}

// Pages returns the number of pages acquired for a jurisdiction in the current run.
func (p *Pacer) Pages(jurisdictionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[jurisdictionID]; ok {
		return st.pages
	}
	return 0
}

// AcquirePage charges one results page against the run budget and then waits like Acquire.
// Once MaxPagesPerRun pages were granted it returns lien.ErrBudgetExhausted immediately.
func (p *Pacer) AcquirePage(ctx context.Context, jurisdictionID string) error {
	p.mu.Lock()
	st, ok := p.states[jurisdictionID]
	if !ok {
		p.mu.Unlock()
		return unregistered(jurisdictionID)
	}
	if st.pages >= st.pacing.MaxPagesPerRun {
		p.mu.Unlock()
		return fmt.Errorf("jurisdiction %q: %w", jurisdictionID, lien.ErrBudgetExhausted)
	}
	st.pages++
	p.mu.Unlock()

	return p.Acquire(ctx, jurisdictionID)
}

// Acquire blocks until the jurisdiction's rate budget permits another request.
func (p *Pacer) Acquire(ctx context.Context, jurisdictionID string) error {
	start := p.clock.Now()
	waited := false
	for {
		wait, err := p.reserve(jurisdictionID)
		if err != nil {
			return err
		}
		if wait <= 0 {
			if waited {
				metrics.ObservePacerWait(jurisdictionID, p.clock.Now().Sub(start))
			}
			return nil
		}
		waited = true
		p.logger.Debug("pacer waiting",
			zap.String("jurisdiction", jurisdictionID),
			zap.Duration("wait", wait),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("pacer wait: %w", err)
		}
	}
}

// reserve records a request when both the sliding window and the spacing limiter allow it,
// otherwise it returns how long to wait before trying again.
func (p *Pacer) reserve(jurisdictionID string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[jurisdictionID]
	if !ok {
		return 0, unregistered(jurisdictionID)
	}
	now := p.clock.Now()
	st.prune(now)

	if limit := st.pacing.MaxRequestsPerMinute; limit > 0 && len(st.stamps) >= limit {
		return st.stamps[0].Add(window).Sub(now), nil
	}

	r := st.spacing.ReserveN(now, 1)
	if !r.OK() {
		return 0, fmt.Errorf("jurisdiction %q: spacing limiter rejected reservation", jurisdictionID)
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, nil
	}
	st.stamps = append(st.stamps, now)
	return 0, nil
}

func (st *state) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.stamps) && !st.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.stamps = append(st.stamps[:0], st.stamps[i:]...)
	}
}

func spacingLimit(between time.Duration) rate.Limit {
	if between <= 0 {
		return rate.Inf
	}
	return rate.Every(between)
}

func unregistered(jurisdictionID string) error {
	return fmt.Errorf("pacer: jurisdiction %q not registered", jurisdictionID)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
