package pacer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// fakeClock advances only when the pacer sleeps, so blocking shows up as elapsed fake time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newFakePacer() (*Pacer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return New(WithClock(clock), WithSleep(clock.sleep)), clock
}

func TestAcquireBlocksPastPerMinuteBudget(t *testing.T) {
	t.Parallel()

	p, clock := newFakePacer()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 5, MaxPagesPerRun: 10})
	start := clock.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Acquire(context.Background(), "pima"))
	}
	require.Equal(t, start, clock.Now(), "first five requests fit the window")

	require.NoError(t, p.Acquire(context.Background(), "pima"))
	require.GreaterOrEqual(t, clock.Now().Sub(start), time.Minute, "sixth request waits for the window")
}

func TestAcquireSpacing(t *testing.T) {
	t.Parallel()

	p, clock := newFakePacer()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 100, MaxPagesPerRun: 10, BetweenRequestsMs: 500})
	start := clock.Now()

	require.NoError(t, p.Acquire(context.Background(), "pima"))
	require.NoError(t, p.Acquire(context.Background(), "pima"))
	require.NoError(t, p.Acquire(context.Background(), "pima"))
	require.GreaterOrEqual(t, clock.Now().Sub(start), time.Second)
}

func TestJurisdictionsAreIndependent(t *testing.T) {
	t.Parallel()

	p, clock := newFakePacer()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 1, MaxPagesPerRun: 1})
	p.Register("cook", lien.Pacing{MaxRequestsPerMinute: 1, MaxPagesPerRun: 1})
	start := clock.Now()

	require.NoError(t, p.AcquirePage(context.Background(), "pima"))
	require.NoError(t, p.AcquirePage(context.Background(), "cook"))
	require.Equal(t, start, clock.Now())
	require.Equal(t, 1, p.Pages("pima"))
	require.Equal(t, 1, p.Pages("cook"))
}

func TestAcquirePageBudget(t *testing.T) {
	t.Parallel()

	p, _ := newFakePacer()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 60, MaxPagesPerRun: 2})

	require.NoError(t, p.AcquirePage(context.Background(), "pima"))
	require.NoError(t, p.AcquirePage(context.Background(), "pima"))
	require.ErrorIs(t, p.AcquirePage(context.Background(), "pima"), lien.ErrBudgetExhausted)

	// Non-page requests are still paced, not refused.
	require.NoError(t, p.Acquire(context.Background(), "pima"))

	p.BeginRun()
	require.NoError(t, p.AcquirePage(context.Background(), "pima"))
}

func TestAcquireUnregistered(t *testing.T) {
	t.Parallel()

	p, _ := newFakePacer()
	require.Error(t, p.Acquire(context.Background(), "nowhere"))
	require.Error(t, p.AcquirePage(context.Background(), "nowhere"))
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	p := New()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 1, MaxPagesPerRun: 5})
	require.NoError(t, p.Acquire(context.Background(), "pima"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Acquire(ctx, "pima"), context.DeadlineExceeded)
}

func TestConcurrentAcquire(t *testing.T) {
	t.Parallel()

	p, _ := newFakePacer()
	p.Register("pima", lien.Pacing{MaxRequestsPerMinute: 1000, MaxPagesPerRun: 50})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.AcquirePage(context.Background(), "pima")
		}()
	}
	wg.Wait()
	require.Equal(t, 50, p.Pages("pima"))
	require.ErrorIs(t, p.AcquirePage(context.Background(), "pima"), lien.ErrBudgetExhausted)
}
