package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, time.Millisecond, 10*time.Millisecond)
	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(timeoutErr{}, 1))
	require.True(t, p.ShouldRetry(&net.OpError{Op: "dial", Err: errors.New("refused")}, 2))
	require.False(t, p.ShouldRetry(timeoutErr{}, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(errors.New("selector missing"), 1))
	require.True(t, p.ShouldRetry(&StatusError{Code: 503, URL: "https://x"}, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", &StatusError{Code: 429}), 1))
	require.False(t, p.ShouldRetry(&StatusError{Code: 404}, 1))

	p.Retryable = func(error) bool { return true }
	require.True(t, p.ShouldRetry(errors.New("anything"), 1))
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, time.Millisecond, 2*time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return timeoutErr{}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return timeoutErr{}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.True(t, IsTimeout(err))

	calls = 0
	fatal := errors.New("bad selector")
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoStopsOnContext(t *testing.T) {
	t.Parallel()

	p := NewPolicy(10, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context) error { return timeoutErr{} })
	require.ErrorIs(t, err, context.Canceled)
}
