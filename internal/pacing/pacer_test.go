package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPacer(t *testing.T, cfg Config) (*Pacer, *[]time.Duration) {
	t.Helper()
	p := New(cfg, nil)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestPauseDrawsFromRange(t *testing.T) {
	t.Parallel()

	cfg := Config{MinDelay: 3 * time.Second, MaxDelay: 8 * time.Second, LongPauseEvery: 10}
	p, slept := newTestPacer(t, cfg)

	require.NoError(t, p.Pause(context.Background(), 1))
	require.Len(t, *slept, 1)
	require.GreaterOrEqual(t, (*slept)[0], cfg.MinDelay)
	require.LessOrEqual(t, (*slept)[0], cfg.MaxDelay)
}

func TestExtendedPauseEveryNthNotice(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MinDelay:       time.Second,
		MaxDelay:       2 * time.Second,
		LongPauseEvery: 10,
		LongPauseMin:   5 * time.Second,
		LongPauseMax:   10 * time.Second,
	}
	p, slept := newTestPacer(t, cfg)

	require.NoError(t, p.Pause(context.Background(), 9))
	require.Len(t, *slept, 1)

	require.NoError(t, p.Pause(context.Background(), 10))
	require.Len(t, *slept, 3)
	long := (*slept)[2]
	require.GreaterOrEqual(t, long, cfg.LongPauseMin)
	require.LessOrEqual(t, long, cfg.LongPauseMax)
}

func TestBetweenBounds(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil)
	for i := 0; i < 100; i++ {
		d := p.Between(2*time.Second, 4*time.Second)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 4*time.Second)
	}
	require.Equal(t, time.Second, p.Between(time.Second, time.Second))
}

func TestPauseHonorsCancellation(t *testing.T) {
	t.Parallel()

	p := New(Config{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, p.Pause(ctx, 1))
}
