package manual

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(time.Minute)
	require.NoError(t, clk.Sleep(context.Background(), 2*time.Second))
	require.Equal(t, start.Add(time.Minute+2*time.Second), clk.Now())
	require.Equal(t, []time.Duration{2 * time.Second}, clk.Slept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, clk.Sleep(ctx, time.Second))
}

func TestManualClockAfter(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)

	select {
	case got := <-clk.After(0):
		require.Equal(t, start, got)
	default:
		t.Fatal("non-positive After must fire immediately")
	}

	short := clk.After(time.Minute)
	long := clk.After(time.Hour)
	require.Equal(t, 2, clk.Waiters())

	clk.Advance(59 * time.Second)
	require.Empty(t, short)
	require.NoError(t, clk.Sleep(context.Background(), time.Second))
	require.Equal(t, start.Add(time.Minute), <-short)
	require.Equal(t, 1, clk.Waiters())

	clk.Set(start.Add(2 * time.Hour))
	require.Equal(t, start.Add(2*time.Hour), <-long)
	require.Zero(t, clk.Waiters())
}
