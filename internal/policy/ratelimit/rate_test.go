package ratelimit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		events   int
		interval time.Duration
	}{
		{"1/18h", 1, 18 * time.Hour},
		{"50/1d", 50, 24 * time.Hour},
		{"1/730", 1, 730 * time.Millisecond},
		{"2/1w", 2, 7 * 24 * time.Hour},
		{" 3/500ms ", 3, 500 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			r, err := ParseRate(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.events, r.Events)
			require.Equal(t, tc.interval, r.Interval)
			require.False(t, r.IsUnlimited())
			require.Equal(t, strings.TrimSpace(tc.in), r.String())
		})
	}
}

func TestParseRateUnlimited(t *testing.T) {
	t.Parallel()

	r, err := ParseRate("Unlimited")
	require.NoError(t, err)
	require.True(t, r.IsUnlimited())
	require.Equal(t, Unlimited, r.String())
}

func TestParseRateErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "5", "0/1s", "x/1s", "1/", "1/soon", "1/0s"} {
		_, err := ParseRate(in)
		require.Error(t, err, in)
	}
}
