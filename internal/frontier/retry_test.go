package frontier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestRetryPolicyRetries(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Count: 3, MaxCount: 5, Delay: 10 * time.Second, MinDelay: 2 * time.Second}
	tests := []struct {
		name      string
		err       error
		wantCount int
		wantDelay time.Duration
	}{
		{name: "plain io", err: errors.New("connection reset"), wantCount: 3, wantDelay: 10 * time.Second},
		{
			name:      "retryable without suggestion",
			err:       &crawler.FetchError{Kind: crawler.KindRetryable},
			wantCount: 3,
			wantDelay: 10 * time.Second,
		},
		{
			name:      "suggestion clamped",
			err:       &crawler.FetchError{Kind: crawler.KindRetryable, RetryCount: 50, RetryDelay: time.Millisecond},
			wantCount: 5,
			wantDelay: 2 * time.Second,
		},
		{
			name:      "suggestion honoured",
			err:       &crawler.FetchError{Kind: crawler.KindRetryable, RetryCount: 4, RetryDelay: 30 * time.Second},
			wantCount: 4,
			wantDelay: 30 * time.Second,
		},
		{name: "unretryable", err: &crawler.FetchError{Kind: crawler.KindUnretryable}},
		{name: "fatal", err: &crawler.FetchError{Kind: crawler.KindFatal}},
		{name: "redirect", err: &crawler.FetchError{Kind: crawler.KindRedirectOutsideSpec}},
		{name: "repository", err: &crawler.FetchError{Kind: crawler.KindRepository}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			count, delay := policy.Retries(tt.err)
			require.Equal(t, tt.wantCount, count)
			require.Equal(t, tt.wantDelay, delay)
		})
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	const maxRetries = 4
	policy := RetryPolicy{Count: 2, MaxCount: maxRetries, Delay: time.Second, MinDelay: time.Second}
	err := &crawler.FetchError{Kind: crawler.KindRetryable, RetryCount: maxRetries}

	for failures := 1; failures <= maxRetries; failures++ {
		retry, delay := policy.ShouldRetry(err, failures)
		require.True(t, retry, "failure %d", failures)
		require.Equal(t, time.Second, delay)
	}
	retry, _ := policy.ShouldRetry(err, maxRetries+1)
	require.False(t, retry)
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	count, delay := RetryPolicy{}.Retries(errors.New("eof"))
	require.Equal(t, DefaultRetryCount, count)
	require.Equal(t, DefaultRetryDelay, delay)
	require.Equal(t, RetryPolicy{
		Count:    DefaultRetryCount,
		MaxCount: DefaultMaxRetryCount,
		Delay:    DefaultRetryDelay,
		MinDelay: DefaultMinRetryDelay,
	}, DefaultRetryPolicy())
}
