package fetcher

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   int
		ok     bool
		kind   crawler.FetchErrorKind
		header http.Header
		delay  time.Duration
	}{
		{code: 200, ok: true},
		{code: 203, ok: true},
		{code: 304, ok: true},
		{code: 404, kind: crawler.KindUnretryable},
		{code: 410, kind: crawler.KindUnretryable},
		{code: 403, kind: crawler.KindUnretryable},
		{code: 400, kind: crawler.KindUnretryable},
		{code: 501, kind: crawler.KindUnretryable},
		{code: 500, kind: crawler.KindRetryable},
		{code: 503, kind: crawler.KindRetryable, header: http.Header{"Retry-After": {"120"}}, delay: 2 * time.Minute},
		{code: 429, kind: crawler.KindRetryable, header: http.Header{"Retry-After": {"86400"}}, delay: MaxRetryAfter},
		{code: 504, kind: crawler.KindRetryable, header: http.Header{"Retry-After": {"soon"}}},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			err := ClassifyStatus("http://a.org/", tt.code, header)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			var fe *crawler.FetchError
			require.True(t, errors.As(err, &fe))
			require.Equal(t, tt.kind, fe.Kind)
			require.Equal(t, tt.code, fe.StatusCode)
			require.Equal(t, tt.delay, fe.RetryDelay)
		})
	}
}

func TestContentTypeDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/octet-stream", ContentType(http.Header{}))
	require.Equal(t, "text/html", ContentType(http.Header{"Content-Type": {"text/html"}}))
}
