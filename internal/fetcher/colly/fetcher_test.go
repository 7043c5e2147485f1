package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>ok</html>")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/cond", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, "fresh")
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "au-crawler-test", Timeout: 5 * time.Second}, nil)
	ctx := context.Background()

	res, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "<html>ok</html>", string(res.Body))
	require.Equal(t, "text/html; charset=utf-8", res.ContentType)
	require.Equal(t, srv.URL+"/ok", res.FinalURL)
	require.Empty(t, res.RedirectURLs)

	res, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err, "urls may be fetched again")
	require.Equal(t, http.StatusOK, res.StatusCode)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/missing"})
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, crawler.KindUnretryable, fe.Kind)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/busy"})
	require.True(t, errors.As(err, &fe))
	require.Equal(t, crawler.KindRetryable, fe.Kind)
	require.Equal(t, 30*time.Second, fe.RetryDelay)

	res, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/cond", IfModifiedSince: time.Now()})
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Empty(t, res.Body)

	res, err = f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/moved"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/ok", res.FinalURL)
	require.Equal(t, []string{srv.URL + "/ok"}, res.RedirectURLs)
}

func TestFetchTransportFailureIsIO(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/gone"})
	require.Error(t, err)
	require.Equal(t, crawler.KindIO, crawler.KindOf(err))
}

func TestFetchHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: false, Timeout: time.Second}, nil)
	collector := f.buildCollector(context.Background())
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if !collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be ignored")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := crawler.FetchRequest{
		URL:             "https://example.com",
		Headers:         http.Header{"X-Trace": {"yes"}},
		IfModifiedSince: since,
	}
	start := time.Unix(0, 0)
	var result crawler.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("If-Modified-Since") != "Sun, 01 Mar 2026 12:00:00 GMT" {
		t.Fatalf("unexpected If-Modified-Since %q", collyReq.Headers.Get("If-Modified-Since"))
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if result.StatusCode != http.StatusOK || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}
	if result.ContentType != "application/octet-stream" {
		t.Fatalf("expected default content type, got %q", result.ContentType)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func TestClassifyVisitError(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.KindUnretryable, crawler.KindOf(classifyVisitError("u", colly.ErrRobotsTxtBlocked)))
	require.Equal(t, crawler.KindIO, crawler.KindOf(classifyVisitError("u", errors.New("reset by peer"))))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
