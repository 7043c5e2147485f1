package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	f, err := NewChromedp(Config{MaxParallel: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(f.Close)
	if f.tabs == nil {
		t.Fatal("expected tab semaphore")
	}
	if f.cfg.NavigationTimeout != defaultNavigationTimeout || f.cfg.SettleDelay != defaultSettleDelay {
		t.Fatalf("unexpected defaults: %+v", f.cfg)
	}

	unbounded, err := NewChromedp(Config{SettleDelay: -1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(unbounded.Close)
	if unbounded.tabs != nil || unbounded.cfg.SettleDelay != 0 {
		t.Fatalf("expected no semaphore and no settle delay, got %+v", unbounded.cfg)
	}
}

func TestFetchHonoursCanceledTabWait(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(f.Close)
	if !f.tabs.TryAcquire(1) {
		t.Fatal("expected free tab")
	}
	defer f.tabs.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.org/"}); err == nil {
		t.Fatal("expected fetch to fail while the only tab is held")
	}
}

func TestRequestHeaders(t *testing.T) {
	t.Parallel()

	if h := requestHeaders(crawler.FetchRequest{}); h != nil {
		t.Fatalf("expected nil headers, got %v", h)
	}
	src := http.Header{"Accept": {"text/html"}}
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := requestHeaders(crawler.FetchRequest{Headers: src, IfModifiedSince: since})
	if h.Get("If-Modified-Since") != "Fri, 01 Mar 2024 12:00:00 GMT" {
		t.Fatalf("unexpected If-Modified-Since %q", h.Get("If-Modified-Since"))
	}
	if src.Get("If-Modified-Since") != "" {
		t.Fatal("request headers mutated")
	}

	netHeaders := toNetworkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"c"}, "X-None": {}})
	if v, ok := netHeaders["X-Multi"].([]string); !ok || len(v) != 2 {
		t.Fatalf("expected two entries, got %v", netHeaders["X-Multi"])
	}
	if netHeaders["X-One"] != "c" {
		t.Fatalf("expected single value, got %v", netHeaders["X-One"])
	}
	if _, ok := netHeaders["X-None"]; ok {
		t.Fatal("expected empty header to be skipped")
	}
}

func TestDocumentFollowsMainNavigation(t *testing.T) {
	t.Parallel()

	doc := &document{}
	doc.observe(&network.EventRequestWillBeSent{
		LoaderID: "main",
		Type:     network.ResourceTypeDocument,
		Request:  &network.Request{URL: "http://example.org/"},
	})
	doc.observe(&network.EventRequestWillBeSent{
		LoaderID:         "main",
		Type:             network.ResourceTypeDocument,
		Request:          &network.Request{URL: "https://example.org/"},
		RedirectResponse: &network.Response{Status: 301},
	})
	doc.observe(&network.EventResponseReceived{
		LoaderID: "main",
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.org/",
			Headers: network.Headers{"Content-Type": "text/html", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	doc.observe(&network.EventResponseReceived{
		LoaderID: "iframe",
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.net/"},
	})
	doc.observe(&network.EventResponseReceived{
		LoaderID: "main",
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.org/app.js"},
	})

	nav := doc.result("http://example.org/", "https://example.org/")
	if nav.status != 200 || nav.url != "https://example.org/" {
		t.Fatalf("unexpected navigation: %+v", nav)
	}
	if len(nav.redirects) != 1 || nav.redirects[0] != "https://example.org/" {
		t.Fatalf("unexpected redirects: %v", nav.redirects)
	}
	if nav.headers.Get("Content-Type") != "text/html" || len(nav.headers.Values("Set-Cookie")) != 2 {
		t.Fatalf("unexpected headers: %v", nav.headers)
	}
}

func TestDocumentFallbacks(t *testing.T) {
	t.Parallel()

	nav := (&document{}).result("https://example.org/a", "https://example.org/b")
	if nav.status != http.StatusOK || nav.url != "https://example.org/b" {
		t.Fatalf("unexpected fallback: %+v", nav)
	}
	if len(nav.redirects) != 1 || nav.redirects[0] != "https://example.org/b" {
		t.Fatalf("expected location change recorded as redirect, got %v", nav.redirects)
	}
	if nav.headers == nil {
		t.Fatal("expected empty header map")
	}

	nav = (&document{}).result("https://example.org/a", "")
	if nav.url != "https://example.org/a" || len(nav.redirects) != 0 {
		t.Fatalf("unexpected fallback: %+v", nav)
	}
}
