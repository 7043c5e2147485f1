// Package headless fetches pages through headless Chrome so that
// script-built documents are archived as rendered.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/fetcher"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/progress"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay lets scripts finish after the body is ready.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by a shared Chrome
// allocator. Chrome itself starts lazily on the first fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	var tabs *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        tabs,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("headless"),
	}, nil
}

// Close shuts down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL in a fresh tab. Status, headers and the
// redirect chain come from the main document's network events, so the
// result is classified like a plain HTTP fetch.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("headless tab wait: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &document{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	html, location, err := f.render(tabCtx, request.URL, requestHeaders(request))
	if err != nil {
		metrics.ObserveFetch("headless", "error")
		f.logger.Debug("headless fetch failed", zap.String("url", request.URL), zap.Error(err))
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.KindIO, URL: request.URL, Err: err}
	}

	nav := doc.result(request.URL, location)
	metrics.ObserveFetch("headless", string(progress.ClassifyStatus(nav.status)))
	result := crawler.FetchResult{
		URL:          request.URL,
		FinalURL:     nav.url,
		StatusCode:   nav.status,
		ContentType:  fetcher.ContentType(nav.headers),
		Headers:      nav.headers,
		Body:         []byte(html),
		RedirectURLs: nav.redirects,
		NotModified:  nav.status == http.StatusNotModified,
		FetchedAt:    time.Now().UTC(),
		Duration:     time.Since(start),
	}
	if result.NotModified {
		result.Body = nil
	}
	if err := fetcher.ClassifyStatus(request.URL, nav.status, nav.headers); err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) render(ctx context.Context, url string, headers http.Header) (html, location string, err error) {
	actions := []chromedp.Action{
		f.prepareTab(headers),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, location, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func requestHeaders(request crawler.FetchRequest) http.Header {
	headers := request.Headers.Clone()
	if request.IfModifiedSince.IsZero() {
		return headers
	}
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("If-Modified-Since", request.IfModifiedSince.UTC().Format(http.TimeFormat))
	return headers
}

// document follows the top-level navigation of one tab. The first
// document request fixes the loader; iframe documents use other loaders
// and are ignored.
type document struct {
	mu        sync.Mutex
	loader    string
	redirects []string
	status    int
	headers   http.Header
	url       string
}

type navigation struct {
	status    int
	headers   http.Header
	url       string
	redirects []string
}

func (d *document) observe(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument || e.Request == nil {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.loader == "" {
			d.loader = string(e.LoaderID)
		}
		if string(e.LoaderID) != d.loader {
			return
		}
		if e.RedirectResponse != nil {
			d.redirects = append(d.redirects, e.Request.URL)
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.loader != "" && string(e.LoaderID) != d.loader {
			return
		}
		d.status = int(e.Response.Status)
		d.headers = fromNetworkHeaders(e.Response.Headers)
		d.url = e.Response.URL
	}
}

// result falls back to the browser location and a 200 when Chrome
// reported no document response, as happens for some cached pages.
func (d *document) result(requestURL, location string) navigation {
	d.mu.Lock()
	defer d.mu.Unlock()
	nav := navigation{
		status:    d.status,
		headers:   d.headers.Clone(),
		url:       d.url,
		redirects: append([]string(nil), d.redirects...),
	}
	if nav.url == "" {
		nav.url = location
	}
	if nav.url == "" {
		nav.url = requestURL
	}
	if nav.status == 0 {
		nav.status = http.StatusOK
	}
	if nav.headers == nil {
		nav.headers = http.Header{}
	}
	if len(nav.redirects) == 0 && nav.url != requestURL {
		nav.redirects = []string{nav.url}
	}
	return nav
}

func fromNetworkHeaders(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
