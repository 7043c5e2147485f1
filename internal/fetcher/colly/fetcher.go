// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/fetcher"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/progress"
)

const (
	defaultTimeout = 15 * time.Second
	maxRedirects   = 10
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates larger bodies; 0 keeps colly's default.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// redirectKey carries a fetch's *redirectLog through request contexts.
type redirectKey struct{}

type redirectLog struct {
	mu   sync.Mutex
	urls []string
}

func (l *redirectLog) add(u string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, u)
}

func (l *redirectLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("colly")
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(newRobotsAwareTransport(newHTTPTransport(), logger))
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if log, ok := req.Context().Value(redirectKey{}).(*redirectLog); ok {
			log.add(req.URL.String())
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET using Colly. Responses other than 200,
// 203 and 304 are returned as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	start := time.Now()
	redirects := &redirectLog{}
	collector := f.buildCollector(context.WithValue(ctx, redirectKey{}, redirects))
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		metrics.ObserveFetch("colly", "error")
		return crawler.FetchResult{}, err
	}
	metrics.ObserveFetch("colly", string(progress.ClassifyStatus(result.StatusCode)))

	result.URL = request.URL
	result.FinalURL = request.URL
	if hops := redirects.snapshot(); len(hops) > 0 {
		result.RedirectURLs = hops
		result.FinalURL = hops[len(hops)-1]
	}
	if err := fetcher.ClassifyStatus(request.URL, result.StatusCode, result.Headers); err != nil {
		return result, err
	}
	result.NotModified = result.StatusCode == http.StatusNotModified
	if result.NotModified {
		result.Body = nil
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResult{
			StatusCode:  r.StatusCode,
			ContentType: fetcher.ContentType(headers),
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			FetchedAt:   time.Now().UTC(),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return classifyVisitError(url, err)
		}
		return nil
	}
}

// classifyVisitError maps collector failures onto fetch error kinds.
func classifyVisitError(url string, err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return &crawler.FetchError{Kind: crawler.KindUnretryable, URL: url, Err: err}
	case errors.Is(err, colly.ErrMissingURL), errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrForbiddenDomain):
		return &crawler.FetchError{Kind: crawler.KindUnretryable, URL: url, Err: err}
	default:
		return &crawler.FetchError{Kind: crawler.KindIO, URL: url, Err: fmt.Errorf("colly visit failed: %w", err)}
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if !request.IfModifiedSince.IsZero() {
		r.Headers.Set("If-Modified-Since", request.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
