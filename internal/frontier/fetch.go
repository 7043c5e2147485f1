package frontier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/progress"
)

type fetchOptions struct {
	permission bool
	force      bool
	prior      crawler.ContentInfo
	hasPrior   bool
}

// process handles one dequeued node. fatal ends the crawl with code/msg.
func (c *Crawler) process(ctx context.Context, node *URLData) (code crawler.StatusCode, msg string, fatal bool) {
	url := node.url
	c.status.SignalDepth(node.depth)
	if !c.perms.HasPermission(url) {
		node.failedFetch = true
		c.status.SignalErrorForURL(url, crawler.MsgHostPermission, crawler.SeverityError)
		c.noteURLError(crawler.StatusNoPubPermission, crawler.MsgHostPermission)
		metrics.ObserveURL("error", 0)
		return 0, "", false
	}

	var (
		body        []byte
		contentType string
	)
	info, statErr := c.deps.Repository.Stat(ctx, c.au.AUID(), url)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, crawler.ErrNotStored) {
		return c.urlFailed(ctx, node, &crawler.FetchError{Kind: crawler.KindRepository, URL: url, Err: statErr})
	}

	if res, ok := c.permBodies[url]; ok {
		// Fetched and stored while checking permission.
		delete(c.permBodies, url)
		node.fetched = true
		body, contentType = res.Body, res.ContentType
	} else if c.needsFetch(node, exists, info) {
		res, err := c.fetch(ctx, url, fetchOptions{
			force:    c.req.Type == crawler.CrawlRepair,
			prior:    info,
			hasPrior: exists,
		})
		if err != nil {
			return c.urlFailed(ctx, node, err)
		}
		node.fetched = true
		if res.NotModified {
			contentType = info.ContentType
		} else {
			body, contentType = res.Body, res.ContentType
		}
	} else {
		contentType = info.ContentType
	}
	node.processed = true

	if !c.followLinks {
		return 0, "", false
	}
	if _, done := c.parsed[url]; done && !c.cfg.ReparseAll {
		return 0, "", false
	}
	c.parse(ctx, node, contentType, body)
	return 0, "", false
}

func (c *Crawler) needsFetch(node *URLData, exists bool, info crawler.ContentInfo) bool {
	switch {
	case c.req.Type == crawler.CrawlRepair:
		return true
	case !exists:
		return true
	case info.Size == 0 && c.cfg.RefetchEmptyFiles:
		return true
	default:
		return node.depth < c.refetchDepth
	}
}

// urlFailed records a failed fetch of node and decides whether the crawl
// can continue.
func (c *Crawler) urlFailed(ctx context.Context, node *URLData, err error) (crawler.StatusCode, string, bool) {
	node.failedFetch = true
	url := node.url
	metrics.ObserveURL("error", 0)
	if ctx.Err() != nil || c.aborted.Load() {
		return crawler.StatusAborted, "Crawl aborted", true
	}
	msg := errorMessage(err)
	switch kind := crawler.KindOf(err); kind {
	case crawler.KindRepository:
		c.status.SignalErrorForURL(url, msg, crawler.SeverityFatal)
		c.logger.Error("repository failure", zap.String("url", url), zap.Error(err))
		return crawler.StatusRepoError, "", true
	case crawler.KindFatal, crawler.KindRedirectOutsideSpec:
		c.status.SignalErrorForURL(url, msg, crawler.SeverityFatal)
		c.logger.Error("fatal fetch failure", zap.String("url", url), zap.Error(err))
		return crawler.StatusFetchError, msg, true
	}
	c.status.SignalErrorForURL(url, msg, crawler.SeverityError)
	c.logger.Warn("fetch failed", zap.String("url", url), zap.Error(err))
	if c.isStartURL(url) && c.cfg.FailOnStartURLError {
		return crawler.StatusFetchError, crawler.MsgStartURL, true
	}
	c.noteURLError(crawler.StatusFetchError, "")
	return 0, "", false
}

// errorMessage renders a per-url error for the status.
func errorMessage(err error) string {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode > 0 {
			return fmt.Sprintf("%d %s", fe.StatusCode, http.StatusText(fe.StatusCode))
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return fe.Kind.String()
	}
	return err.Error()
}

// fetch paces, fetches, retries and stores url.
func (c *Crawler) fetch(ctx context.Context, url string, opts fetchOptions) (crawler.FetchResult, error) {
	mimeHint := ""
	if opts.hasPrior {
		mimeHint = opts.prior.ContentType
	}
	failures := 0
	for {
		if err := c.limiter.PauseBeforeFetch(ctx, url, mimeHint); err != nil {
			return crawler.FetchResult{}, err
		}
		if c.deps.Watchdog != nil {
			c.deps.Watchdog.Poke()
		}
		req := crawler.FetchRequest{AUID: c.au.AUID(), URL: url}
		if opts.hasPrior && !opts.force && opts.prior.Size > 0 {
			req.IfModifiedSince = opts.prior.StoredAt
		}
		res, err := c.deps.Fetcher.Fetch(ctx, req)
		if err == nil {
			if res.URL == "" {
				res.URL = url
			}
			err = c.checkRedirect(url, res, opts.permission)
		}
		if err == nil && !res.NotModified {
			if _, serr := c.deps.Repository.Store(ctx, c.au.AUID(), res); serr != nil {
				return res, &crawler.FetchError{Kind: crawler.KindRepository, URL: url, Err: serr}
			}
		}
		if err == nil {
			c.recordFetch(url, res)
			return res, nil
		}
		if ctx.Err() != nil {
			return res, err
		}
		failures++
		retry, delay := c.cfg.Retry.ShouldRetry(err, failures)
		if !retry {
			c.emit(progress.Event{Stage: progress.StageFetchError, Host: crawler.HostOf(url), URL: url, Note: err.Error()})
			return res, err
		}
		c.logger.Info("retrying fetch",
			zap.String("url", url),
			zap.Int("failures", failures),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := c.clock.Sleep(ctx, delay); serr != nil {
			return res, err
		}
	}
}

// checkRedirect rejects redirects that leave the crawl. Permission pages may
// redirect within their host.
func (c *Crawler) checkRedirect(url string, res crawler.FetchResult, permissionPage bool) error {
	final := res.FinalURL
	if final == "" || final == url || c.au.ShouldBeCached(final) {
		return nil
	}
	if permissionPage {
		if crawler.HostOf(final) == crawler.HostOf(url) {
			return nil
		}
		return &crawler.FetchError{
			Kind: crawler.KindRedirectOutsideSpec,
			URL:  url,
			Err:  fmt.Errorf("redirected to %s", final),
		}
	}
	return &crawler.FetchError{
		Kind: crawler.KindUnretryable,
		URL:  url,
		Err:  fmt.Errorf("redirected outside crawl spec to %s", final),
	}
}

func (c *Crawler) recordFetch(url string, res crawler.FetchResult) {
	if res.NotModified {
		c.status.SignalURLNotModified(url)
		metrics.ObserveURL("not_modified", 0)
	} else {
		size := int64(len(res.Body))
		c.status.SignalURLFetched(url, size)
		c.status.SignalMimeTypeOfURL(res.ContentType, url)
		metrics.ObserveURL("fetched", size)
	}
	c.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Host:        crawler.HostOf(url),
		URL:         url,
		Bytes:       int64(len(res.Body)),
		Fetches:     1,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         res.Duration,
	})
}

// fetchPermissionPage serves the permission engine. The page is stored like
// any other url and reused if the crawl reaches it.
func (c *Crawler) fetchPermissionPage(ctx context.Context, url string) ([]byte, error) {
	u, err := crawler.NormalizeURL(url)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.KindUnretryable, URL: url, Err: err}
	}
	res, err := c.fetch(ctx, u, fetchOptions{permission: true, force: true})
	if err != nil {
		return nil, err
	}
	if !res.NotModified {
		c.permBodies[u] = res
		return res.Body, nil
	}
	rc, _, err := c.deps.Repository.Open(ctx, c.au.AUID(), u)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.KindRepository, URL: u, Err: err}
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.KindRepository, URL: u, Err: err}
	}
	return body, nil
}
