package frontier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/status"
)

const excludedReason = "Not in crawl spec"

// parse runs the unit's link extractor over node's content. body is nil
// when the content must be read back from the repository.
func (c *Crawler) parse(ctx context.Context, node *URLData, contentType string, body []byte) {
	url := node.url
	ext := c.au.LinkExtractor(ratelimit.NormalizeMimeType(contentType))
	if ext == nil {
		return
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	} else {
		rc, _, err := c.deps.Repository.Open(ctx, c.au.AUID(), url)
		if err != nil {
			if !errors.Is(err, crawler.ErrNotStored) {
				c.logger.Warn("open stored content", zap.String("url", url), zap.Error(err))
				c.status.SignalErrorForURL(url, "Unable to read stored content: "+err.Error(), crawler.SeverityWarning)
			}
			return
		}
		defer rc.Close()
		r = rc
	}
	encoding := ""
	if c.cfg.ParseUseCharset {
		encoding = charsetOf(contentType)
	}

	c.parsed[url] = struct{}{}
	seen := make(map[string]struct{})
	err := ext.Extract(ctx, r, encoding, url, func(link string) {
		c.foundLink(node, link, seen)
	})
	if err != nil {
		node.failedParse = true
		c.logger.Warn("link extraction failed", zap.String("url", url), zap.Error(err))
		c.status.SignalErrorForURL(url, "Link extractor error: "+err.Error(), crawler.SeverityError)
		c.noteURLError(crawler.StatusExtractorError, "")
		metrics.ObserveURL("parse_error", 0)
		return
	}
	c.status.SignalURLParsed(url)
	metrics.ObserveURL("parsed", 0)
}

func (c *Crawler) foundLink(parent *URLData, link string, seen map[string]struct{}) {
	u, err := crawler.ResolveURL(parent.url, link)
	if err != nil || u == "" || u == parent.url {
		return
	}
	if _, dup := seen[u]; dup {
		return
	}
	seen[u] = struct{}{}

	if node, ok := c.nodes[u]; ok {
		c.status.SignalReferrer(u, parent.url, status.ReferrerIncluded)
		parent.AddChild(node, c.onDepthReduced)
		return
	}
	if _, ok := c.excluded.Get(u); ok {
		c.status.SignalReferrer(u, parent.url, status.ReferrerExcluded)
		return
	}
	if !c.au.ShouldBeCached(u) {
		c.rememberExcluded(u)
		c.status.SignalURLExcluded(u, excludedReason)
		c.status.SignalReferrer(u, parent.url, status.ReferrerExcluded)
		metrics.ObserveURL("excluded", 0)
		return
	}
	child := c.newNode(u, parent.depth+1)
	c.status.SignalReferrer(u, parent.url, status.ReferrerIncluded)
	parent.AddChild(child, c.onDepthReduced)
	c.enqueue(child)
}

// rememberExcluded adds u to the bounded excluded cache. A full cache is
// pruned of expired entries, then emptied if still full.
func (c *Crawler) rememberExcluded(u string) {
	if c.excluded.ItemCount() >= c.cfg.ExcludedCacheSize {
		c.excluded.DeleteExpired()
		if c.excluded.ItemCount() >= c.cfg.ExcludedCacheSize {
			c.excluded.Flush()
		}
	}
	c.excluded.SetDefault(u, struct{}{})
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}
