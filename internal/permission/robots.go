package permission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// RobotsChecker grants permission when the host's robots.txt allows the
// crawler's user agent to fetch the permission page. Unreachable robots
// files allow access.
type RobotsChecker struct {
	fetcher   crawler.Fetcher
	userAgent string
	cache     sync.Map
	logger    *zap.Logger
}

// NewRobotsChecker builds a checker fetching robots.txt through fetcher.
func NewRobotsChecker(fetcher crawler.Fetcher, userAgent string, logger *zap.Logger) *RobotsChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsChecker{fetcher: fetcher, userAgent: userAgent, logger: logger}
}

// Name implements crawler.PermissionChecker.
func (r *RobotsChecker) Name() string { return "robots" }

// CheckPermission implements crawler.PermissionChecker. The page body is
// drained but not inspected.
func (r *RobotsChecker) CheckPermission(ctx context.Context, body io.Reader, permissionURL string) bool {
	if body != nil {
		_, _ = io.Copy(io.Discard, body)
	}
	parsed, err := url.Parse(permissionURL)
	if err != nil {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (r *RobotsChecker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := r.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	res, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     robotsURL.String(),
		Headers: http.Header{"User-Agent": []string{r.userAgent}},
	})
	status := res.StatusCode
	if err != nil {
		var fe *crawler.FetchError
		if !errors.As(err, &fe) || fe.StatusCode == 0 {
			return nil, fmt.Errorf("fetch robots: %w", err)
		}
		status = fe.StatusCode
	}
	if status == 0 {
		status = http.StatusOK
	}
	data, err := robotstxt.FromStatusAndBytes(status, res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.cache.Store(hostKey, data)
	return data, nil
}
