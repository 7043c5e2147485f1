// Package promote fetches with a cheap static fetcher and refetches pages
// that look client rendered with a headless browser.
package promote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
)

// Detector decides whether a static result needs a headless refetch.
type Detector interface {
	ShouldPromote(res crawler.FetchResult) bool
}

// Fetcher implements crawler.Fetcher over a static and a headless fetcher.
type Fetcher struct {
	static   crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New returns a promoting fetcher. headless may be nil, in which case the
// static result is always returned.
func New(static, headless crawler.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if static == nil {
		return nil, fmt.Errorf("static fetcher is required")
	}
	if detector == nil && headless != nil {
		return nil, fmt.Errorf("detector is required with a headless fetcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: detector, logger: logger.Named("promote")}, nil
}

// Fetch implements crawler.Fetcher. A failed headless refetch falls back
// to the static result.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	res, err := f.static.Fetch(ctx, req)
	if err != nil || f.headless == nil || !f.detector.ShouldPromote(res) {
		return res, err //nolint:wrapcheck // static fetch errors carry their own classification.
	}
	f.logger.Debug("promoting to headless", zap.String("url", req.URL), zap.Int("static_bytes", len(res.Body)))
	rendered, herr := f.headless.Fetch(ctx, req)
	if herr != nil {
		metrics.ObserveHeadlessPromotion("failed")
		f.logger.Warn("headless refetch failed, keeping static result",
			zap.String("url", req.URL),
			zap.Error(herr),
		)
		return res, nil
	}
	metrics.ObserveHeadlessPromotion("rendered")
	return rendered, nil
}
