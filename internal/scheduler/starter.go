package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// starter starts crawls until ctx ends: one at a time from the on-demand
// queue, or in periodic batches otherwise.
func (s *Scheduler) starter(ctx context.Context) {
	if !s.sleep(ctx, s.cfg.StartCrawlsInitialDelay, false) {
		return
	}
	s.logger.Info("crawl starter running")
	for ctx.Err() == nil {
		if s.cfg.ODC {
			if s.startOneCrawl(ctx) {
				continue
			}
			if !s.sleep(ctx, s.emptyQueueWait(), true) {
				return
			}
			continue
		}
		s.startSomeCrawls()
		if !s.sleep(ctx, s.cfg.StartCrawlsInterval, false) {
			return
		}
	}
}

// sleep waits for d, or for a wake signal when wakeable. It reports false
// once ctx ends.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	elapsed := s.clock.After(d)
	var wake <-chan struct{}
	if wakeable {
		wake = s.wake
	}
	select {
	case <-ctx.Done():
		return false
	case <-elapsed:
	case <-wake:
	}
	return true
}

// emptyQueueWait is how long the starter idles with nothing eligible.
func (s *Scheduler) emptyQueueWait() time.Duration {
	wait := s.cfg.QueueEmptySleep
	s.mu.Lock()
	until := s.odc.rebuildAt.Sub(s.clock.Now())
	s.mu.Unlock()
	if until > 0 && until < wait {
		wait = until
	}
	return wait
}

// startOneCrawl hands the next queued request to the pool, waiting for a
// free worker. It reports whether a request was taken.
func (s *Scheduler) startOneCrawl(ctx context.Context) bool {
	if !s.Enabled() {
		return false
	}
	req, ok := s.NextReq()
	if !ok {
		return false
	}
	if err := s.handToPool(ctx, req, true); err != nil {
		if ctx.Err() != nil {
			req.suspend()
			return true
		}
		s.refuse(req, err)
	}
	return true
}

// startSomeCrawls fills the pool queue with units due a new-content crawl,
// registry units first, then every unit in a shuffled order that is
// resumed across calls.
func (s *Scheduler) startSomeCrawls() {
	if !s.Enabled() || s.deps.Registry == nil || s.pool.QueueSize() == 0 {
		return
	}
	if s.pool.Waiting() >= s.pool.QueueSize() {
		return
	}
	s.logger.Debug("checking for units that need crawls")
	all := s.deps.Registry.AllAUs()
	for _, au := range all {
		if s.pool.Waiting() >= s.pool.QueueSize() {
			return
		}
		if au.IsRegistryAU() {
			s.possiblyStartCrawl(au)
		}
	}
	if s.startPos >= len(s.startOrder) {
		s.startOrder = append(s.startOrder[:0], all...)
		rand.Shuffle(len(s.startOrder), func(i, j int) {
			s.startOrder[i], s.startOrder[j] = s.startOrder[j], s.startOrder[i]
		})
		s.startPos = 0
	}
	for s.startPos < len(s.startOrder) && s.pool.Waiting() < s.pool.QueueSize() {
		au := s.startOrder[s.startPos]
		s.startPos++
		if !au.IsRegistryAU() {
			s.possiblyStartCrawl(au)
		}
	}
}

func (s *Scheduler) possiblyStartCrawl(au crawler.ArchivalUnit) {
	if !crawler.ShouldCrawlForNewContent(au, s.clock.Now()) {
		return
	}
	if err := s.StartNewContentCrawl(Request{AU: au}); err != nil {
		s.logger.Warn("start new content crawl", zap.String("auid", au.AUID()), zap.Error(err))
	}
}
