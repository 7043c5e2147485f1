package ratelimit

import (
	"context"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
)

const noCond = -1

type urlRate struct {
	re   *regexp.Regexp
	rate string
}

type compiledInfo struct {
	rate string
	mime map[string]string
	urls []urlRate
}

type compiledCond struct {
	window crawler.Window
	info   compiledInfo
}

// Limiter paces the fetches of one archival unit, or of every unit sharing
// a crawl pool key. Each rate string gets its own sliding-window
// EventLimiter, so "N/interval" never admits more than N fetches in any
// interval, and a window keeps its history when overrides switch away.
type Limiter struct {
	mu       sync.Mutex
	key      string
	base     compiledInfo
	conds    []compiledCond
	limiters map[string]*EventLimiter
	// active is the index of the selected conditional rate, noCond for
	// the base description.
	active  int
	started bool
	rearm   bool
	clock   eventClock
}

// NewLimiter compiles info. defaultRate applies when info has no base rate.
func NewLimiter(key string, info crawler.RateLimiterInfo, defaultRate string, clock eventClock) (*Limiter, error) {
	if clock == nil {
		clock = system.New()
	}
	base, err := compileInfo(info, defaultRate)
	if err != nil {
		return nil, err
	}
	conds := make([]compiledCond, 0, len(info.CondRates))
	for i, c := range info.CondRates {
		if c.Window == nil {
			return nil, fmt.Errorf("conditional rate %d has no window", i)
		}
		ci, err := compileInfo(c.Info, base.rate)
		if err != nil {
			return nil, fmt.Errorf("conditional rate %d: %w", i, err)
		}
		conds = append(conds, compiledCond{window: c.Window, info: ci})
	}
	return &Limiter{
		key:      key,
		base:     base,
		conds:    conds,
		limiters: make(map[string]*EventLimiter),
		active:   noCond,
		clock:    clock,
	}, nil
}

func compileInfo(info crawler.RateLimiterInfo, fallback string) (compiledInfo, error) {
	out := compiledInfo{rate: strings.TrimSpace(info.Rate)}
	if out.rate == "" {
		out.rate = fallback
	}
	if _, err := ParseRate(out.rate); err != nil {
		return compiledInfo{}, err
	}
	if len(info.MimeRates) > 0 {
		out.mime = make(map[string]string, len(info.MimeRates))
		for keys, r := range info.MimeRates {
			if _, err := ParseRate(r); err != nil {
				return compiledInfo{}, fmt.Errorf("mime rate %q: %w", keys, err)
			}
			for _, k := range strings.Split(keys, ",") {
				if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
					out.mime[k] = r
				}
			}
		}
	}
	for _, u := range info.URLRates {
		re, err := regexp.Compile(u.Pattern)
		if err != nil {
			return compiledInfo{}, fmt.Errorf("url rate pattern %q: %w", u.Pattern, err)
		}
		if _, err := ParseRate(u.Rate); err != nil {
			return compiledInfo{}, fmt.Errorf("url rate %q: %w", u.Pattern, err)
		}
		out.urls = append(out.urls, urlRate{re: re, rate: u.Rate})
	}
	return out, nil
}

// NormalizeMimeType strips parameters and lower-cases the media type.
func NormalizeMimeType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func (c compiledInfo) resolve(rawURL, mimeType string) string {
	for _, u := range c.urls {
		if u.re.MatchString(rawURL) {
			return u.rate
		}
	}
	if len(c.mime) > 0 {
		mt := NormalizeMimeType(mimeType)
		if mt != "" {
			if r, ok := c.mime[mt]; ok {
				return r
			}
			if major, _, ok := strings.Cut(mt, "/"); ok {
				if r, ok := c.mime[major+"/*"]; ok {
					return r
				}
			}
		}
		if r, ok := c.mime["*/*"]; ok {
			return r
		}
	}
	return c.rate
}

// selectLocked picks the description in force at now and notes window
// transitions.
func (l *Limiter) selectLocked(now time.Time) compiledInfo {
	idx := noCond
	for i, c := range l.conds {
		if c.window.CanCrawl(now) {
			idx = i
			break
		}
	}
	if l.started && idx != l.active {
		l.rearm = true
	}
	l.started = true
	l.active = idx
	if idx == noCond {
		return l.base
	}
	return l.conds[idx].info
}

func (l *Limiter) limiterLocked(rateStr string) *EventLimiter {
	if lim, ok := l.limiters[rateStr]; ok {
		return lim
	}
	r, err := ParseRate(rateStr)
	if err != nil {
		// Rates were validated at construction.
		r = Rate{unlimited: true, raw: Unlimited}
	}
	lim := NewEventLimiter(r, l.clock)
	l.limiters[rateStr] = lim
	return lim
}

// RateFor returns the rate string that governs a fetch of rawURL with
// mimeType at now.
func (l *Limiter) RateFor(now time.Time, rawURL, mimeType string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selectLocked(now).resolve(rawURL, mimeType)
}

// PauseBeforeFetch blocks until a fetch of rawURL is permitted and records
// the fetch. mimeType may be empty when it is not yet known.
func (l *Limiter) PauseBeforeFetch(ctx context.Context, rawURL, mimeType string) error {
	l.mu.Lock()
	now := l.clock.Now()
	rateStr := l.selectLocked(now).resolve(rawURL, mimeType)
	lim := l.limiterLocked(rateStr)
	if l.rearm {
		// A freshly selected limiter starts with one synthetic event so
		// the switch does not allow an immediate burst.
		lim.Event(now)
		l.rearm = false
	}
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("pause before fetch at %s: %w", rateStr, err)
	}
	if delay := l.clock.Now().Sub(now); delay > 0 {
		metrics.ObserveRateLimitDelay(l.key, delay)
	}
	return nil
}

// Registry hands out fetch limiters. Units that share a crawl pool key
// share a limiter.
type Registry struct {
	mu          sync.Mutex
	defaultRate string
	clock       eventClock
	limiters    map[string]*Limiter
}

// NewRegistry builds a registry. defaultRate applies to units that do not
// declare a rate.
func NewRegistry(defaultRate string, clock eventClock) (*Registry, error) {
	if _, err := ParseRate(defaultRate); err != nil {
		return nil, fmt.Errorf("default fetch rate: %w", err)
	}
	return &Registry{
		defaultRate: defaultRate,
		clock:       clock,
		limiters:    make(map[string]*Limiter),
	}, nil
}

// KeyFor returns the limiter key of au.
func KeyFor(au crawler.ArchivalUnit) string {
	if key := au.FetchRateLimiterKey(); key != "" {
		return key
	}
	return "au:" + au.AUID()
}

// ForAU returns the limiter pacing au, creating it on first use.
func (r *Registry) ForAU(au crawler.ArchivalUnit) (*Limiter, error) {
	key := KeyFor(au)
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[key]; ok {
		return lim, nil
	}
	lim, err := NewLimiter(key, au.RateLimiterInfo(), r.defaultRate, r.clock)
	if err != nil {
		return nil, fmt.Errorf("build fetch limiter for %s: %w", au.AUID(), err)
	}
	r.limiters[key] = lim
	return lim, nil
}

// Forget drops the limiter of au so the next ForAU rebuilds it from the
// unit's current description.
func (r *Registry) Forget(au crawler.ArchivalUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, KeyFor(au))
}
