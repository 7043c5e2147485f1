package crawler

import (
	"sync"
	"time"
)

// Window gates whether fetching may proceed at a given instant.
type Window interface {
	CanCrawl(at time.Time) bool
}

// URLRate overrides the fetch rate for urls matching Pattern.
type URLRate struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Rate    string `yaml:"rate" mapstructure:"rate"`
}

// CondRate selects Info while Window permits crawling.
type CondRate struct {
	Window Window
	Info   RateLimiterInfo
}

// RateLimiterInfo describes how fetches of an AU are paced.
//
// Rate is the base "N/interval" rate. MimeRates keys may be exact types,
// comma-joined aliases, "type/*" or "*/*". URLRates are consulted in order
// and the first matching pattern wins. CondRates, when present, replace the
// whole description by the first entry whose window is open.
type RateLimiterInfo struct {
	Rate      string
	MimeRates map[string]string
	URLRates  []URLRate
	CondRates []CondRate
	// CrawlPoolKey groups AUs that share a throttling domain.
	CrawlPoolKey string
}

// ArchivalUnit is one independently crawled content collection.
type ArchivalUnit interface {
	AUID() string
	Name() string
	StartURLs() []string
	PermissionURLs() []string
	// URLStems are the scheme://host/ prefixes the AU's content lives under.
	URLStems() []string
	ShouldBeCached(url string) bool
	RefetchDepth() int
	// CrawlWindow returns nil when crawling is always allowed.
	CrawlWindow() Window
	RateLimiterInfo() RateLimiterInfo
	// FetchRateLimiterKey names the shared throttling domain, "" if none.
	FetchRateLimiterKey() string
	// LinkExtractor returns nil when content of mimeType is not parsed.
	LinkExtractor(mimeType string) LinkExtractor
	PermissionCheckers() []PermissionChecker
	// CrawlURLComparator names the frontier ordering, "" for the default.
	CrawlURLComparator() string
	NewContentCrawlInterval() time.Duration
	IsRegistryAU() bool
	CreationTime() time.Time
	State() *AUState
}

// AUState tracks crawl history of an AU. It is safe for concurrent use.
type AUState struct {
	mu               sync.RWMutex
	lastCrawlAttempt time.Time
	lastCrawlTime    time.Time
	lastResult       StatusCode
	lastResultMsg    string
	crawling         bool
}

// AUStateSnapshot is an immutable copy of AUState.
type AUStateSnapshot struct {
	LastCrawlAttempt time.Time  `json:"last_crawl_attempt"`
	LastCrawlTime    time.Time  `json:"last_crawl_time"`
	LastResult       StatusCode `json:"-"`
	LastResultName   string     `json:"last_result"`
	LastResultMsg    string     `json:"last_result_msg,omitempty"`
	Crawling         bool       `json:"crawling"`
}

// NewAUState returns state seeded from persisted history.
func NewAUState(lastAttempt, lastCrawl time.Time, lastResult StatusCode, msg string) *AUState {
	return &AUState{
		lastCrawlAttempt: lastAttempt,
		lastCrawlTime:    lastCrawl,
		lastResult:       lastResult,
		lastResultMsg:    msg,
	}
}

// NewCrawlStarted records the start of a new-content crawl attempt.
func (s *AUState) NewCrawlStarted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCrawlAttempt = at
	s.lastResult = StatusActive
	s.lastResultMsg = ""
	s.crawling = true
}

// NewCrawlFinished records the outcome of the running attempt. A successful
// crawl also advances the last crawl time.
func (s *AUState) NewCrawlFinished(code StatusCode, msg string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = code
	s.lastResultMsg = msg
	s.crawling = false
	if code == StatusSuccessful {
		s.lastCrawlTime = at
	}
}

// Snapshot returns a consistent copy of the state.
func (s *AUState) Snapshot() AUStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AUStateSnapshot{
		LastCrawlAttempt: s.lastCrawlAttempt,
		LastCrawlTime:    s.lastCrawlTime,
		LastResult:       s.lastResult,
		LastResultName:   s.lastResult.String(),
		LastResultMsg:    s.lastResultMsg,
		Crawling:         s.crawling,
	}
}

// ShouldCrawlForNewContent reports whether au's new-content interval has
// elapsed since its last successful crawl.
func ShouldCrawlForNewContent(au ArchivalUnit, now time.Time) bool {
	st := au.State()
	if st == nil {
		return false
	}
	snap := st.Snapshot()
	if snap.LastCrawlTime.IsZero() {
		return true
	}
	interval := au.NewContentCrawlInterval()
	if interval <= 0 {
		return true
	}
	return !now.Before(snap.LastCrawlTime.Add(interval))
}
