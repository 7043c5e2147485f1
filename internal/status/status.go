// Package status holds the observable state of crawls. A Status is mutated
// only by the crawl that owns it; readers take snapshots and must tolerate
// counters that are still growing.
package status

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// RecordMode selects how much per-url detail is retained.
type RecordMode int

// Url recording granularities.
const (
	RecordNone RecordMode = iota
	RecordMime
	RecordAll
)

// ParseRecordMode parses "none", "mime" or "all".
func ParseRecordMode(s string) (RecordMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return RecordNone, nil
	case "mime":
		return RecordMime, nil
	case "all":
		return RecordAll, nil
	default:
		return RecordNone, fmt.Errorf("unknown record mode %q", s)
	}
}

// ReferrerMode selects which referrers are retained per url.
type ReferrerMode int

// Referrer recording modes.
const (
	ReferrersNone ReferrerMode = iota
	ReferrersFirst
	ReferrersAll
)

// ParseReferrerMode parses "none", "first" or "all".
func ParseReferrerMode(s string) (ReferrerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ReferrersNone, nil
	case "first":
		return ReferrersFirst, nil
	case "all":
		return ReferrersAll, nil
	default:
		return ReferrersNone, fmt.Errorf("unknown referrer mode %q", s)
	}
}

// ReferrerType tells whether the referenced url was followed.
type ReferrerType int

// Referrer types.
const (
	ReferrerIncluded ReferrerType = iota
	ReferrerExcluded
)

// DefaultKeepOffHostExcludes is the default cap on retained off-host
// exclusions.
const DefaultKeepOffHostExcludes = 50

// Options configures what a Status retains.
type Options struct {
	RecordURLs      RecordMode
	RecordReferrers ReferrerMode
	// KeepOffHostExcludes caps the excluded urls retained that lie outside
	// URLStems. Negative disables the cap.
	KeepOffHostExcludes int
	URLStems            []string
	Clock               crawler.Clock
}

// URLError is a per-url failure.
type URLError struct {
	URL      string           `json:"url"`
	Message  string           `json:"message"`
	Severity crawler.Severity `json:"-"`
	Level    string           `json:"severity"`
}

type urlSet struct {
	count int
	urls  []string
}

func (s *urlSet) add(url string, keep bool) {
	s.count++
	if keep {
		s.urls = append(s.urls, url)
	}
}

// Status is the observable state of one crawl.
type Status struct {
	mu sync.RWMutex

	key          string
	auid         string
	auName       string
	crawlType    crawler.CrawlType
	priority     int
	startURLs    []string
	sources      []string
	refetchDepth int
	depth        int

	start time.Time
	end   time.Time
	code  crawler.StatusCode
	msg   string

	fetched     urlSet
	parsed      urlSet
	notModified urlSet
	excluded    map[string]string
	excludedN   int
	pending     map[string]struct{}
	errors      map[string]URLError
	errorOrder  []string
	mimes       map[string]*urlSet
	referrers   map[string][]string
	bytes       int64

	includedExcludes int
	droppedExcludes  int

	opts  Options
	clock crawler.Clock
}

// New creates a queued status for a crawl of auid.
func New(key, auid, auName string, crawlType crawler.CrawlType, opts Options) *Status {
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Status{
		key:       key,
		auid:      auid,
		auName:    auName,
		crawlType: crawlType,
		code:      crawler.StatusQueued,
		excluded:  make(map[string]string),
		pending:   make(map[string]struct{}),
		errors:    make(map[string]URLError),
		mimes:     make(map[string]*urlSet),
		referrers: make(map[string][]string),
		opts:      opts,
		clock:     clock,
	}
}

// Key uniquely identifies the crawl.
func (s *Status) Key() string { return s.key }

// AUID returns the crawled unit's id.
func (s *Status) AUID() string { return s.auid }

// Type returns the crawl type.
func (s *Status) Type() crawler.CrawlType { return s.crawlType }

// SetPriority records the request priority.
func (s *Status) SetPriority(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = p
}

// SetStartURLs records the seeds.
func (s *Status) SetStartURLs(urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startURLs = append([]string(nil), urls...)
}

// SetRefetchDepth records the refetch depth in force.
func (s *Status) SetRefetchDepth(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetchDepth = d
}

// SignalDepth records that the crawl reached depth d.
func (s *Status) SignalDepth(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > s.depth {
		s.depth = d
	}
}

// AddSource records an alternate seed source.
func (s *Status) AddSource(src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// SignalCrawlStarted marks the crawl active.
func (s *Status) SignalCrawlStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.clock.Now()
	if !s.code.IsTerminal() {
		s.code = crawler.StatusActive
		s.msg = ""
	}
}

// SignalCrawlEnded records the end time. A crawl still active at this point
// is marked successful.
func (s *Status) SignalCrawlEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = s.clock.Now()
	if !s.code.IsTerminal() {
		s.code = crawler.StatusSuccessful
	}
}

// SetCrawlStatus sets the status code and message. An empty message uses
// the code's default message.
func (s *Status) SetCrawlStatus(code crawler.StatusCode, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.msg = msg
}

// CrawlStatus returns the code and message.
func (s *Status) CrawlStatus() (crawler.StatusCode, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg := s.msg
	if msg == "" {
		msg = s.code.DefaultMessage()
	}
	return s.code, msg
}

// IsCrawlActive reports whether the crawl has started and not ended.
func (s *Status) IsCrawlActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.start.IsZero() && s.end.IsZero()
}

// IsCrawlError reports whether the crawl has a non-success terminal code.
func (s *Status) IsCrawlError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code.IsTerminal() && s.code != crawler.StatusSuccessful
}

// StartTime returns when the crawl started, zero if queued.
func (s *Status) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.start
}

// EndTime returns when the crawl ended, zero if running.
func (s *Status) EndTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.end
}

// AddPendingURL records a url waiting in the frontier.
func (s *Status) AddPendingURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[url] = struct{}{}
}

// RemovePendingURL removes url from the pending set.
func (s *Status) RemovePendingURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, url)
}

// SignalURLFetched records a successful fetch of size bytes.
func (s *Status) SignalURLFetched(url string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched.add(url, s.opts.RecordURLs == RecordAll)
	if size > 0 {
		s.bytes += size
	}
}

// SignalURLNotModified records a conditional fetch that found no change.
func (s *Status) SignalURLNotModified(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notModified.add(url, s.opts.RecordURLs == RecordAll)
}

// SignalURLParsed records that url was run through a link extractor.
func (s *Status) SignalURLParsed(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed.add(url, s.opts.RecordURLs == RecordAll)
}

// SignalURLExcluded records a url outside the crawl. Off-host exclusions
// beyond the retention cap are only counted.
func (s *Status) SignalURLExcluded(url, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.excluded[url]; seen {
		return
	}
	if s.opts.KeepOffHostExcludes >= 0 && !crawler.UnderStems(url, s.opts.URLStems) {
		if s.includedExcludes >= s.opts.KeepOffHostExcludes {
			s.droppedExcludes++
			return
		}
		s.includedExcludes++
	}
	s.excludedN++
	s.excluded[url] = reason
}

// SignalErrorForURL records a per-url error. The most severe error for a
// url is kept.
func (s *Status) SignalErrorForURL(url, msg string, severity crawler.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.errors[url]
	if exists && prev.Severity > severity {
		return
	}
	if !exists {
		s.errorOrder = append(s.errorOrder, url)
	}
	s.errors[url] = URLError{URL: url, Message: msg, Severity: severity, Level: severity.String()}
}

// SignalMimeTypeOfURL counts url under its media type.
func (s *Status) SignalMimeTypeOfURL(mimeType, url string) {
	if mimeType == "" {
		return
	}
	mt, _, _ := strings.Cut(mimeType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.RecordURLs == RecordNone {
		return
	}
	set, ok := s.mimes[mt]
	if !ok {
		set = &urlSet{}
		s.mimes[mt] = set
	}
	set.add(url, s.opts.RecordURLs == RecordAll)
}

// SignalReferrer records that referrer links to url.
func (s *Status) SignalReferrer(url, referrer string, kind ReferrerType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.opts.RecordReferrers {
	case ReferrersNone:
		return
	case ReferrersFirst:
		if _, ok := s.referrers[url]; ok {
			return
		}
	}
	if kind == ReferrerExcluded {
		// Referrers of exclusions dropped by the off-host cap are not kept.
		if _, kept := s.excluded[url]; !kept {
			return
		}
	}
	for _, r := range s.referrers[url] {
		if r == referrer {
			return
		}
	}
	s.referrers[url] = append(s.referrers[url], referrer)
}

// Referrers returns the recorded referrers of url.
func (s *Status) Referrers(url string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.referrers[url]...)
}

// NumFetched returns the fetched url count.
func (s *Status) NumFetched() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetched.count
}

// NumParsed returns the parsed url count.
func (s *Status) NumParsed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parsed.count
}

// NumNotModified returns the not-modified url count.
func (s *Status) NumNotModified() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notModified.count
}

// NumExcluded returns the retained excluded url count.
func (s *Status) NumExcluded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.excludedN
}

// NumExcludedExcludes returns the off-host exclusions dropped by the cap.
func (s *Status) NumExcludedExcludes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.droppedExcludes
}

// NumPending returns the pending url count.
func (s *Status) NumPending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// NumErrors returns the number of urls with errors.
func (s *Status) NumErrors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.errors)
}

// BytesFetched returns the content bytes fetched.
func (s *Status) BytesFetched() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// FetchedURLs returns the fetched urls when recording all urls.
func (s *Status) FetchedURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.fetched.urls...)
}

// ParsedURLs returns the parsed urls when recording all urls.
func (s *Status) ParsedURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.parsed.urls...)
}

// ExcludedURLs returns the retained excluded urls with their reasons.
func (s *Status) ExcludedURLs() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.excluded))
	for k, v := range s.excluded {
		out[k] = v
	}
	return out
}

// PendingURLs returns the pending urls in lexical order.
func (s *Status) PendingURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pending))
	for u := range s.pending {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Errors returns per-url errors in the order they were first seen.
func (s *Status) Errors() []URLError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]URLError, 0, len(s.errorOrder))
	for _, u := range s.errorOrder {
		out = append(out, s.errors[u])
	}
	return out
}

// MimeCounts returns the url count per media type.
func (s *Status) MimeCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.mimes))
	for k, v := range s.mimes {
		out[k] = v.count
	}
	return out
}
