package frontier

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/store"
)

const permissionText = "permission granted"

type testAU struct {
	auid         string
	start        []string
	perms        []string
	prefix       string
	refetchDepth int
	window       crawler.Window
	comparator   string
	checkers     []crawler.PermissionChecker
	extractor    *lineExtractor
	state        *crawler.AUState
}

func newTestAU(start string) *testAU {
	return &testAU{
		auid:         "org|test|au1",
		start:        []string{start},
		perms:        []string{start},
		prefix:       "http://a.org/",
		refetchDepth: 1000,
		checkers:     []crawler.PermissionChecker{containsChecker{}},
		extractor:    newLineExtractor(),
		state:        crawler.NewAUState(time.Time{}, time.Time{}, crawler.StatusUnknown, ""),
	}
}

func (a *testAU) AUID() string { return a.auid }
func (a *testAU) Name() string { return "Test AU" }
func (a *testAU) StartURLs() []string { return a.start }
func (a *testAU) PermissionURLs() []string { return a.perms }
func (a *testAU) URLStems() []string { return []string{a.prefix} }
func (a *testAU) ShouldBeCached(u string) bool { return strings.HasPrefix(u, a.prefix) }
func (a *testAU) RefetchDepth() int { return a.refetchDepth }
func (a *testAU) CrawlWindow() crawler.Window { return a.window }
func (a *testAU) FetchRateLimiterKey() string { return "" }
func (a *testAU) CrawlURLComparator() string { return a.comparator }
func (a *testAU) IsRegistryAU() bool { return false }
func (a *testAU) CreationTime() time.Time { return time.Time{} }
func (a *testAU) State() *crawler.AUState { return a.state }
func (a *testAU) NewContentCrawlInterval() time.Duration {
	return 24 * time.Hour
}

func (a *testAU) RateLimiterInfo() crawler.RateLimiterInfo {
	return crawler.RateLimiterInfo{Rate: "unlimited"}
}

func (a *testAU) LinkExtractor(mimeType string) crawler.LinkExtractor {
	if mimeType != "text/html" || a.extractor == nil {
		return nil
	}
	return a.extractor
}

func (a *testAU) PermissionCheckers() []crawler.PermissionChecker { return a.checkers }

type containsChecker struct{}

func (containsChecker) Name() string { return "contains" }

func (containsChecker) CheckPermission(_ context.Context, r io.Reader, _ string) bool {
	body, err := io.ReadAll(r)
	return err == nil && bytes.Contains(body, []byte(permissionText))
}

// lineExtractor treats every line starting with "link " as a link.
type lineExtractor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newLineExtractor() *lineExtractor {
	return &lineExtractor{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (e *lineExtractor) Extract(_ context.Context, r io.Reader, _ string, srcURL string, emit func(string)) error {
	e.mu.Lock()
	e.calls[srcURL]++
	fail := e.fail[srcURL]
	e.mu.Unlock()
	if fail {
		return errors.New("malformed page")
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if link, ok := strings.CutPrefix(sc.Text(), "link "); ok {
			emit(link)
		}
	}
	return sc.Err()
}

func (e *lineExtractor) Calls(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[url]
}

type page struct {
	body        string
	contentType string
	finalURL    string
}

// fakeFetcher serves pages and scripted failures. Failures queued for a
// url are returned before its page.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string][]page
	errs    map[string][]error
	calls   map[string]int
	order   []string
	onFetch func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string][]page),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// html registers a page whose body links to each of links.
func (f *fakeFetcher) html(url string, links ...string) {
	var b strings.Builder
	b.WriteString(permissionText + "\n")
	for _, l := range links {
		b.WriteString("link " + l + "\n")
	}
	f.pages[url] = []page{{body: b.String(), contentType: "text/html; charset=utf-8"}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.order = append(f.order, req.URL)
	hook := f.onFetch
	var err error
	if errs := f.errs[req.URL]; len(errs) > 0 {
		err, f.errs[req.URL] = errs[0], errs[1:]
	}
	pages := f.pages[req.URL]
	var p page
	found := len(pages) > 0
	if found {
		p = pages[0]
		if len(pages) > 1 {
			f.pages[req.URL] = pages[1:]
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if !found {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.KindUnretryable, URL: req.URL, StatusCode: 404}
	}
	return crawler.FetchResult{
		URL:         req.URL,
		FinalURL:    p.finalURL,
		StatusCode:  200,
		ContentType: p.contentType,
		Body:        []byte(p.body),
	}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type fakeRepo struct {
	mu        sync.Mutex
	content   map[string]crawler.FetchResult
	failStore bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{content: make(map[string]crawler.FetchResult)}
}

func (r *fakeRepo) put(url, contentType, body string) {
	r.content[url] = crawler.FetchResult{URL: url, ContentType: contentType, Body: []byte(body)}
}

func (r *fakeRepo) Stat(_ context.Context, _ string, url string) (crawler.ContentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.content[url]
	if !ok {
		return crawler.ContentInfo{}, crawler.ErrNotStored
	}
	return crawler.ContentInfo{URL: url, ContentType: res.ContentType, Size: int64(len(res.Body))}, nil
}

func (r *fakeRepo) Store(_ context.Context, _ string, res crawler.FetchResult) (crawler.ContentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStore {
		return crawler.ContentInfo{}, errors.New("disk full")
	}
	r.content[res.URL] = res
	return crawler.ContentInfo{URL: res.URL, ContentType: res.ContentType, Size: int64(len(res.Body))}, nil
}

func (r *fakeRepo) Open(_ context.Context, _ string, url string) (io.ReadCloser, crawler.ContentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.content[url]
	if !ok {
		return nil, crawler.ContentInfo{}, crawler.ErrNotStored
	}
	info := crawler.ContentInfo{URL: url, ContentType: res.ContentType, Size: int64(len(res.Body))}
	return io.NopCloser(bytes.NewReader(res.Body)), info, nil
}

func (r *fakeRepo) Has(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.content[url]
	return ok
}

type fakeCrawlLists struct {
	mu      sync.Mutex
	lists   map[string][]store.CrawlListEntry
	deleted []string
}

func newFakeCrawlLists() *fakeCrawlLists {
	return &fakeCrawlLists{lists: make(map[string][]store.CrawlListEntry)}
}

func (f *fakeCrawlLists) SaveCrawlList(_ context.Context, auid string, entries []store.CrawlListEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[auid] = entries
	return nil
}

func (f *fakeCrawlLists) LoadCrawlList(_ context.Context, auid string) ([]store.CrawlListEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[auid], nil
}

func (f *fakeCrawlLists) DeleteCrawlList(_ context.Context, auid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, auid)
	f.deleted = append(f.deleted, auid)
	return nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []crawler.Alert
}

func (r *recordingAlerts) Raise(_ context.Context, a crawler.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerts) Kinds() []crawler.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawler.AlertKind, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type countingWatchdog struct {
	mu    sync.Mutex
	pokes int
}

func (w *countingWatchdog) Poke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pokes++
}

func (w *countingWatchdog) Pokes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pokes
}

// openFor is a crawl window that allows the first n checks.
type openFor struct {
	mu sync.Mutex
	n  int
}

func (w *openFor) CanCrawl(time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n <= 0 {
		return false
	}
	w.n--
	return true
}
