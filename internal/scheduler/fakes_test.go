package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/clock/manual"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/frontier"
	"github.com/JakeFAU/au-crawler/internal/status"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testAU struct {
	auid     string
	rateKey  string
	registry bool
	created  time.Time
	window   crawler.Window
	state    *crawler.AUState
}

func newTestAU(auid, rateKey string) *testAU {
	return &testAU{
		auid:    auid,
		rateKey: rateKey,
		state:   crawler.NewAUState(time.Time{}, time.Time{}, crawler.StatusUnknown, ""),
	}
}

func (a *testAU) AUID() string { return a.auid }
func (a *testAU) Name() string { return "AU " + a.auid }
func (a *testAU) StartURLs() []string { return []string{"http://" + a.auid + ".org/"} }
func (a *testAU) PermissionURLs() []string { return a.StartURLs() }
func (a *testAU) URLStems() []string { return a.StartURLs() }
func (a *testAU) ShouldBeCached(string) bool { return true }
func (a *testAU) RefetchDepth() int { return 1 }
func (a *testAU) CrawlWindow() crawler.Window { return a.window }
func (a *testAU) FetchRateLimiterKey() string { return a.rateKey }
func (a *testAU) CrawlURLComparator() string { return "" }
func (a *testAU) IsRegistryAU() bool { return a.registry }
func (a *testAU) CreationTime() time.Time { return a.created }
func (a *testAU) State() *crawler.AUState { return a.state }
func (a *testAU) NewContentCrawlInterval() time.Duration {
	return 24 * time.Hour
}

func (a *testAU) RateLimiterInfo() crawler.RateLimiterInfo {
	return crawler.RateLimiterInfo{Rate: "unlimited"}
}

func (a *testAU) LinkExtractor(string) crawler.LinkExtractor { return nil }

func (a *testAU) PermissionCheckers() []crawler.PermissionChecker { return nil }

type staticRegistry struct {
	aus     []crawler.ArchivalUnit
	started bool
}

func (r *staticRegistry) AllAUs() []crawler.ArchivalUnit { return r.aus }
func (r *staticRegistry) AUsStarted() bool { return r.started }

// fakeLock and fakeRegulator hand out one lock per unit.
type fakeLock struct {
	reg      *fakeRegulator
	auid     string
	activity crawler.Activity
	expired  atomic.Bool
}

func (l *fakeLock) Activity() crawler.Activity { return l.activity }
func (l *fakeLock) AUID() string { return l.auid }
func (l *fakeLock) IsExpired() bool { return l.expired.Load() }
func (l *fakeLock) Extend(time.Duration) {}

func (l *fakeLock) Expire() {
	if l.expired.Swap(true) {
		return
	}
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	if l.reg.held[l.auid] == l {
		delete(l.reg.held, l.auid)
	}
}

type fakeRegulator struct {
	mu   sync.Mutex
	held map[string]*fakeLock
}

func newFakeRegulator() *fakeRegulator {
	return &fakeRegulator{held: make(map[string]*fakeLock)}
}

func (r *fakeRegulator) Acquire(auid string, activity crawler.Activity, _ time.Duration) crawler.Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[auid]; ok {
		return nil
	}
	l := &fakeLock{reg: r, auid: auid, activity: activity}
	r.held[auid] = l
	return l
}

// fakeCrawl runs until released or aborted, then returns result.
type fakeCrawl struct {
	st      *status.Status
	release chan struct{}
	aborted chan struct{}
	once    sync.Once
	result  bool
	run     func()
}

func (c *fakeCrawl) Crawl(ctx context.Context) bool {
	c.st.SignalCrawlStarted()
	defer c.st.SignalCrawlEnded()
	if c.run != nil {
		c.run()
	}
	if c.release == nil {
		return c.result
	}
	select {
	case <-c.release:
		return c.result
	case <-c.aborted:
		c.st.SetCrawlStatus(crawler.StatusAborted, "")
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *fakeCrawl) Abort() {
	c.once.Do(func() { close(c.aborted) })
}

func (c *fakeCrawl) Status() *status.Status { return c.st }

// crawlFactory records the crawls it builds.
type crawlFactory struct {
	mu      sync.Mutex
	release chan struct{}
	result  bool
	run     func(au crawler.ArchivalUnit)
	crawls  []*fakeCrawl
	seq     int
}

func newCrawlFactory(block bool) *crawlFactory {
	f := &crawlFactory{result: true}
	if block {
		f.release = make(chan struct{})
	}
	return f
}

func (f *crawlFactory) New(au crawler.ArchivalUnit, req frontier.Request) (Crawl, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c := &fakeCrawl{
		st:      status.New(fmt.Sprintf("%s-%d", au.AUID(), f.seq), au.AUID(), au.Name(), req.Type, status.Options{}),
		release: f.release,
		aborted: make(chan struct{}),
		result:  f.result,
	}
	if f.run != nil {
		c.run = func() { f.run(au) }
	}
	f.crawls = append(f.crawls, c)
	return c, nil
}

func (f *crawlFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.crawls)
}

type outcome struct {
	success   bool
	suspended bool
	cookie    any
	status    *status.Status
}

// recorder collects callback outcomes.
type recorder struct {
	mu  sync.Mutex
	out []outcome
	wg  *sync.WaitGroup
}

func (r *recorder) CrawlAttemptCompleted(success bool, cookie any, st *status.Status) {
	r.mu.Lock()
	r.out = append(r.out, outcome{success: success, cookie: cookie, status: st})
	r.mu.Unlock()
	if r.wg != nil {
		r.wg.Done()
	}
}

func (r *recorder) CrawlSuspended(cookie any) {
	r.mu.Lock()
	r.out = append(r.out, outcome{suspended: true, cookie: cookie})
	r.mu.Unlock()
	if r.wg != nil {
		r.wg.Done()
	}
}

func (r *recorder) Outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.out...)
}

func (r *recorder) For(cookie any) (outcome, bool) {
	for _, o := range r.Outcomes() {
		if o.cookie == cookie {
			return o, true
		}
	}
	return outcome{}, false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ODC = false
	cfg.StartCrawls = false
	cfg.StartCrawlsInitialDelay = 0
	cfg.NewContentStartRate = "unlimited"
	cfg.MinWindowOpenFor = 0
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, factory *crawlFactory, reg Registry) (*Scheduler, *manual.Clock) {
	t.Helper()
	clk := manual.New(epoch)
	s, err := New(cfg, Deps{
		Registry:  reg,
		Regulator: newFakeRegulator(),
		NewCrawl:  factory.New,
		Statuses:  status.NewSource(10),
		Clock:     clk,
	})
	require.NoError(t, err)
	return s, clk
}
