package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	uuidgen "github.com/JakeFAU/au-crawler/internal/id/uuid"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/permission"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/progress"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/store"
	"github.com/JakeFAU/au-crawler/internal/window"
)

// Errors returned by New.
var (
	ErrNilAU          = errors.New("archival unit is required")
	ErrNoRepairURLs   = errors.New("repair crawl requires at least one url")
	ErrMissingDeps    = errors.New("fetcher and repository are required")
	ErrAlreadyStarted = errors.New("crawl already started")
)

// Crawler runs one crawl of one archival unit. Crawl may be called once;
// Abort, SetDeadline and Status are safe from other goroutines.
type Crawler struct {
	au     crawler.ArchivalUnit
	req    Request
	cfg    Config
	deps   Deps
	clock  Clock
	logger *zap.Logger
	status *status.Status

	crawlID      [16]byte
	less         Comparator
	refetchDepth int
	followLinks  bool

	started  atomic.Bool
	aborted  atomic.Bool
	deadline atomic.Int64

	// Loop state, owned by the goroutine running Crawl.
	limiter     *ratelimit.Limiter
	perms       *permission.Map
	queue       *Queue
	nodes       map[string]*URLData
	tooDeep     map[string]*URLData
	parsed      map[string]struct{}
	startURLs   map[string]struct{}
	permBodies  map[string]crawler.FetchResult
	excluded    *cache.Cache
	seq         uint64
	hasURLError bool
	errCode     crawler.StatusCode
	errMsg      string
}

// New prepares a crawl of au.
func New(au crawler.ArchivalUnit, req Request, cfg Config, deps Deps) (*Crawler, error) {
	if au == nil {
		return nil, ErrNilAU
	}
	if req.Type == "" {
		req.Type = crawler.CrawlNewContent
	}
	if req.Type == crawler.CrawlRepair && len(req.RepairURLs) == 0 {
		return nil, ErrNoRepairURLs
	}
	if deps.Fetcher == nil || deps.Repository == nil {
		return nil, ErrMissingDeps
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuidgen.NewUUIDGenerator()
	}
	if deps.Limiters == nil {
		reg, err := ratelimit.NewRegistry(DefaultFetchRate, deps.Clock)
		if err != nil {
			return nil, fmt.Errorf("build fetch limiters: %w", err)
		}
		deps.Limiters = reg
	}
	if deps.Permissions == nil {
		deps.Permissions = permission.NewEngine(permission.Config{}, nil, deps.Logger)
	}

	comparatorName := au.CrawlURLComparator()
	if comparatorName == "" {
		comparatorName = cfg.Comparator
	}
	less, err := ComparatorByName(comparatorName)
	if err != nil {
		return nil, err
	}

	key := req.Key
	if key == "" {
		key, err = deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate crawl key: %w", err)
		}
		req.Key = key
	}
	id, err := uuid.Parse(key)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key))
	}

	refetchDepth := au.RefetchDepth()
	if cfg.RefetchDepth > 0 {
		refetchDepth = cfg.RefetchDepth
	}

	opts := cfg.Status
	opts.URLStems = au.URLStems()
	opts.Clock = deps.Clock
	st := status.New(key, au.AUID(), au.Name(), req.Type, opts)
	st.SetPriority(req.Priority)
	st.SetRefetchDepth(refetchDepth)
	if req.Type == crawler.CrawlRepair {
		st.SetStartURLs(req.RepairURLs)
	} else {
		st.SetStartURLs(au.StartURLs())
	}

	c := &Crawler{
		au:           au,
		req:          req,
		cfg:          cfg,
		deps:         deps,
		clock:        deps.Clock,
		status:       st,
		crawlID:      progress.UUIDToBytes(id),
		less:         less,
		refetchDepth: refetchDepth,
		followLinks:  req.Type != crawler.CrawlRepair,
		queue:        NewQueue(less),
		nodes:        make(map[string]*URLData),
		tooDeep:      make(map[string]*URLData),
		parsed:       make(map[string]struct{}),
		startURLs:    make(map[string]struct{}),
		permBodies:   make(map[string]crawler.FetchResult),
		excluded:     cache.New(cfg.ExcludedCacheTTL, 2*cfg.ExcludedCacheTTL),
	}
	c.logger = deps.Logger.Named("frontier").With(
		zap.String("auid", au.AUID()),
		zap.String("crawl_key", key),
		zap.String("crawl_type", string(req.Type)),
	)
	return c, nil
}

// Key returns the crawl key.
func (c *Crawler) Key() string { return c.req.Key }

// AU returns the unit being crawled.
func (c *Crawler) AU() crawler.ArchivalUnit { return c.au }

// Type returns the crawl type.
func (c *Crawler) Type() crawler.CrawlType { return c.req.Type }

// Status returns the crawl's observable status.
func (c *Crawler) Status() *status.Status { return c.status }

// Abort asks the crawl to stop at its next checkpoint. In-flight fetches
// finish first.
func (c *Crawler) Abort() {
	if !c.aborted.Swap(true) {
		c.logger.Info("crawl abort requested")
	}
}

// IsAborted reports whether Abort was called.
func (c *Crawler) IsAborted() bool { return c.aborted.Load() }

// SetDeadline stops the crawl at its next checkpoint after t.
func (c *Crawler) SetDeadline(t time.Time) {
	c.deadline.Store(t.UnixNano())
}

func (c *Crawler) pastDeadline(now time.Time) bool {
	d := c.deadline.Load()
	return d != 0 && now.UnixNano() >= d
}

// Crawl runs the crawl to completion and reports whether it succeeded.
// Collaborator panics are recovered and reported as an ERROR status.
func (c *Crawler) Crawl(ctx context.Context) (ok bool) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("crawl already started", zap.Error(ErrAlreadyStarted))
		return false
	}
	start := c.clock.Now()
	c.status.SignalCrawlStarted()
	if c.req.Type == crawler.CrawlNewContent {
		c.au.State().NewCrawlStarted(start)
	}
	c.emit(progress.Event{Stage: progress.StageCrawlStart, CrawlType: string(c.req.Type), TS: start})
	c.logger.Info("crawl started")

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("crawl panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.status.SetCrawlStatus(crawler.StatusError, fmt.Sprintf("Aborted: %v", r))
			ok = false
		}
		c.finish(ctx, start)
	}()

	if c.aborted.Load() {
		c.status.SetCrawlStatus(crawler.StatusAborted, crawler.MsgAbortedBeforeStart)
		return false
	}
	code, msg := c.run(ctx)
	c.status.SetCrawlStatus(code, msg)
	return code == crawler.StatusSuccessful
}

func (c *Crawler) finish(ctx context.Context, start time.Time) {
	c.status.SignalCrawlEnded()
	end := c.clock.Now()
	code, msg := c.status.CrawlStatus()
	if c.req.Type == crawler.CrawlNewContent {
		c.au.State().NewCrawlFinished(code, msg, end)
	}
	dur := end.Sub(start)
	metrics.ObserveCrawl(string(c.req.Type), code.String(), dur)

	stage := progress.StageCrawlDone
	if !code.IsSuccess() {
		stage = progress.StageCrawlError
	}
	c.emit(progress.Event{Stage: stage, TS: end, Dur: dur, Result: code.String(), Note: msg})
	c.raiseAlert(ctx, code, msg, end)

	c.logger.Info("crawl finished",
		zap.String("status", code.String()),
		zap.String("message", msg),
		zap.Int("fetched", c.status.NumFetched()),
		zap.Int("parsed", c.status.NumParsed()),
		zap.Int("errors", c.status.NumErrors()),
		zap.Duration("duration", dur),
	)
}

func (c *Crawler) run(ctx context.Context) (crawler.StatusCode, string) {
	if !window.CanCrawl(c.au.CrawlWindow(), c.clock.Now()) {
		return crawler.StatusWindowClosed, ""
	}
	limiter, err := c.deps.Limiters.ForAU(c.au)
	if err != nil {
		c.logger.Error("build fetch limiter", zap.Error(err))
		return crawler.StatusPluginError, err.Error()
	}
	c.limiter = limiter

	res := c.deps.Permissions.Populate(ctx, permission.Request{
		URLs:     c.au.PermissionURLs(),
		Checkers: c.au.PermissionCheckers(),
		Fetch:    c.fetchPermissionPage,
		Window:   c.au.CrawlWindow(),
		Clock:    c.clock,
		Aborted:  c.aborted.Load,
		Status:   c.status,
	})
	c.perms = res.Map
	if !res.Granted() {
		c.logger.Warn("crawl permission not granted",
			zap.String("status", res.Code.String()),
			zap.String("message", res.Message),
		)
		return res.Code, res.Message
	}

	c.seed(ctx)
	return c.loop(ctx)
}

func (c *Crawler) seed(ctx context.Context) {
	if c.req.Type == crawler.CrawlRepair {
		for _, u := range c.req.RepairURLs {
			c.addSeed(u, 0)
		}
		return
	}
	for _, u := range c.au.StartURLs() {
		if n := c.addSeed(u, 0); n != "" {
			c.startURLs[n] = struct{}{}
		}
	}
	if !c.cfg.PersistCrawlList || c.deps.CrawlLists == nil {
		return
	}
	auid := c.au.AUID()
	entries, err := c.deps.CrawlLists.LoadCrawlList(ctx, auid)
	if err != nil {
		c.logger.Warn("load persisted crawl list", zap.Error(err))
		return
	}
	for _, e := range entries {
		if c.au.ShouldBeCached(e.URL) {
			c.addSeed(e.URL, e.Depth)
		}
	}
	if len(entries) > 0 {
		c.logger.Info("resumed persisted crawl list", zap.Int("urls", len(entries)))
		if err := c.deps.CrawlLists.DeleteCrawlList(ctx, auid); err != nil {
			c.logger.Warn("delete persisted crawl list", zap.Error(err))
		}
	}
}

// addSeed queues url at depth and returns its normalized form, "" when the
// url is unusable.
func (c *Crawler) addSeed(rawURL string, depth int) string {
	u, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		c.logger.Warn("invalid seed url", zap.String("url", rawURL), zap.Error(err))
		c.status.SignalErrorForURL(rawURL, err.Error(), crawler.SeverityWarning)
		return ""
	}
	if node, ok := c.nodes[u]; ok {
		node.ReduceDepth(depth, c.onDepthReduced)
		return u
	}
	c.enqueue(c.newNode(u, depth))
	return u
}

func (c *Crawler) newNode(url string, depth int) *URLData {
	c.seq++
	node := NewURLData(url, depth, c.seq)
	c.nodes[url] = node
	return node
}

func (c *Crawler) enqueue(node *URLData) {
	if node.depth > c.cfg.MaxCrawlDepth {
		c.tooDeep[node.url] = node
		return
	}
	c.queue.Push(node)
	c.status.AddPendingURL(node.url)
}

// onDepthReduced keeps the queue consistent when a node moves closer to
// the start urls.
func (c *Crawler) onDepthReduced(node *URLData, from int) {
	if _, held := c.tooDeep[node.url]; held {
		if node.depth <= c.cfg.MaxCrawlDepth {
			delete(c.tooDeep, node.url)
			c.enqueue(node)
		}
		return
	}
	if c.queue.Contains(node) {
		c.queue.Fix(node)
		return
	}
	if node.processed && !node.fetched && !node.failedFetch &&
		from >= c.refetchDepth && node.depth < c.refetchDepth {
		c.enqueue(node)
	}
}

func (c *Crawler) loop(ctx context.Context) (crawler.StatusCode, string) {
	for c.queue.Len() > 0 {
		if c.aborted.Load() || ctx.Err() != nil {
			return crawler.StatusAborted, "Crawl aborted"
		}
		now := c.clock.Now()
		if c.pastDeadline(now) {
			return crawler.StatusAborted, "Crawl deadline passed"
		}
		if !window.CanCrawl(c.au.CrawlWindow(), now) {
			c.persistQueue(ctx)
			return crawler.StatusWindowClosed, ""
		}
		node := c.queue.Pop()
		c.status.RemovePendingURL(node.url)
		if node.failedFetch {
			continue
		}
		if code, msg, fatal := c.process(ctx, node); fatal {
			return code, msg
		}
	}
	if len(c.tooDeep) > 0 {
		c.logger.Warn("urls beyond max crawl depth", zap.Int("count", len(c.tooDeep)))
		return crawler.StatusError, fmt.Sprintf("Site depth exceeds max crawl depth (%d)", c.cfg.MaxCrawlDepth)
	}
	if c.hasURLError {
		return c.errCode, c.errMsg
	}
	return crawler.StatusSuccessful, ""
}

func (c *Crawler) persistQueue(ctx context.Context) {
	if !c.cfg.PersistCrawlList || c.deps.CrawlLists == nil {
		return
	}
	nodes := c.queue.Drain()
	entries := make([]store.CrawlListEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, store.CrawlListEntry{URL: n.url, Depth: n.depth})
	}
	if err := c.deps.CrawlLists.SaveCrawlList(context.WithoutCancel(ctx), c.au.AUID(), entries); err != nil {
		c.logger.Warn("persist crawl list", zap.Error(err))
		return
	}
	c.logger.Info("persisted crawl list", zap.Int("urls", len(entries)))
}

// noteURLError remembers the first non-fatal failure; it becomes the crawl
// result if nothing worse happens.
func (c *Crawler) noteURLError(code crawler.StatusCode, msg string) {
	if c.hasURLError {
		return
	}
	c.hasURLError, c.errCode, c.errMsg = true, code, msg
}

func (c *Crawler) isStartURL(url string) bool {
	_, ok := c.startURLs[url]
	return ok
}

func (c *Crawler) raiseAlert(ctx context.Context, code crawler.StatusCode, msg string, at time.Time) {
	if c.deps.Alerts == nil {
		return
	}
	var kind crawler.AlertKind
	switch code {
	case crawler.StatusSuccessful:
		kind = crawler.AlertCrawlFinished
	case crawler.StatusNoPubPermission:
		kind = crawler.AlertNoPermission
	case crawler.StatusAborted, crawler.StatusWindowClosed:
		return
	default:
		kind = crawler.AlertCrawlFailed
	}
	alert := crawler.Alert{
		Kind:      kind,
		AUID:      c.au.AUID(),
		AUName:    c.au.Name(),
		CrawlType: c.req.Type,
		Status:    code.String(),
		Message:   msg,
		RaisedAt:  at,
	}
	if err := c.deps.Alerts.Raise(context.WithoutCancel(ctx), alert); err != nil {
		c.logger.Warn("raise crawl alert", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (c *Crawler) emit(evt progress.Event) {
	if c.deps.Progress == nil {
		return
	}
	evt.CrawlID = c.crawlID
	evt.AUID = c.au.AUID()
	if evt.TS.IsZero() {
		evt.TS = c.clock.Now()
	}
	c.deps.Progress.Emit(evt)
}
