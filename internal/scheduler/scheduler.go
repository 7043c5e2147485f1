package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/frontier"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/window"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// ReasonCancelled is reported for a request withdrawn by CancelAuCrawls.
const ReasonCancelled = "Request cancelled"

type limiterKey struct {
	auid      string
	crawlType crawler.CrawlType
}

// run is a request admitted to the pool.
type run struct {
	req     *Request
	lock    crawler.Lock
	crawl   Crawl
	aborted bool
}

// Scheduler owns the crawl pool and everything that decides what runs on
// it. All mutable state is guarded by mu.
type Scheduler struct {
	cfg    Config
	deps   Deps
	clock  Clock
	logger *zap.Logger
	pool   *Pool
	prio   priorityCmp

	newContentRate  ratelimit.Rate
	repairRate      ratelimit.Rate
	newContentStart *ratelimit.EventLimiter

	mu          sync.Mutex
	enabled     bool
	started     bool
	stopped     bool
	limiters    map[limiterKey]*ratelimit.EventLimiter
	running     map[string]*run
	runningKeys map[string]int
	keyGen      uint64
	odc         odcState

	// Owned by the starter goroutine.
	startOrder []crawler.ArchivalUnit
	startPos   int

	wake      chan struct{}
	runCtx    context.Context
	cancel    context.CancelFunc
	starterWG sync.WaitGroup
}

// New builds a scheduler. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate scheduler config: %w", err)
	}
	if deps.NewCrawl == nil {
		return nil, errors.New("crawler factory is required")
	}
	if deps.Regulator == nil {
		return nil, errors.New("activity regulator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.CrawlOrder == "" {
		cfg.CrawlOrder = OrderCrawlDate
	}
	newContentRate, err := ratelimit.ParseRate(cfg.MaxNewContentRate)
	if err != nil {
		return nil, fmt.Errorf("parse new content rate: %w", err)
	}
	repairRate, err := ratelimit.ParseRate(cfg.MaxRepairRate)
	if err != nil {
		return nil, fmt.Errorf("parse repair rate: %w", err)
	}
	startRate, err := ratelimit.ParseRate(cfg.NewContentStartRate)
	if err != nil {
		return nil, fmt.Errorf("parse new content start rate: %w", err)
	}
	prio := priorityCmp{order: cfg.CrawlOrder, restartAfterCrash: cfg.RestartAfterCrash}
	return &Scheduler{
		cfg:             cfg,
		deps:            deps,
		clock:           deps.Clock,
		logger:          deps.Logger.Named("scheduler"),
		pool:            NewPool(cfg.PoolSize, cfg.queueSize()),
		prio:            prio,
		newContentRate:  newContentRate,
		repairRate:      repairRate,
		newContentStart: ratelimit.NewEventLimiter(startRate, deps.Clock),
		enabled:         cfg.Enabled,
		limiters:        make(map[limiterKey]*ratelimit.EventLimiter),
		running:         make(map[string]*run),
		runningKeys:     make(map[string]int),
		odc:             newODCState(cfg, prio),
		wake:            make(chan struct{}, 1),
	}, nil
}

// Start launches the pool workers and, when configured, the crawl
// starter. Crawls started before Start wait in the pool queue.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.pool.Start(s.runCtx)
	if s.cfg.StartCrawls {
		s.starterWG.Add(1)
		go func() {
			defer s.starterWG.Done()
			s.starter(s.runCtx)
		}()
	}
	s.logger.Info("scheduler started",
		zap.Bool("odc", s.cfg.ODC),
		zap.Int("pool_size", s.cfg.PoolSize),
		zap.Int("queue_size", s.cfg.queueSize()),
	)
	return nil
}

// Stop aborts running crawls, waits for them to finish and reports every
// request that never ran as suspended.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	var crawls []Crawl
	for _, r := range s.running {
		r.aborted = true
		if r.crawl != nil {
			crawls = append(crawls, r.crawl)
		}
	}
	pending := s.odc.takeHighPriority()
	s.odc.clearQueues()
	s.mu.Unlock()

	for _, c := range crawls {
		c.Abort()
	}
	s.cancel()

	done := make(chan []Task, 1)
	go func() { done <- s.pool.Stop() }()
	select {
	case drained := <-done:
		for _, t := range drained {
			// The run context is cancelled, so the task only cleans up.
			t(s.runCtx)
		}
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
	s.starterWG.Wait()
	for _, r := range pending {
		r.suspend()
	}
	s.logger.Info("scheduler stopped", zap.Int("suspended_requests", len(pending)))
	return nil
}

// SetEnabled turns crawl starting on or off. Running crawls continue.
func (s *Scheduler) SetEnabled(on bool) {
	s.mu.Lock()
	changed := s.enabled != on
	s.enabled = on
	s.mu.Unlock()
	if changed {
		s.logger.Info("crawler enable switch changed", zap.Bool("enabled", on))
		s.signalWake()
	}
}

// Enabled reports the crawler enable switch.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Scheduler) prepare(req *Request, t crawler.CrawlType) error {
	if req.AU == nil {
		return ErrNilAU
	}
	if req.AU.State() == nil {
		return ErrNoState
	}
	if t == crawler.CrawlRepair && len(req.RepairURLs) == 0 {
		return ErrNoRepairURLs
	}
	req.Type = t
	if req.RateKey == "" {
		req.RateKey = rateKeyOf(req.AU)
	}
	return nil
}

// StartNewContentCrawl requests a new-content crawl. Precondition errors
// are returned; every other outcome goes to the request's callback. In
// on-demand mode the request is queued with high priority.
func (s *Scheduler) StartNewContentCrawl(req Request) error {
	r := &req
	if err := s.prepare(r, crawler.CrawlNewContent); err != nil {
		return err
	}
	if !s.Enabled() {
		s.refuse(r, &AdmissionError{AUID: r.AUID(), Reason: ReasonDisabled})
		return nil
	}
	if s.cfg.ODC {
		s.enqueueHighPriority(r)
		return nil
	}
	s.admit(r)
	return nil
}

// StartRepair requests a repair crawl of req.RepairURLs. Repairs bypass
// the on-demand queue.
func (s *Scheduler) StartRepair(req Request) error {
	r := &req
	if err := s.prepare(r, crawler.CrawlRepair); err != nil {
		return err
	}
	if !s.Enabled() {
		s.refuse(r, &AdmissionError{AUID: r.AUID(), Reason: ReasonDisabled})
		return nil
	}
	s.admit(r)
	return nil
}

// admit runs the admission gate and hands the request to the pool without
// waiting.
func (s *Scheduler) admit(r *Request) {
	if err := s.CheckEligible(r.AU, r.Type); err != nil {
		s.refuse(r, err)
		return
	}
	if err := s.handToPool(context.Background(), r, false); err != nil {
		s.refuse(r, err)
	}
}

func (s *Scheduler) refuse(r *Request, err error) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		metrics.ObserveAdmissionFailure(ae.Reason)
		s.logger.Info("crawl not admitted",
			zap.String("auid", r.AUID()),
			zap.String("crawl_type", string(r.Type)),
			zap.String("reason", ae.Reason),
			zap.String("detail", ae.Detail),
		)
	} else {
		s.logger.Warn("crawl not started", zap.String("auid", r.AUID()), zap.Error(err))
	}
	r.complete(false, nil)
}

// CheckEligible applies the admission gate, apart from the activity lock,
// to a crawl of au starting now. The result is an *AdmissionError.
func (s *Scheduler) CheckEligible(au crawler.ArchivalUnit, t crawler.CrawlType) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eligibleLocked(au, t, now); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) eligibleLocked(au crawler.ArchivalUnit, t crawler.CrawlType, now time.Time) *AdmissionError {
	auid := au.AUID()
	if _, ok := s.running[auid]; ok {
		return &AdmissionError{AUID: auid, Reason: ReasonCrawling}
	}
	if !window.OpenFor(au.CrawlWindow(), now, s.cfg.MinWindowOpenFor) {
		return &AdmissionError{AUID: auid, Reason: ReasonWindowClosed}
	}
	if lim := s.limiterLocked(auid, t); !lim.IsEventOK(now) {
		return &AdmissionError{AUID: auid, Reason: ReasonStartRate, Detail: lim.Rate().String()}
	}
	return nil
}

// limiterLocked returns the per-unit start limiter for crawls of type t.
func (s *Scheduler) limiterLocked(auid string, t crawler.CrawlType) *ratelimit.EventLimiter {
	key := limiterKey{auid: auid, crawlType: t}
	lim, ok := s.limiters[key]
	if !ok {
		r := s.newContentRate
		if t == crawler.CrawlRepair {
			r = s.repairRate
		}
		lim = ratelimit.NewEventLimiter(r, s.clock)
		s.limiters[key] = lim
	}
	return lim
}

func (s *Scheduler) startLimiter(auid string, t crawler.CrawlType) *ratelimit.EventLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiterLocked(auid, t)
}

// handToPool reserves the unit, takes its activity lock and submits the
// crawl. With wait set it blocks until a worker is free.
func (s *Scheduler) handToPool(ctx context.Context, req *Request, wait bool) error {
	auid := req.AUID()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrPoolStopped
	}
	if req.inactive {
		s.mu.Unlock()
		return &AdmissionError{AUID: auid, Reason: ReasonCancelled}
	}
	if _, ok := s.running[auid]; ok {
		s.mu.Unlock()
		return &AdmissionError{AUID: auid, Reason: ReasonCrawling}
	}
	lock := req.Lock
	if lock == nil || lock.IsExpired() {
		lock = s.deps.Regulator.Acquire(auid, crawler.ActivityFor(req.Type), s.cfg.LockExpiration)
	} else {
		lock.Extend(s.cfg.LockExpiration)
	}
	if lock == nil {
		s.mu.Unlock()
		return &AdmissionError{AUID: auid, Reason: ReasonLocked}
	}
	r := &run{req: req, lock: lock}
	s.running[auid] = r
	s.addRunningKeyLocked(req.RateKey)
	s.mu.Unlock()

	task := func(ctx context.Context) { s.execute(ctx, r) }
	var err error
	if wait {
		err = s.pool.SubmitWait(ctx, task)
	} else {
		err = s.pool.Submit(task)
	}
	if err != nil {
		s.release(r)
		if errors.Is(err, ErrPoolFull) {
			metrics.ObservePoolRejection()
			return &AdmissionError{AUID: auid, Reason: ReasonPoolFull}
		}
		return fmt.Errorf("submit crawl: %w", err)
	}
	s.logger.Debug("crawl handed to pool",
		zap.String("auid", auid),
		zap.String("crawl_type", string(req.Type)),
		zap.String("rate_key", req.RateKey),
	)
	return nil
}

func (s *Scheduler) addRunningKeyLocked(key string) {
	s.runningKeys[key]++
	s.keyGen++
}

// release frees the lock and the unit's running slot.
func (s *Scheduler) release(r *run) {
	r.lock.Expire()
	s.mu.Lock()
	defer s.mu.Unlock()
	auid := r.req.AUID()
	if s.running[auid] != r {
		return
	}
	delete(s.running, auid)
	key := r.req.RateKey
	if s.runningKeys[key] <= 1 {
		delete(s.runningKeys, key)
	} else {
		s.runningKeys[key]--
	}
	s.keyGen++
}

// execute runs one admitted crawl on a pool worker. Collaborator panics are
// recovered and reported through the callback.
func (s *Scheduler) execute(ctx context.Context, r *run) {
	req := r.req
	au := req.AU
	logger := s.logger.With(zap.String("auid", au.AUID()), zap.String("crawl_type", string(req.Type)))
	if ctx.Err() != nil {
		s.release(r)
		req.suspend()
		return
	}

	var (
		success bool
		st      *status.Status
	)
	metrics.IncActiveCrawls()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("crawl runner panicked", zap.Any("panic", p), zap.Stack("stack"))
			success = false
		}
		metrics.DecActiveCrawls()
		s.release(r)
		if st != nil && s.deps.Statuses != nil {
			s.deps.Statuses.Finish(st)
		}
		req.complete(success, st)
		s.RebuildQueueSoon()
	}()

	if !s.Enabled() {
		logger.Warn("crawler disabled, not crawling")
		return
	}
	limiter := s.startLimiter(au.AUID(), req.Type)
	open := window.CanCrawl(au.CrawlWindow(), s.clock.Now())
	// A crawl about to stop at the window does not count against the rate.
	if open {
		limiter.Event(s.clock.Now())
	}
	if req.Type == crawler.CrawlNewContent {
		if err := s.newContentStart.Wait(ctx); err != nil {
			logger.Info("crawl start interrupted", zap.Error(err))
			if open {
				limiter.Unevent()
			}
			return
		}
	}

	c, err := s.deps.NewCrawl(au, frontier.Request{
		Type:       req.Type,
		Priority:   req.Priority,
		RepairURLs: req.RepairURLs,
	})
	if err != nil {
		logger.Error("create crawl", zap.Error(err))
		if open {
			limiter.Unevent()
		}
		return
	}
	st = c.Status()
	s.mu.Lock()
	r.crawl = c
	aborted := r.aborted
	s.mu.Unlock()
	if aborted {
		c.Abort()
	}
	if s.deps.Statuses != nil {
		s.deps.Statuses.Add(st)
	}

	success = c.Crawl(ctx)
	if !success && open && !window.CanCrawl(au.CrawlWindow(), s.clock.Now()) {
		// Cut short by the window: let it start again once the window opens.
		limiter.Unevent()
	}
}

// CancelAuCrawls aborts the running crawl of au, if any, and withdraws its
// queued requests. The abort is cooperative.
func (s *Scheduler) CancelAuCrawls(au crawler.ArchivalUnit) {
	auid := au.AUID()
	s.mu.Lock()
	var c Crawl
	if r, ok := s.running[auid]; ok {
		r.aborted = true
		c = r.crawl
	}
	removed := s.odc.removeAU(auid)
	s.mu.Unlock()
	if c != nil {
		c.Abort()
	}
	s.logger.Info("crawls cancelled",
		zap.String("auid", auid),
		zap.Bool("running", c != nil),
		zap.Int("dequeued", removed),
	)
}

// RunningCrawl describes a crawl holding a pool slot.
type RunningCrawl struct {
	AUID      string            `json:"auid"`
	AUName    string            `json:"au_name"`
	Type      crawler.CrawlType `json:"type"`
	RateKey   string            `json:"rate_key,omitempty"`
	StatusKey string            `json:"status_key,omitempty"`
	Aborted   bool              `json:"aborted"`
}

// RunningCrawls lists admitted crawls, running or waiting for a worker.
func (s *Scheduler) RunningCrawls() []RunningCrawl {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunningCrawl, 0, len(s.running))
	for auid, r := range s.running {
		rc := RunningCrawl{
			AUID:    auid,
			AUName:  r.req.AU.Name(),
			Type:    r.req.Type,
			RateKey: r.req.RateKey,
			Aborted: r.aborted,
		}
		if r.crawl != nil {
			rc.StatusKey = r.crawl.Status().Key()
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AUID < out[j].AUID })
	return out
}

// RunningRateKeys returns the number of admitted crawls per rate key. The
// unshared key is "".
func (s *Scheduler) RunningRateKeys() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.runningKeys))
	for k, n := range s.runningKeys {
		out[k] = n
	}
	return out
}

// PoolUsage returns the pool's size and current occupancy.
func (s *Scheduler) PoolUsage() (size, inUse int) {
	return s.pool.Size(), s.pool.InUse()
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
