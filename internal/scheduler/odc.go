package scheduler

import (
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
)

// boundedSet keeps the best max requests in priority order.
type boundedSet struct {
	max  int
	cmp  func(a, b *Request) int
	reqs []*Request
}

func newBoundedSet(maxSize int, cmp func(a, b *Request) int) *boundedSet {
	return &boundedSet{max: maxSize, cmp: cmp}
}

func (b *boundedSet) add(r *Request) {
	i, _ := slices.BinarySearchFunc(b.reqs, r, b.cmp)
	if i >= b.max {
		return
	}
	b.reqs = slices.Insert(b.reqs, i, r)
	if len(b.reqs) > b.max {
		b.reqs = b.reqs[:b.max]
	}
}

func (b *boundedSet) first() *Request {
	if len(b.reqs) == 0 {
		return nil
	}
	return b.reqs[0]
}

func (b *boundedSet) remove(r *Request) bool {
	i := slices.Index(b.reqs, r)
	if i < 0 {
		return false
	}
	b.reqs = slices.Delete(b.reqs, i, i+1)
	return true
}

func (b *boundedSet) removeAU(auid string) int {
	n := len(b.reqs)
	b.reqs = slices.DeleteFunc(b.reqs, func(r *Request) bool {
		if r.AUID() == auid {
			r.inactive = true
			return true
		}
		return false
	})
	return n - len(b.reqs)
}

func (b *boundedSet) len() int { return len(b.reqs) }

// odcState is the on-demand queue. It is guarded by the scheduler mutex.
type odcState struct {
	cfg  Config
	prio priorityCmp

	highPriority map[string]*Request
	hpOrder      []string
	unshared     *boundedSet
	shared       map[string]*boundedSet
	// poolEligible counts, per rate key, eligible units that did not fit
	// in the queue at the last rebuild.
	poolEligible map[string]int
	rebuildAt    time.Time
	rebuiltGen   uint64
	waiting      int
	eligible     int
}

func newODCState(cfg Config, prio priorityCmp) odcState {
	return odcState{
		cfg:          cfg,
		prio:         prio,
		highPriority: make(map[string]*Request),
		unshared:     newBoundedSet(cfg.UnsharedQueueMax, prio.compare),
		shared:       make(map[string]*boundedSet),
		poolEligible: make(map[string]int),
	}
}

func (o *odcState) putHighPriority(r *Request) {
	auid := r.AUID()
	if _, ok := o.highPriority[auid]; !ok {
		o.hpOrder = append(o.hpOrder, auid)
	}
	o.highPriority[auid] = r
}

func (o *odcState) dropHighPriority(auid string) *Request {
	r, ok := o.highPriority[auid]
	if !ok {
		return nil
	}
	delete(o.highPriority, auid)
	o.hpOrder = slices.DeleteFunc(o.hpOrder, func(id string) bool { return id == auid })
	return r
}

// takeHighPriority empties the high priority requests, returning them in
// arrival order.
func (o *odcState) takeHighPriority() []*Request {
	out := make([]*Request, 0, len(o.hpOrder))
	for _, auid := range o.hpOrder {
		out = append(out, o.highPriority[auid])
	}
	o.highPriority = make(map[string]*Request)
	o.hpOrder = nil
	return out
}

func (o *odcState) clearQueues() {
	o.unshared = newBoundedSet(o.cfg.UnsharedQueueMax, o.prio.compare)
	o.shared = make(map[string]*boundedSet)
	o.poolEligible = make(map[string]int)
}

func (o *odcState) removeAU(auid string) int {
	n := 0
	if r := o.dropHighPriority(auid); r != nil {
		r.inactive = true
		n++
	}
	n += o.unshared.removeAU(auid)
	for key, set := range o.shared {
		n += set.removeAU(auid)
		if set.len() == 0 {
			delete(o.shared, key)
		}
	}
	return n
}

func (o *odcState) add(r *Request) {
	key := r.RateKey
	o.poolEligible[key]++
	if key == "" {
		o.unshared.add(r)
		return
	}
	set, ok := o.shared[key]
	if !ok {
		set = newBoundedSet(o.cfg.SharedQueueMax, o.prio.compare)
		o.shared[key] = set
	}
	set.add(r)
}

// adjustEligible leaves in poolEligible only the units that were eligible
// but did not fit.
func (o *odcState) adjustEligible() {
	for key := range o.poolEligible {
		if key == "" {
			o.poolEligible[key] -= o.unshared.max
			continue
		}
		if set, ok := o.shared[key]; ok {
			o.poolEligible[key] -= set.len()
		}
	}
}

func (s *Scheduler) enqueueHighPriority(r *Request) {
	r.highPriority = true
	s.mu.Lock()
	s.odc.putHighPriority(r)
	s.odc.rebuildAt = time.Time{}
	s.mu.Unlock()
	s.logger.Debug("queued high priority crawl", zap.String("auid", r.AUID()), zap.Int("priority", r.Priority))
	s.signalWake()
}

// RebuildQueueSoon brings the next queue rebuild forward to within the
// recalculation delay and wakes the starter.
func (s *Scheduler) RebuildQueueSoon() {
	soon := s.clock.Now().Add(s.cfg.QueueRecalcAfterNewAU)
	s.mu.Lock()
	if soon.Before(s.odc.rebuildAt) {
		s.odc.rebuildAt = soon
	}
	s.mu.Unlock()
	s.signalWake()
}

// NextReq returns the best request that may start now and removes it from
// the queue. A request whose rate key is at its concurrency limit is never
// returned.
func (s *Scheduler) NextReq() (*Request, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rebuilt := false
	if !now.Before(s.odc.rebuildAt) {
		s.rebuildLocked(now)
		rebuilt = true
	}
	if r := s.nextFromQueueLocked(); r != nil {
		return r, true
	}
	if !rebuilt && s.worthRebuildingLocked() {
		s.rebuildLocked(now)
		if r := s.nextFromQueueLocked(); r != nil {
			return r, true
		}
	}
	return nil, false
}

// worthRebuildingLocked reports whether running crawls changed since the
// last rebuild and some pool with spare capacity left eligible units out
// of the queue.
func (s *Scheduler) worthRebuildingLocked() bool {
	if s.keyGen == s.odc.rebuiltGen {
		return false
	}
	for key, extra := range s.odc.poolEligible {
		if extra <= 0 {
			continue
		}
		if key == "" || s.cfg.poolSizeFor(key) > s.runningKeys[key] {
			return true
		}
	}
	return false
}

func (s *Scheduler) sharedRunningLocked() int {
	n := 0
	for key, c := range s.runningKeys {
		if key != "" {
			n += c
		}
	}
	return n
}

func (s *Scheduler) nextFromQueueLocked() *Request {
	var best *Request
	consider := func(r *Request) {
		if r != nil && !r.inactive && (best == nil || s.prio.less(r, best)) {
			best = r
		}
	}
	for key, set := range s.odc.shared {
		if s.runningKeys[key] >= s.cfg.poolSizeFor(key) {
			continue
		}
		consider(set.first())
	}
	if u := s.odc.unshared.first(); u != nil {
		if best == nil ||
			s.sharedRunningLocked() >= s.cfg.PoolSize-s.cfg.FavorUnsharedRateThreads ||
			u.highPriority {
			consider(u)
		}
	}
	if best == nil {
		return nil
	}
	if best.RateKey == "" {
		s.odc.unshared.remove(best)
	} else if set, ok := s.odc.shared[best.RateKey]; ok {
		set.remove(best)
		if set.len() == 0 {
			delete(s.odc.shared, best.RateKey)
		}
	}
	s.odc.dropHighPriority(best.AUID())
	return best
}

// rebuildLocked recomputes the queue from every unit that wants and may
// start a new-content crawl.
func (s *Scheduler) rebuildLocked(now time.Time) {
	start := time.Now()
	s.odc.rebuildAt = now.Add(s.cfg.RebuildQueueInterval)
	s.odc.rebuiltGen = s.keyGen
	s.odc.clearQueues()

	var aus []crawler.ArchivalUnit
	if s.deps.Registry != nil && s.deps.Registry.AUsStarted() {
		aus = s.deps.Registry.AllAUs()
	} else {
		for _, auid := range s.odc.hpOrder {
			aus = append(aus, s.odc.highPriority[auid].AU)
		}
	}

	waiting, eligible := 0, 0
	for _, au := range aus {
		req := s.odc.highPriority[au.AUID()]
		if req != nil && req.inactive {
			continue
		}
		if req == nil && !crawler.ShouldCrawlForNewContent(au, now) {
			continue
		}
		waiting++
		if s.eligibleLocked(au, crawler.CrawlNewContent, now) != nil {
			continue
		}
		if req == nil {
			req = &Request{AU: au, Type: crawler.CrawlNewContent, RateKey: rateKeyOf(au)}
		}
		eligible++
		s.odc.add(req)
	}
	s.odc.adjustEligible()
	s.odc.waiting, s.odc.eligible = waiting, eligible
	metrics.ObserveQueueRebuild()
	s.logger.Debug("rebuilt crawl queue",
		zap.Int("waiting", waiting),
		zap.Int("eligible", eligible),
		zap.Duration("took", time.Since(start)),
	)
}

// PendingRequest is a queued request as reported to operators.
type PendingRequest struct {
	AUID         string `json:"auid"`
	AUName       string `json:"au_name"`
	Priority     int    `json:"priority"`
	RateKey      string `json:"rate_key,omitempty"`
	HighPriority bool   `json:"high_priority"`
}

// QueueStats summarises the last rebuild.
type QueueStats struct {
	Waiting  int       `json:"waiting"`
	Eligible int       `json:"eligible"`
	NextAt   time.Time `json:"next_rebuild"`
}

// PendingQueue lists high priority and queued requests, best first.
func (s *Scheduler) PendingQueue() ([]PendingRequest, QueueStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*Request]struct{})
	var all []*Request
	collect := func(r *Request) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		all = append(all, r)
	}
	for _, auid := range s.odc.hpOrder {
		collect(s.odc.highPriority[auid])
	}
	for _, set := range s.odc.shared {
		for _, r := range set.reqs {
			collect(r)
		}
	}
	for _, r := range s.odc.unshared.reqs {
		collect(r)
	}
	sort.SliceStable(all, func(i, j int) bool { return s.prio.less(all[i], all[j]) })

	out := make([]PendingRequest, 0, len(all))
	for _, r := range all {
		out = append(out, PendingRequest{
			AUID:         r.AUID(),
			AUName:       r.AU.Name(),
			Priority:     r.Priority,
			RateKey:      r.RateKey,
			HighPriority: r.highPriority,
		})
	}
	return out, QueueStats{Waiting: s.odc.waiting, Eligible: s.odc.eligible, NextAt: s.odc.rebuildAt}
}
