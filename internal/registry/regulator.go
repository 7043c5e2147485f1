package registry

import (
	"sync"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// Regulator is an in-process crawler.ActivityRegulator. A unit holds at
// most one unexpired lock at a time.
type Regulator struct {
	clock crawler.Clock
	mu    sync.Mutex
	held  map[string]*lock
}

var _ crawler.ActivityRegulator = (*Regulator)(nil)

// NewRegulator returns a regulator reading time from clock.
func NewRegulator(clock crawler.Clock) *Regulator {
	return &Regulator{clock: clock, held: make(map[string]*lock)}
}

// Acquire implements crawler.ActivityRegulator.
func (r *Regulator) Acquire(auid string, activity crawler.Activity, expireIn time.Duration) crawler.Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.held[auid]; ok && !cur.expiredLocked() {
		return nil
	}
	l := &lock{reg: r, auid: auid, activity: activity, expires: r.clock.Now().Add(expireIn)}
	r.held[auid] = l
	return l
}

// Held returns the activity holding auid, if any.
func (r *Regulator) Held(auid string) (crawler.Activity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.held[auid]
	if !ok || l.expiredLocked() {
		return "", false
	}
	return l.activity, true
}

// lock fields other than auid and activity are guarded by reg.mu.
type lock struct {
	reg      *Regulator
	auid     string
	activity crawler.Activity
	expires  time.Time
	released bool
}

func (l *lock) Activity() crawler.Activity { return l.activity }
func (l *lock) AUID() string               { return l.auid }

func (l *lock) expiredLocked() bool {
	return l.released || !l.reg.clock.Now().Before(l.expires)
}

func (l *lock) IsExpired() bool {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	return l.expiredLocked()
}

func (l *lock) Expire() {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	l.released = true
	if l.reg.held[l.auid] == l {
		delete(l.reg.held, l.auid)
	}
}

func (l *lock) Extend(d time.Duration) {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	if !l.released {
		l.expires = l.reg.clock.Now().Add(d)
	}
}
