package status

import (
	"sort"
	"sync"
)

// DefaultHistorySize is the number of finished crawls a Source retains.
const DefaultHistorySize = 100

// Source lists active crawl statuses and a bounded history of finished
// ones.
type Source struct {
	mu      sync.RWMutex
	active  map[string]*Status
	history []*Status
	limit   int
}

// NewSource builds a source keeping up to historySize finished crawls.
func NewSource(historySize int) *Source {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Source{
		active: make(map[string]*Status),
		limit:  historySize,
	}
}

// Add registers a running or queued crawl.
func (src *Source) Add(s *Status) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.active[s.Key()] = s
}

// Finish moves s from the active set into history.
func (src *Source) Finish(s *Status) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if _, ok := src.active[s.Key()]; !ok {
		return
	}
	delete(src.active, s.Key())
	src.history = append(src.history, s)
	if over := len(src.history) - src.limit; over > 0 {
		src.history = append(src.history[:0], src.history[over:]...)
	}
}

// Get returns the crawl with key from the active set or history.
func (src *Source) Get(key string) (*Status, bool) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	if s, ok := src.active[key]; ok {
		return s, true
	}
	for i := len(src.history) - 1; i >= 0; i-- {
		if src.history[i].Key() == key {
			return src.history[i], true
		}
	}
	return nil, false
}

// Active returns running crawls ordered by start time, queued last.
func (src *Source) Active() []*Status {
	src.mu.RLock()
	out := make([]*Status, 0, len(src.active))
	for _, s := range src.active {
		out = append(out, s)
	}
	src.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartTime(), out[j].StartTime()
		switch {
		case ti.IsZero() != tj.IsZero():
			return !ti.IsZero()
		case !ti.Equal(tj):
			return ti.Before(tj)
		default:
			return out[i].Key() < out[j].Key()
		}
	})
	return out
}

// ActiveForAU returns the active crawls of auid.
func (src *Source) ActiveForAU(auid string) []*Status {
	var out []*Status
	for _, s := range src.Active() {
		if s.AUID() == auid {
			out = append(out, s)
		}
	}
	return out
}

// Recent returns finished crawls, most recent first.
func (src *Source) Recent() []*Status {
	src.mu.RLock()
	defer src.mu.RUnlock()
	out := make([]*Status, 0, len(src.history))
	for i := len(src.history) - 1; i >= 0; i-- {
		out = append(out, src.history[i])
	}
	return out
}
