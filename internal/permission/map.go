// Package permission decides whether a crawl may proceed against a host:
// permission pages are fetched, evaluated by checkers, and recorded in a
// Map grouped by host.
package permission

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// Status is the evaluation state of one permission page.
type Status int

// Permission page states.
const (
	Unchecked Status = iota
	OK
	NotOK
	FetchError
	RepoError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NotOK:
		return "not_ok"
	case FetchError:
		return "fetch_error"
	case RepoError:
		return "repo_error"
	default:
		return "unchecked"
	}
}

// Record is the state of one permission page.
type Record struct {
	URL     string `json:"url"`
	Host    string `json:"host"`
	Status  Status `json:"-"`
	State   string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Map groups permission pages by host.
type Map struct {
	mu     sync.RWMutex
	byURL  map[string]*Record
	byHost map[string][]*Record
	hosts  []string
}

// NewMap builds an empty map.
func NewMap() *Map {
	return &Map{
		byURL:  make(map[string]*Record),
		byHost: make(map[string][]*Record),
	}
}

// Add registers url as unchecked. Adding a url twice is a no-op.
func (m *Map) Add(url string) error {
	host := crawler.HostOf(url)
	if host == "" {
		return fmt.Errorf("permission url %q has no host", url)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byURL[url]; ok {
		return nil
	}
	rec := &Record{URL: url, Host: host, Status: Unchecked, State: Unchecked.String()}
	m.byURL[url] = rec
	if _, ok := m.byHost[host]; !ok {
		m.hosts = append(m.hosts, host)
	}
	m.byHost[host] = append(m.byHost[host], rec)
	return nil
}

// Set records the outcome for url.
func (m *Map) Set(url string, st Status, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byURL[url]
	if !ok {
		return
	}
	rec.Status = st
	rec.State = st.String()
	rec.Message = msg
}

// Hosts returns hosts in the order their first page was added.
func (m *Map) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.hosts...)
}

// URLsForHost returns the permission pages of host in insertion order.
func (m *Map) URLsForHost(host string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.byHost[host]
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.URL)
	}
	return out
}

// HasPermission reports whether some page on url's host granted
// permission.
func (m *Map) HasPermission(url string) bool {
	host := crawler.HostOf(url)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byHost[host] {
		if r.Status == OK {
			return true
		}
	}
	return false
}

// StatusOf returns the state of url.
func (m *Map) StatusOf(url string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.byURL[url]; ok {
		return r.Status
	}
	return Unchecked
}

// Records returns copies of every record ordered by url.
func (m *Map) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.byURL))
	for _, r := range m.byURL {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
