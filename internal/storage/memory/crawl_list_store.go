package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/au-crawler/internal/store"
)

// CrawlListStore keeps persisted crawl lists in memory.
type CrawlListStore struct {
	mu    sync.Mutex
	lists map[string][]store.CrawlListEntry
}

var _ store.CrawlListRepository = (*CrawlListStore)(nil)

// NewCrawlListStore constructs an empty CrawlListStore.
func NewCrawlListStore() *CrawlListStore {
	return &CrawlListStore{lists: make(map[string][]store.CrawlListEntry)}
}

// SaveCrawlList replaces the list of auid.
func (s *CrawlListStore) SaveCrawlList(_ context.Context, auid string, entries []store.CrawlListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[auid] = slices.Clone(entries)
	return nil
}

// LoadCrawlList returns a copy of the list of auid.
func (s *CrawlListStore) LoadCrawlList(_ context.Context, auid string) ([]store.CrawlListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.lists[auid])
	if out == nil {
		out = []store.CrawlListEntry{}
	}
	return out, nil
}

// DeleteCrawlList drops the list of auid.
func (s *CrawlListStore) DeleteCrawlList(_ context.Context, auid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, auid)
	return nil
}
