package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/au-crawler/internal/store"
)

// HistoryStore provides an in-memory crawl history for development and
// tests.
type HistoryStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.CrawlRun
	hosts map[uuid.UUID]map[string]store.HostStats
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		runs:  make(map[uuid.UUID]store.CrawlRun),
		hosts: make(map[uuid.UUID]map[string]store.HostStats),
	}
}

// RecordStart stores a running crawl. Replays are ignored.
func (s *HistoryStore) RecordStart(_ context.Context, id uuid.UUID, auid, crawlType string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[id]; exists {
		return nil
	}
	s.runs[id] = store.CrawlRun{
		ID:        id,
		AUID:      auid,
		CrawlType: crawlType,
		StartedAt: startedAt,
		Status:    store.RunRunning,
	}
	return nil
}

// RecordFinish marks a crawl finished.
func (s *HistoryStore) RecordFinish(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	result string,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("finish crawl %s: %w", id, store.ErrNotFound)
	}
	run.FinishedAt = pointerTo(finishedAt)
	run.Status = status
	run.Result = pointerTo(result)
	if errMsg != nil {
		run.ErrorMessage = pointerTo(*errMsg)
	}
	s.runs[id] = run
	return nil
}

// UpsertHostStats adds deltas to the host counters of a crawl.
func (s *HistoryStore) UpsertHostStats(
	_ context.Context,
	id uuid.UUID,
	host string,
	deltaFetches,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHost := s.hosts[id]
	if byHost == nil {
		byHost = make(map[string]store.HostStats)
		s.hosts[id] = byHost
	}
	st := byHost[host]
	st.CrawlID, st.Host = id, host
	st.Fetches += deltaFetches
	st.BytesTotal += deltaBytes
	switch statusClass {
	case "2xx":
		st.Fetch2xx += deltaFetches
	case "3xx":
		st.Fetch3xx += deltaFetches
	case "4xx":
		st.Fetch4xx += deltaFetches
	case "5xx":
		st.Fetch5xx += deltaFetches
	}
	if at.After(st.LastUpdate) {
		st.LastUpdate = at
	}
	byHost[host] = st
	return nil
}

// GetRun fetches a crawl run by ID.
func (s *HistoryStore) GetRun(_ context.Context, id uuid.UUID) (store.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.CrawlRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally for one unit.
func (s *HistoryStore) ListRuns(_ context.Context, auid *string, limit, offset int) ([]store.CrawlRun, error) {
	s.mu.RLock()
	out := make([]store.CrawlRun, 0, len(s.runs))
	for _, run := range s.runs {
		if auid == nil || run.AUID == *auid {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListRunHosts returns host counters of a crawl, most recent first.
func (s *HistoryStore) ListRunHosts(_ context.Context, id uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	s.mu.RLock()
	out := make([]store.HostStats, 0, len(s.hosts[id]))
	for _, st := range s.hosts[id] {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].LastUpdate.After(out[j].LastUpdate)
		}
		return out[i].Host < out[j].Host
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func pointerTo[T any](v T) *T {
	return &v
}
