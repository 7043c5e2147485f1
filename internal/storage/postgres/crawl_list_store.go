package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/au-crawler/internal/store"
)

// CrawlListStore persists the frontier left over when a crawl window
// closes, one row per unit.
type CrawlListStore struct {
	db    DB
	table string
}

var _ store.CrawlListRepository = (*CrawlListStore)(nil)

type crawlListEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// NewCrawlListStore wraps db. An empty table selects "crawl_lists".
func NewCrawlListStore(db DB, table string) (*CrawlListStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_lists"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CrawlListStore{db: db, table: table}, nil
}

// SaveCrawlList replaces the stored list of auid.
func (s *CrawlListStore) SaveCrawlList(ctx context.Context, auid string, entries []store.CrawlListEntry) error {
	rows := make([]crawlListEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, crawlListEntry(e))
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal crawl list: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (auid, entries, saved_at)
VALUES ($1, $2, now())
ON CONFLICT (auid) DO UPDATE SET entries = EXCLUDED.entries, saved_at = EXCLUDED.saved_at`, s.table)
	if _, err := s.db.Exec(ctx, query, auid, payload); err != nil {
		return fmt.Errorf("save crawl list: %w", err)
	}
	return nil
}

// LoadCrawlList returns the stored list of auid, empty when none.
func (s *CrawlListStore) LoadCrawlList(ctx context.Context, auid string) ([]store.CrawlListEntry, error) {
	query := fmt.Sprintf(`SELECT entries FROM %s WHERE auid = $1`, s.table)
	var payload []byte
	if err := s.db.QueryRow(ctx, query, auid).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []store.CrawlListEntry{}, nil
		}
		return nil, fmt.Errorf("load crawl list: %w", err)
	}
	var rows []crawlListEntry
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode crawl list: %w", err)
	}
	out := make([]store.CrawlListEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.CrawlListEntry(r))
	}
	return out, nil
}

// DeleteCrawlList removes the stored list of auid.
func (s *CrawlListStore) DeleteCrawlList(ctx context.Context, auid string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE auid = $1`, s.table)
	if _, err := s.db.Exec(ctx, query, auid); err != nil {
		return fmt.Errorf("delete crawl list: %w", err)
	}
	return nil
}
