package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/au-crawler/internal/store"
)

// HistoryStore implements store.HistoryRepository using Postgres.
type HistoryStore struct {
	db DB
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore wraps db.
func NewHistoryStore(db DB) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *HistoryStore) Close() {
	s.db.Close()
}

// RecordStart inserts a running crawl. Replays of the same start are
// ignored.
func (s *HistoryStore) RecordStart(ctx context.Context, id uuid.UUID, auid, crawlType string, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, auid, crawl_type, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, id, auid, crawlType, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to record crawl start: %w", err)
	}
	return nil
}

// RecordFinish marks a crawl finished.
func (s *HistoryStore) RecordFinish(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	result string,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, result = $3, error_message = $4
		WHERE id = $5;
	`
	res, err := s.db.Exec(ctx, query, finishedAt, status, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to record crawl finish: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("finish crawl %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// statusColumns maps a status class to its counter column.
var statusColumns = map[string]string{
	"2xx": "fetch_2xx",
	"3xx": "fetch_3xx",
	"4xx": "fetch_4xx",
	"5xx": "fetch_5xx",
}

// UpsertHostStats adds fetch and byte deltas to a crawl's host row. Status
// classes without a counter column only count toward the totals.
func (s *HistoryStore) UpsertHostStats(
	ctx context.Context,
	id uuid.UUID,
	host string,
	deltaFetches,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	var class [4]int64
	column, known := statusColumns[statusClass]
	switch statusClass {
	case "2xx":
		class[0] = deltaFetches
	case "3xx":
		class[1] = deltaFetches
	case "4xx":
		class[2] = deltaFetches
	case "5xx":
		class[3] = deltaFetches
	}

	query := `UPDATE host_stats SET fetches = fetches + $1,
		bytes_total = bytes_total + $2,
		last_update = $3
		WHERE crawl_id = $4 AND host = $5;`
	if known {
		query = fmt.Sprintf(`UPDATE host_stats SET fetches = fetches + $1,
		bytes_total = bytes_total + $2,
		%[1]s = %[1]s + $1,
		last_update = $3
		WHERE crawl_id = $4 AND host = $5;`, column)
	}
	res, err := s.db.Exec(ctx, query, deltaFetches, deltaBytes, at, id, host)
	if err != nil {
		return fmt.Errorf("failed to update host stats: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	query = `
		INSERT INTO host_stats (crawl_id, host, last_update, fetches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (crawl_id, host) DO UPDATE SET
			fetches = host_stats.fetches + EXCLUDED.fetches,
			bytes_total = host_stats.bytes_total + EXCLUDED.bytes_total,
			fetch_2xx = host_stats.fetch_2xx + EXCLUDED.fetch_2xx,
			fetch_3xx = host_stats.fetch_3xx + EXCLUDED.fetch_3xx,
			fetch_4xx = host_stats.fetch_4xx + EXCLUDED.fetch_4xx,
			fetch_5xx = host_stats.fetch_5xx + EXCLUDED.fetch_5xx,
			last_update = EXCLUDED.last_update;
	`
	_, err = s.db.Exec(ctx, query, id, host, at, deltaFetches, deltaBytes, class[0], class[1], class[2], class[3])
	if err != nil {
		return fmt.Errorf("failed to insert host stats: %w", err)
	}
	return nil
}

const runColumns = `id, auid, crawl_type, started_at, finished_at, status, result, error_message`

func scanRun(row pgx.Row) (store.CrawlRun, error) {
	var run store.CrawlRun
	err := row.Scan(
		&run.ID,
		&run.AUID,
		&run.CrawlType,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Result,
		&run.ErrorMessage,
	)
	return run, err //nolint:wrapcheck
}

// GetRun retrieves a single crawl run by its ID.
func (s *HistoryStore) GetRun(ctx context.Context, id uuid.UUID) (store.CrawlRun, error) {
	query := `SELECT ` + runColumns + ` FROM crawl_runs WHERE id = $1;`
	run, err := scanRun(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CrawlRun{}, store.ErrNotFound
		}
		return store.CrawlRun{}, fmt.Errorf("failed to get crawl run: %w", err)
	}
	return run, nil
}

// ListRuns returns crawl runs newest first, optionally for one unit.
func (s *HistoryStore) ListRuns(ctx context.Context, auid *string, limit, offset int) ([]store.CrawlRun, error) {
	query := `SELECT ` + runColumns + `
		FROM crawl_runs
		WHERE ($1::text IS NULL OR auid = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.db.Query(ctx, query, auid, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []store.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crawl run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crawl runs: %w", err)
	}
	return runs, nil
}

// ListRunHosts returns host counters for one crawl, most recent first.
func (s *HistoryStore) ListRunHosts(ctx context.Context, id uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	query := `
		SELECT crawl_id, host, last_update, fetches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
		FROM host_stats
		WHERE crawl_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run hosts: %w", err)
	}
	defer rows.Close()

	var stats []store.HostStats
	for rows.Next() {
		var stat store.HostStats
		err := rows.Scan(
			&stat.CrawlID,
			&stat.Host,
			&stat.LastUpdate,
			&stat.Fetches,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate host stats: %w", err)
	}
	return stats, nil
}
