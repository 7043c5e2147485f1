package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("crawl record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Crawl run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CrawlRun models the crawl_runs table.
type CrawlRun struct {
	// ID is the crawl key shared with the status source.
	ID   uuid.UUID
	AUID string
	// CrawlType is new_content or repair.
	CrawlType string
	StartedAt time.Time
	// FinishedAt is nil until the run ends.
	FinishedAt *time.Time
	Status     RunStatus
	// Result is the crawl status name, e.g. SUCCESSFUL or FETCH_ERROR.
	Result       *string
	ErrorMessage *string
}

// HostStats captures per-host fetch aggregation for a crawl.
type HostStats struct {
	CrawlID    uuid.UUID
	Host       string
	LastUpdate time.Time
	Fetches    int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// HistoryRepository persists crawl runs and per-host fetch counters.
type HistoryRepository interface {
	// RecordStart inserts (or idempotently updates) a running crawl.
	RecordStart(ctx context.Context, id uuid.UUID, auid, crawlType string, startedAt time.Time) error
	// RecordFinish marks the run finished with its status, result and message.
	RecordFinish(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, result string, errMsg *string) error
	// UpsertHostStats applies fetch/byte deltas per (crawl, host, statusClass).
	UpsertHostStats(
		ctx context.Context,
		id uuid.UUID,
		host string,
		deltaFetches int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads a single crawl run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (CrawlRun, error)
	// ListRuns returns crawl runs filtered by optional AUID plus limit/offset.
	ListRuns(ctx context.Context, auid *string, limit, offset int) ([]CrawlRun, error)
	// ListRunHosts returns aggregated host stats for one crawl.
	ListRunHosts(ctx context.Context, id uuid.UUID, limit, offset int) ([]HostStats, error)
}

// CrawlListEntry is one url left in the frontier when a crawl stopped early.
type CrawlListEntry struct {
	URL   string
	Depth int
}

// CrawlListRepository persists the remaining frontier of an AU so the next
// crawl can resume from it.
type CrawlListRepository interface {
	SaveCrawlList(ctx context.Context, auid string, entries []CrawlListEntry) error
	// LoadCrawlList returns an empty slice when nothing is stored.
	LoadCrawlList(ctx context.Context, auid string) ([]CrawlListEntry, error)
	DeleteCrawlList(ctx context.Context, auid string) error
}
