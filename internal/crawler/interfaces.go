package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	AUID string
	URL  string
	// IfModifiedSince makes the fetch conditional when non-zero.
	IfModifiedSince time.Time
	Headers         http.Header
}

// FetchResult is the outcome of a successful fetch.
type FetchResult struct {
	URL          string
	FinalURL     string
	RedirectURLs []string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	NotModified  bool
	FetchedAt    time.Time
	Duration     time.Duration
}

// Fetcher fetches a URL. Failures are reported as *FetchError where the
// fetcher can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// ContentInfo describes stored content for a url.
type ContentInfo struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest"`
	URI         string    `json:"uri"`
	StoredAt    time.Time `json:"stored_at"`
}

// Repository persists fetched content per AU.
type Repository interface {
	// Stat returns ErrNotStored when no content exists for url.
	Stat(ctx context.Context, auid, url string) (ContentInfo, error)
	Store(ctx context.Context, auid string, res FetchResult) (ContentInfo, error)
	Open(ctx context.Context, auid, url string) (io.ReadCloser, ContentInfo, error)
}

// LinkExtractor reports every link found in r through emit, in any order.
// encoding is the declared character set, "" when unknown.
type LinkExtractor interface {
	Extract(ctx context.Context, r io.Reader, encoding, srcURL string, emit func(link string)) error
}

// PermissionChecker decides whether a permission page grants crawling.
type PermissionChecker interface {
	Name() string
	CheckPermission(ctx context.Context, r io.Reader, permissionURL string) bool
}

// Watchdog receives liveness pokes from long running loops.
type Watchdog interface {
	Poke()
}

// AlertKind names the alert raised.
type AlertKind string

// Crawl alerts.
const (
	AlertCrawlFinished AlertKind = "CRAWL_FINISHED"
	AlertCrawlFailed   AlertKind = "CRAWL_FAILED"
	AlertNoPermission  AlertKind = "NO_CRAWL_PERMISSION"
)

// Alert is a notification about a crawl outcome.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	AUID      string    `json:"auid"`
	AUName    string    `json:"au_name"`
	CrawlType CrawlType `json:"crawl_type"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

// AlertSink is notified on crawl completion or failure.
type AlertSink interface {
	Raise(ctx context.Context, alert Alert) error
}

// Lock is an exclusive activity lock on an AU.
type Lock interface {
	Activity() Activity
	AUID() string
	IsExpired() bool
	Expire()
	// Extend pushes the expiration out by d from now.
	Extend(d time.Duration)
}

// ActivityRegulator hands out exclusive per-AU activity locks.
type ActivityRegulator interface {
	// Acquire returns nil when another activity holds the AU.
	Acquire(auid string, activity Activity, expireIn time.Duration) Lock
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses the calling goroutine. Implementations return an error
// when ctx ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer delivers the time on the returned channel once d has elapsed.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces crawl run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
