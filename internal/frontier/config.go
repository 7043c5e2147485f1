// Package frontier runs a single crawl of an archival unit: permission
// checks, a depth-ordered url queue, paced fetching with retries and link
// following.
package frontier

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/permission"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/progress"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/store"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxCrawlDepth     = 1000
	DefaultExcludedCacheSize = 1000
	DefaultExcludedCacheTTL  = time.Hour
	DefaultFetchRate         = "1/6s"
)

// Config tunes crawls.
type Config struct {
	MaxCrawlDepth int
	// RefetchDepth overrides the unit's refetch depth when > 0.
	RefetchDepth int
	Retry        RetryPolicy
	// PersistCrawlList saves the remaining queue when the window closes.
	PersistCrawlList bool
	// Comparator applies when the unit names none.
	Comparator          string
	ParseUseCharset     bool
	ReparseAll          bool
	RefetchEmptyFiles   bool
	FailOnStartURLError bool
	ExcludedCacheSize   int
	ExcludedCacheTTL    time.Duration
	// Status is the template for each crawl's status options.
	Status status.Options
}

// DefaultConfig returns the stock crawl configuration.
func DefaultConfig() Config {
	return Config{
		MaxCrawlDepth:       DefaultMaxCrawlDepth,
		Retry:               DefaultRetryPolicy(),
		Comparator:          ComparatorBreadthFirst,
		FailOnStartURLError: true,
		ExcludedCacheSize:   DefaultExcludedCacheSize,
		ExcludedCacheTTL:    DefaultExcludedCacheTTL,
		Status: status.Options{
			RecordURLs:          status.RecordAll,
			RecordReferrers:     status.ReferrersNone,
			KeepOffHostExcludes: status.DefaultKeepOffHostExcludes,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCrawlDepth <= 0 {
		c.MaxCrawlDepth = DefaultMaxCrawlDepth
	}
	if c.ExcludedCacheSize <= 0 {
		c.ExcludedCacheSize = DefaultExcludedCacheSize
	}
	if c.ExcludedCacheTTL <= 0 {
		c.ExcludedCacheTTL = DefaultExcludedCacheTTL
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Clock tells time and pauses; retries and pacing sleep through it.
type Clock interface {
	crawler.Clock
	crawler.Sleeper
}

// Deps are the collaborators of a crawl. Fetcher and Repository are
// required; the rest have defaults or are optional.
type Deps struct {
	Fetcher     crawler.Fetcher
	Repository  crawler.Repository
	Limiters    *ratelimit.Registry
	Permissions *permission.Engine
	CrawlLists  store.CrawlListRepository
	Alerts      crawler.AlertSink
	Watchdog    crawler.Watchdog
	Progress    progress.Emitter
	Clock       Clock
	IDs         crawler.IDGenerator
	Logger      *zap.Logger
}

// Request selects what a crawl does.
type Request struct {
	Type     crawler.CrawlType
	Priority int
	// RepairURLs are refetched by a repair crawl.
	RepairURLs []string
	// Key identifies the crawl; one is generated when empty.
	Key string
}
