// Package scheduler decides which archival units are crawled and when:
// it gates admission, paces crawl starts, orders on-demand requests across
// units and runs crawls on a bounded pool.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/frontier"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/status"
)

// Defaults for Config.
const (
	DefaultPoolSize                 = 15
	DefaultQueueSize                = 100
	MaxQueueSize                    = 200
	DefaultStartCrawlsInterval      = time.Hour
	DefaultStartCrawlsInitialDelay  = 2 * time.Minute
	DefaultRebuildQueueInterval     = time.Hour
	DefaultQueueRecalcAfterNewAU    = time.Minute
	DefaultQueueEmptySleep          = 15 * time.Minute
	DefaultUnsharedQueueMax         = 50
	DefaultSharedQueueMax           = 50
	DefaultFavorUnsharedRateThreads = 1
	DefaultMaxRepairRate            = "50/1d"
	DefaultMaxNewContentRate        = "1/18h"
	DefaultNewContentStartRate      = "1/730"
	DefaultMinWindowOpenFor         = 15 * time.Minute
	DefaultLockExpiration           = 240 * time.Hour
	DefaultConcurrentCrawlLimit     = 1
)

// Crawl orders for the on-demand queue.
const (
	OrderCrawlDate    = "crawl_date"
	OrderCreationDate = "creation_date"
)

// Config tunes the scheduler.
type Config struct {
	Enabled bool
	// ODC selects on-demand mode, where a single starter feeds the pool
	// from a priority queue rebuilt over all units.
	ODC                      bool
	PoolSize                 int
	QueueEnabled             bool
	QueueSize                int
	StartCrawls              bool
	StartCrawlsInterval      time.Duration
	StartCrawlsInitialDelay  time.Duration
	RebuildQueueInterval     time.Duration
	QueueRecalcAfterNewAU    time.Duration
	QueueEmptySleep          time.Duration
	UnsharedQueueMax         int
	SharedQueueMax           int
	FavorUnsharedRateThreads int
	MaxRepairRate            string
	MaxNewContentRate        string
	NewContentStartRate      string
	MinWindowOpenFor         time.Duration
	// ConcurrentCrawlLimits caps running crawls per shared rate key.
	ConcurrentCrawlLimits map[string]int
	CrawlOrder            string
	RestartAfterCrash     bool
	LockExpiration        time.Duration
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		ODC:                      true,
		PoolSize:                 DefaultPoolSize,
		QueueEnabled:             true,
		QueueSize:                DefaultQueueSize,
		StartCrawls:              true,
		StartCrawlsInterval:      DefaultStartCrawlsInterval,
		StartCrawlsInitialDelay:  DefaultStartCrawlsInitialDelay,
		RebuildQueueInterval:     DefaultRebuildQueueInterval,
		QueueRecalcAfterNewAU:    DefaultQueueRecalcAfterNewAU,
		QueueEmptySleep:          DefaultQueueEmptySleep,
		UnsharedQueueMax:         DefaultUnsharedQueueMax,
		SharedQueueMax:           DefaultSharedQueueMax,
		FavorUnsharedRateThreads: DefaultFavorUnsharedRateThreads,
		MaxRepairRate:            DefaultMaxRepairRate,
		MaxNewContentRate:        DefaultMaxNewContentRate,
		NewContentStartRate:      DefaultNewContentStartRate,
		MinWindowOpenFor:         DefaultMinWindowOpenFor,
		CrawlOrder:               OrderCrawlDate,
		RestartAfterCrash:        true,
		LockExpiration:           DefaultLockExpiration,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("scheduler pool size must be > 0")
	}
	if c.QueueEnabled && (c.QueueSize <= 0 || c.QueueSize > MaxQueueSize) {
		return fmt.Errorf("scheduler queue size must be in 1..%d", MaxQueueSize)
	}
	if c.UnsharedQueueMax <= 0 || c.SharedQueueMax <= 0 {
		return fmt.Errorf("scheduler queue max must be > 0")
	}
	if c.FavorUnsharedRateThreads < 0 {
		return fmt.Errorf("favor unshared rate threads must be >= 0")
	}
	switch c.CrawlOrder {
	case "", OrderCrawlDate, OrderCreationDate:
	default:
		return fmt.Errorf("unknown crawl order %q", c.CrawlOrder)
	}
	for _, r := range []string{c.MaxRepairRate, c.MaxNewContentRate, c.NewContentStartRate} {
		if _, err := ratelimit.ParseRate(r); err != nil {
			return fmt.Errorf("scheduler rate: %w", err)
		}
	}
	for key, n := range c.ConcurrentCrawlLimits {
		if n <= 0 {
			return fmt.Errorf("concurrent crawl limit for %q must be > 0", key)
		}
	}
	return nil
}

func (c Config) queueSize() int {
	if !c.QueueEnabled {
		return 0
	}
	return c.QueueSize
}

// poolSizeFor returns the concurrent crawl limit of a shared rate key.
func (c Config) poolSizeFor(key string) int {
	if n, ok := c.ConcurrentCrawlLimits[key]; ok {
		return n
	}
	return DefaultConcurrentCrawlLimit
}

// Registry supplies the units the scheduler considers.
type Registry interface {
	AllAUs() []crawler.ArchivalUnit
	// AUsStarted reports whether every configured unit has been loaded.
	AUsStarted() bool
}

// Crawl is the scheduler's view of one crawl.
type Crawl interface {
	Crawl(ctx context.Context) bool
	Abort()
	Status() *status.Status
}

// CrawlerFactory builds the crawl for a request.
type CrawlerFactory func(au crawler.ArchivalUnit, req frontier.Request) (Crawl, error)

// FrontierFactory builds frontier crawls sharing cfg and deps.
func FrontierFactory(cfg frontier.Config, deps frontier.Deps) CrawlerFactory {
	return func(au crawler.ArchivalUnit, req frontier.Request) (Crawl, error) {
		c, err := frontier.New(au, req, cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("new frontier crawl: %w", err)
		}
		return c, nil
	}
}

// Clock is the time source of the scheduler.
type Clock interface {
	crawler.Clock
	crawler.Sleeper
	crawler.Timer
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Registry  Registry
	Regulator crawler.ActivityRegulator
	NewCrawl  CrawlerFactory
	// Statuses receives every started crawl. Optional.
	Statuses *status.Source
	Clock    Clock
	Logger   *zap.Logger
}
