// Package config loads and validates daemon configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/au-crawler/internal/alert"
	"github.com/JakeFAU/au-crawler/internal/frontier"
	"github.com/JakeFAU/au-crawler/internal/permission"
	"github.com/JakeFAU/au-crawler/internal/registry"
	"github.com/JakeFAU/au-crawler/internal/scheduler"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/storage/local"
)

// EnvPrefix prefixes environment overrides, e.g. AUCRAWLER_SERVER_PORT.
const EnvPrefix = "AUCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Status    StatusConfig    `mapstructure:"status"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	AUs       AUsConfig       `mapstructure:"aus"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name; empty keeps the encoder's default.
	Level string `mapstructure:"level"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	Enabled                  bool           `mapstructure:"enabled"`
	ODC                      bool           `mapstructure:"odc"`
	PoolSize                 int            `mapstructure:"pool_size"`
	QueueEnabled             bool           `mapstructure:"queue_enabled"`
	QueueSize                int            `mapstructure:"queue_size"`
	StartCrawls              bool           `mapstructure:"start_crawls"`
	StartCrawlsInterval      time.Duration  `mapstructure:"start_crawls_interval"`
	StartCrawlsInitialDelay  time.Duration  `mapstructure:"start_crawls_initial_delay"`
	RebuildQueueInterval     time.Duration  `mapstructure:"rebuild_queue_interval"`
	QueueRecalcAfterNewAU    time.Duration  `mapstructure:"queue_recalc_after_new_au"`
	QueueEmptySleep          time.Duration  `mapstructure:"queue_empty_sleep"`
	UnsharedQueueMax         int            `mapstructure:"unshared_queue_max"`
	SharedQueueMax           int            `mapstructure:"shared_queue_max"`
	FavorUnsharedRateThreads int            `mapstructure:"favor_unshared_rate_threads"`
	MaxRepairRate            string         `mapstructure:"max_repair_rate"`
	MaxNewContentRate        string         `mapstructure:"max_new_content_rate"`
	NewContentStartRate      string         `mapstructure:"new_content_start_rate"`
	MinWindowOpenFor         time.Duration  `mapstructure:"min_window_open_for"`
	ConcurrentCrawlLimits    map[string]int `mapstructure:"concurrent_crawl_limits"`
	CrawlOrder               string         `mapstructure:"crawl_order"`
	RestartAfterCrash        bool           `mapstructure:"restart_after_crash"`
	LockExpiration           time.Duration  `mapstructure:"lock_expiration"`
}

// FrontierConfig tunes individual crawls.
type FrontierConfig struct {
	MaxCrawlDepth            int           `mapstructure:"max_crawl_depth"`
	RefetchDepth             int           `mapstructure:"refetch_depth"`
	RetryCount               int           `mapstructure:"retry_count"`
	RetryDelay               time.Duration `mapstructure:"retry_delay"`
	MaxRetryCount            int           `mapstructure:"max_retry_count"`
	MinRetryDelay            time.Duration `mapstructure:"min_retry_delay"`
	AbortOnFirstNoPermission bool          `mapstructure:"abort_on_first_no_permission"`
	RefetchPermissionPage    bool          `mapstructure:"refetch_permission_page"`
	PersistCrawlList         bool          `mapstructure:"persist_crawl_list"`
	CrawlURLComparator       string        `mapstructure:"crawl_url_comparator"`
	ParseUseCharset          bool          `mapstructure:"parse_use_charset"`
	ReparseAll               bool          `mapstructure:"reparse_all"`
	RefetchEmptyFiles        bool          `mapstructure:"refetch_empty_files"`
	FailOnStartURLError      bool          `mapstructure:"fail_on_start_url_error"`
	ExcludedCacheSize        int           `mapstructure:"excluded_cache_size"`
	ExcludedCacheTTL         time.Duration `mapstructure:"excluded_cache_ttl"`
	// PermissionCheckers are consulted for every unit on top of its own:
	// string, creative_commons, robots.
	PermissionCheckers []string `mapstructure:"permission_checkers"`
}

// StatusConfig controls per-crawl status detail.
type StatusConfig struct {
	RecordURLs          string `mapstructure:"record_urls"`
	RecordReferrers     string `mapstructure:"record_referrers"`
	KeepOffHostExcludes int    `mapstructure:"keep_off_host_excludes"`
	HistorySize         int    `mapstructure:"history_size"`
}

// Fetcher kinds.
const (
	FetcherColly    = "colly"
	FetcherHeadless = "headless"
	// FetcherAuto fetches with colly and refetches client rendered pages
	// headless.
	FetcherAuto = "auto"
)

// FetcherConfig selects and tunes the network fetcher.
type FetcherConfig struct {
	Kind                string        `mapstructure:"kind"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	MaxBodyBytes        int           `mapstructure:"max_body_bytes"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	HeadlessNavTimeout  time.Duration `mapstructure:"headless_nav_timeout"`
	// PromoteThreshold is the body size under which script heavy pages are
	// refetched headless by the auto fetcher.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// StorageConfig selects the content repository backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	S3      S3Config     `mapstructure:"s3"`
}

// S3Config holds S3 connection settings. Empty keys use the default
// credential chain.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// DatabaseConfig controls access to Postgres. An empty DSN keeps crawl
// history and crawl lists in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ProgressConfig controls the crawl event hub and its sinks.
type ProgressConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	BufferSize        int               `mapstructure:"buffer_size"`
	Batch             ProgressBatchConf `mapstructure:"batch"`
	SinkTimeoutMs     int               `mapstructure:"sink_timeout_ms"`
	LogEnabled        bool              `mapstructure:"log_enabled"`
	PrometheusEnabled bool              `mapstructure:"prometheus_enabled"`
}

// ProgressBatchConf bounds hub batches.
type ProgressBatchConf struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// AlertsConfig selects where crawl alerts go.
type AlertsConfig struct {
	Kind   string             `mapstructure:"kind"`
	PubSub alert.PubSubConfig `mapstructure:"pubsub"`
	Kafka  alert.KafkaConfig  `mapstructure:"kafka"`
}

// AUsConfig lists archival units inline and/or in a YAML file.
type AUsConfig struct {
	File        string                `mapstructure:"file"`
	Definitions []registry.Definition `mapstructure:"definitions"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	sd := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled", sd.Enabled)
	v.SetDefault("scheduler.odc", sd.ODC)
	v.SetDefault("scheduler.pool_size", sd.PoolSize)
	v.SetDefault("scheduler.queue_enabled", sd.QueueEnabled)
	v.SetDefault("scheduler.queue_size", sd.QueueSize)
	v.SetDefault("scheduler.start_crawls", sd.StartCrawls)
	v.SetDefault("scheduler.start_crawls_interval", sd.StartCrawlsInterval)
	v.SetDefault("scheduler.start_crawls_initial_delay", sd.StartCrawlsInitialDelay)
	v.SetDefault("scheduler.rebuild_queue_interval", sd.RebuildQueueInterval)
	v.SetDefault("scheduler.queue_recalc_after_new_au", sd.QueueRecalcAfterNewAU)
	v.SetDefault("scheduler.queue_empty_sleep", sd.QueueEmptySleep)
	v.SetDefault("scheduler.unshared_queue_max", sd.UnsharedQueueMax)
	v.SetDefault("scheduler.shared_queue_max", sd.SharedQueueMax)
	v.SetDefault("scheduler.favor_unshared_rate_threads", sd.FavorUnsharedRateThreads)
	v.SetDefault("scheduler.max_repair_rate", sd.MaxRepairRate)
	v.SetDefault("scheduler.max_new_content_rate", sd.MaxNewContentRate)
	v.SetDefault("scheduler.new_content_start_rate", sd.NewContentStartRate)
	v.SetDefault("scheduler.min_window_open_for", sd.MinWindowOpenFor)
	v.SetDefault("scheduler.crawl_order", sd.CrawlOrder)
	v.SetDefault("scheduler.restart_after_crash", sd.RestartAfterCrash)
	v.SetDefault("scheduler.lock_expiration", sd.LockExpiration)

	fd := frontier.DefaultConfig()
	v.SetDefault("frontier.max_crawl_depth", fd.MaxCrawlDepth)
	v.SetDefault("frontier.retry_count", fd.Retry.Count)
	v.SetDefault("frontier.retry_delay", fd.Retry.Delay)
	v.SetDefault("frontier.max_retry_count", fd.Retry.MaxCount)
	v.SetDefault("frontier.min_retry_delay", fd.Retry.MinDelay)
	v.SetDefault("frontier.abort_on_first_no_permission", true)
	v.SetDefault("frontier.refetch_permission_page", true)
	v.SetDefault("frontier.persist_crawl_list", true)
	v.SetDefault("frontier.crawl_url_comparator", fd.Comparator)
	v.SetDefault("frontier.parse_use_charset", true)
	v.SetDefault("frontier.fail_on_start_url_error", fd.FailOnStartURLError)
	v.SetDefault("frontier.excluded_cache_size", fd.ExcludedCacheSize)
	v.SetDefault("frontier.excluded_cache_ttl", fd.ExcludedCacheTTL)
	v.SetDefault("frontier.permission_checkers", []string{})

	v.SetDefault("status.record_urls", "all")
	v.SetDefault("status.record_referrers", "none")
	v.SetDefault("status.keep_off_host_excludes", status.DefaultKeepOffHostExcludes)
	v.SetDefault("status.history_size", status.DefaultHistorySize)

	v.SetDefault("fetcher.kind", FetcherColly)
	v.SetDefault("fetcher.user_agent", "au-crawler/0.1")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.headless_max_parallel", 1)
	v.SetDefault("fetcher.headless_nav_timeout", 45*time.Second)
	v.SetDefault("fetcher.promote_threshold", 2048)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "content")
	v.SetDefault("storage.s3.region", "us-east-1")

	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.prometheus_enabled", true)

	v.SetDefault("alerts.kind", alert.KindLog)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Frontier.RetryCount < 0 || c.Frontier.MaxRetryCount < 0 {
		return fmt.Errorf("frontier retry counts must be >= 0")
	}
	if _, err := c.FrontierConfig(); err != nil {
		return err
	}
	switch c.Fetcher.Kind {
	case FetcherColly:
	case FetcherHeadless, FetcherAuto:
		if c.Fetcher.HeadlessMaxParallel <= 0 {
			return fmt.Errorf("fetcher.headless_max_parallel must be > 0 when headless is enabled")
		}
	default:
		return fmt.Errorf("fetcher.kind must be colly, headless or auto, got %q", c.Fetcher.Kind)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS, BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	switch c.Alerts.Kind {
	case alert.KindLog:
	case alert.KindPubSub:
		if c.Alerts.PubSub.ProjectID == "" || c.Alerts.PubSub.Topic == "" {
			return fmt.Errorf("alerts.pubsub.project_id and alerts.pubsub.topic must be set")
		}
	case alert.KindKafka:
		if len(c.Alerts.Kafka.Brokers) == 0 || c.Alerts.Kafka.Topic == "" {
			return fmt.Errorf("alerts.kafka.brokers and alerts.kafka.topic must be set")
		}
	default:
		return fmt.Errorf("alerts.kind %q is not supported", c.Alerts.Kind)
	}
	return nil
}

// SchedulerConfig converts the scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Enabled:                  s.Enabled,
		ODC:                      s.ODC,
		PoolSize:                 s.PoolSize,
		QueueEnabled:             s.QueueEnabled,
		QueueSize:                s.QueueSize,
		StartCrawls:              s.StartCrawls,
		StartCrawlsInterval:      s.StartCrawlsInterval,
		StartCrawlsInitialDelay:  s.StartCrawlsInitialDelay,
		RebuildQueueInterval:     s.RebuildQueueInterval,
		QueueRecalcAfterNewAU:    s.QueueRecalcAfterNewAU,
		QueueEmptySleep:          s.QueueEmptySleep,
		UnsharedQueueMax:         s.UnsharedQueueMax,
		SharedQueueMax:           s.SharedQueueMax,
		FavorUnsharedRateThreads: s.FavorUnsharedRateThreads,
		MaxRepairRate:            s.MaxRepairRate,
		MaxNewContentRate:        s.MaxNewContentRate,
		NewContentStartRate:      s.NewContentStartRate,
		MinWindowOpenFor:         s.MinWindowOpenFor,
		ConcurrentCrawlLimits:    s.ConcurrentCrawlLimits,
		CrawlOrder:               s.CrawlOrder,
		RestartAfterCrash:        s.RestartAfterCrash,
		LockExpiration:           s.LockExpiration,
	}
}

// FrontierConfig converts the frontier and status sections.
func (c Config) FrontierConfig() (frontier.Config, error) {
	f := c.Frontier
	recordURLs, err := status.ParseRecordMode(c.Status.RecordURLs)
	if err != nil {
		return frontier.Config{}, fmt.Errorf("status.record_urls: %w", err)
	}
	referrers, err := status.ParseReferrerMode(c.Status.RecordReferrers)
	if err != nil {
		return frontier.Config{}, fmt.Errorf("status.record_referrers: %w", err)
	}
	switch f.CrawlURLComparator {
	case "", frontier.ComparatorBreadthFirst, frontier.ComparatorAlphabetic, frontier.ComparatorAlphabeticBreadthFirst:
	default:
		return frontier.Config{}, fmt.Errorf("frontier.crawl_url_comparator %q is not supported", f.CrawlURLComparator)
	}
	return frontier.Config{
		MaxCrawlDepth: f.MaxCrawlDepth,
		RefetchDepth:  f.RefetchDepth,
		Retry: frontier.RetryPolicy{
			Count:    f.RetryCount,
			MaxCount: f.MaxRetryCount,
			Delay:    f.RetryDelay,
			MinDelay: f.MinRetryDelay,
		},
		PersistCrawlList:    f.PersistCrawlList,
		Comparator:          f.CrawlURLComparator,
		ParseUseCharset:     f.ParseUseCharset,
		ReparseAll:          f.ReparseAll,
		RefetchEmptyFiles:   f.RefetchEmptyFiles,
		FailOnStartURLError: f.FailOnStartURLError,
		ExcludedCacheSize:   f.ExcludedCacheSize,
		ExcludedCacheTTL:    f.ExcludedCacheTTL,
		Status: status.Options{
			RecordURLs:          recordURLs,
			RecordReferrers:     referrers,
			KeepOffHostExcludes: c.Status.KeepOffHostExcludes,
		},
	}, nil
}

// PermissionConfig converts the permission settings of the frontier
// section.
func (c Config) PermissionConfig() permission.Config {
	return permission.Config{
		AbortOnFirstNoPermission: c.Frontier.AbortOnFirstNoPermission,
		RefetchPermissionPage:    c.Frontier.RefetchPermissionPage,
	}
}
