// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/au-crawler/internal/alert"
	"github.com/JakeFAU/au-crawler/internal/api"
	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/config"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/au-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/au-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/au-crawler/internal/fetcher/promote"
	"github.com/JakeFAU/au-crawler/internal/frontier"
	"github.com/JakeFAU/au-crawler/internal/headless/detector"
	"github.com/JakeFAU/au-crawler/internal/id/uuid"
	"github.com/JakeFAU/au-crawler/internal/logging"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/permission"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/au-crawler/internal/progress/sinks"
	"github.com/JakeFAU/au-crawler/internal/registry"
	"github.com/JakeFAU/au-crawler/internal/scheduler"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/au-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/au-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/au-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/au-crawler/internal/storage/postgres"
	s3storage "github.com/JakeFAU/au-crawler/internal/storage/s3"
	"github.com/JakeFAU/au-crawler/internal/store"
)

// ErrAUBusy is returned by CrawlOnce when another activity holds the unit.
var ErrAUBusy = errors.New("au is busy with another activity")

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	clock       *system.Clock
	defs        []registry.Definition
	registry    *registry.Registry
	regulator   *registry.Regulator
	statuses    *status.Source
	history     store.HistoryRepository
	newCrawl    scheduler.CrawlerFactory
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server
	progressHub *progress.Hub
	closers     []closer
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. Nothing is started until
// Run or CrawlOnce.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("fetcher", cfg.Fetcher.Kind),
		zap.String("alerts", cfg.Alerts.Kind),
	)

	app.defs, err = loadDefinitions(cfg.AUs)
	if err != nil {
		return nil, err
	}

	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	repo, err := storage.NewRepository(blobs, storage.Options{
		Prefix: cfg.Storage.Prefix,
		Clock:  app.clock,
		Logger: logger.Named("repository"),
	})
	if err != nil {
		return nil, fmt.Errorf("content repository init failed: %w", err)
	}

	crawlLists, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}

	alerts, err := setupAlerts(ctx, app)
	if err != nil {
		return nil, err
	}

	fetcher, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}

	robots := permission.NewRobotsChecker(fetcher, cfg.Fetcher.UserAgent, logger)
	daemonCheckers, err := daemonCheckers(cfg.Frontier.PermissionCheckers, robots)
	if err != nil {
		return nil, err
	}
	permissions := permission.NewEngine(cfg.PermissionConfig(), daemonCheckers, logger)

	app.registry = registry.New(registry.Options{
		History: app.history,
		Robots:  robots,
		Logger:  logger,
	})
	app.regulator = registry.NewRegulator(app.clock)
	app.statuses = status.NewSource(cfg.Status.HistorySize)

	emitter := setupProgress(ctx, app)

	limiters, err := ratelimit.NewRegistry(registry.DefaultFetchRate, app.clock)
	if err != nil {
		return nil, fmt.Errorf("fetch rate limiters init failed: %w", err)
	}
	frontierCfg, err := cfg.FrontierConfig()
	if err != nil {
		return nil, err
	}
	frontierCfg.Status.Clock = app.clock
	app.newCrawl = scheduler.FrontierFactory(frontierCfg, frontier.Deps{
		Fetcher:     fetcher,
		Repository:  repo,
		Limiters:    limiters,
		Permissions: permissions,
		CrawlLists:  crawlLists,
		Alerts:      alerts,
		Progress:    emitter,
		Clock:       app.clock,
		IDs:         uuid.NewUUIDGenerator(),
		Logger:      logger,
	})

	app.scheduler, err = scheduler.New(cfg.SchedulerConfig(), scheduler.Deps{
		Registry:  app.registry,
		Regulator: app.regulator,
		NewCrawl:  app.newCrawl,
		Statuses:  app.statuses,
		Clock:     app.clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.scheduler, app.registry, app.statuses, app.history, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Logger:      logger.Named("api"),
	})

	ok = true
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Definitions returns the configured unit definitions.
func (a *App) Definitions() []registry.Definition { return a.defs }

// Run loads the units, starts the scheduler and serves the API until ctx
// is canceled or SIGINT/SIGTERM arrives. The caller still owns Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.registry.Load(gctx, a.defs); err != nil {
			return fmt.Errorf("load aus: %w", err)
		}
		a.scheduler.RebuildQueueSoon()
		return nil
	})
	g.Go(func() error {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Error("scheduler stop error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// CrawlOnce loads the units and runs one new-content crawl of auid in the
// foreground, bypassing the scheduler's admission gate.
func (a *App) CrawlOnce(ctx context.Context, auid string) (status.Snapshot, error) {
	if !a.registry.AUsStarted() {
		if err := a.registry.Load(ctx, a.defs); err != nil {
			return status.Snapshot{}, fmt.Errorf("load aus: %w", err)
		}
	}
	au, err := a.registry.Lookup(auid)
	if err != nil {
		return status.Snapshot{}, err
	}
	lock := a.regulator.Acquire(auid, crawler.ActivityNewContentCrawl, a.cfg.Scheduler.LockExpiration)
	if lock == nil {
		return status.Snapshot{}, fmt.Errorf("crawl %s: %w", auid, ErrAUBusy)
	}
	defer lock.Expire()

	c, err := a.newCrawl(au, frontier.Request{Type: crawler.CrawlNewContent})
	if err != nil {
		return status.Snapshot{}, err
	}
	st := c.Status()
	a.statuses.Add(st)
	success := c.Crawl(ctx)
	a.statuses.Finish(st)
	a.logger.Info("crawl finished", zap.String("auid", auid), zap.Bool("success", success))
	return st.Snapshot(true), nil
}

// ShutdownTimeout bounds Close and the drain in Run.
func (a *App) ShutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
}

func loadDefinitions(cfg config.AUsConfig) ([]registry.Definition, error) {
	defs := append([]registry.Definition(nil), cfg.Definitions...)
	if cfg.File != "" {
		fromFile, err := registry.LoadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("load au file: %w", err)
		}
		defs = append(defs, fromFile...)
	}
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if _, dup := seen[d.AUID]; dup {
			return nil, fmt.Errorf("au %s is defined twice", d.AUID)
		}
		seen[d.AUID] = struct{}{}
	}
	return defs, nil
}

func setupStorage(ctx context.Context, app *App) (storage.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return blobs.Close() })
		return blobs, nil
	case config.BackendS3:
		app.logger.Info("using S3 storage backend", zap.String("bucket", cfg.Bucket), zap.String("endpoint", cfg.S3.Endpoint))
		blobs, err := s3storage.Dial(ctx, s3storage.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupDatabase picks Postgres or in-memory history and crawl lists.
func setupDatabase(ctx context.Context, app *App) (store.CrawlListRepository, error) {
	cfg := app.cfg.Database
	if cfg.DSN == "" {
		app.logger.Warn("no database DSN configured, keeping crawl history in memory")
		app.history = memorystorage.NewHistoryStore()
		return memorystorage.NewCrawlListStore(), nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	app.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if cfg.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	history, err := pgstore.NewHistoryStore(pool)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	app.history = history
	lists, err := pgstore.NewCrawlListStore(pool, "")
	if err != nil {
		return nil, fmt.Errorf("crawl list store init failed: %w", err)
	}
	app.logger.Info("postgres history initialized")
	return lists, nil
}

func setupAlerts(ctx context.Context, app *App) (crawler.AlertSink, error) {
	sinks := alert.Multi{alert.NewLogSink(app.logger)}
	cfg := app.cfg.Alerts
	switch cfg.Kind {
	case alert.KindPubSub:
		sink, err := alert.DialPubSub(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("pubsub alerts init failed: %w", err)
		}
		app.onClose("pubsub", func(context.Context) error { return sink.Close() })
		sinks = append(sinks, sink)
		app.logger.Info("Pub/Sub alerts initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.Topic),
		)
	case alert.KindKafka:
		sink, err := alert.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka alerts init failed: %w", err)
		}
		app.onClose("kafka", func(context.Context) error { return sink.Close() })
		sinks = append(sinks, sink)
		app.logger.Info("Kafka alerts initialized",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}
	return sinks, nil
}

func setupFetcher(app *App) (crawler.Fetcher, error) {
	cfg := app.cfg.Fetcher
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.Timeout,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	}, app.logger)
	if cfg.Kind == config.FetcherColly {
		app.logger.Info("using colly fetcher",
			zap.String("user_agent", cfg.UserAgent),
			zap.Bool("respect_robots", cfg.RespectRobots),
		)
		return static, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.HeadlessMaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.HeadlessNavTimeout,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.onClose("headless", func(context.Context) error {
		headless.Close()
		return nil
	})
	if cfg.Kind == config.FetcherHeadless {
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.HeadlessMaxParallel))
		return headless, nil
	}

	app.logger.Info("using promoting fetcher",
		zap.Int("max_parallel", cfg.HeadlessMaxParallel),
		zap.Int("promote_threshold", cfg.PromoteThreshold),
	)
	f, err := promote.New(static, headless, detector.NewHeuristic(cfg.PromoteThreshold), app.logger)
	if err != nil {
		return nil, fmt.Errorf("promoting fetcher init failed: %w", err)
	}
	return f, nil
}

func daemonCheckers(names []string, robots crawler.PermissionChecker) ([]crawler.PermissionChecker, error) {
	out := make([]crawler.PermissionChecker, 0, len(names))
	for _, name := range names {
		switch name {
		case "string":
			out = append(out, permission.NewStringChecker(""))
		case "creative_commons":
			out = append(out, permission.CreativeCommonsChecker{})
		case "robots":
			out = append(out, robots)
		default:
			return nil, fmt.Errorf("unknown permission checker %q", name)
		}
	}
	return out, nil
}

// setupProgress returns nil when progress tracking is disabled or no
// sink is configured.
func setupProgress(ctx context.Context, app *App) progress.Emitter {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if app.history != nil {
		sinkList = append(sinkList, progresssinks.NewHistorySink(app.history, app.logger.Named("progress_history")))
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if cfg.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
		} else {
			sinkList = append(sinkList, sink)
		}
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub
}
