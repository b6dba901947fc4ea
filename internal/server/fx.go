// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/classifier"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/coordinator"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/export"
	"github.com/JakeFAU/catalog-crawler/internal/extractor"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	gcppublisher "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	queueRedis "github.com/JakeFAU/catalog-crawler/internal/queue/redis"
	stateMemory "github.com/JakeFAU/catalog-crawler/internal/state/memory"
	stateRedis "github.com/JakeFAU/catalog-crawler/internal/state/redis"
	gcsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	"github.com/JakeFAU/catalog-crawler/internal/watcher"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	redis           *goredis.Client
	store           crawler.StateStore
	queue           crawler.Queue
	closeQueue      func()
	blobs           crawler.BlobStore
	storage         *storage.Client
	archive         *pgstore.Archive
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher

	dispatch    *dispatcher.Dispatcher
	coordinator *coordinator.Coordinator
	apiServer   *api.Server
}

// Build creates the application's dependencies. ctx bounds construction;
// the returned App owns its own base context for background drains.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{cfg: cfg, logger: logger, baseCtx: baseCtx, cancelBase: cancel}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("export_backend", cfg.Export.Backend),
		zap.Int("workers", cfg.Crawler.Workers),
	)

	steps := []func(context.Context) error{
		app.setupState,
		app.setupQueue,
		app.setupStorage,
		app.setupDatabase,
		app.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close(ctx)
			return nil, err
		}
	}
	app.setupPipeline()
	return app, nil
}

func (a *App) setupState(ctx context.Context) error {
	if a.cfg.UsesRedis() {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}
	if a.cfg.State.Backend != config.BackendRedis {
		a.logger.Info("using in-memory state store")
		a.store = stateMemory.NewStore()
		return nil
	}
	store, err := stateRedis.New(a.redis, stateRedis.Config{KeyPrefix: a.cfg.Redis.KeyPrefix})
	if err != nil {
		return fmt.Errorf("redis state store init failed: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("redis state store unreachable: %w", err)
	}
	a.logger.Info("using redis state store", zap.String("addr", a.cfg.Redis.Addr))
	a.store = store
	return nil
}

func (a *App) setupQueue(_ context.Context) error {
	if a.cfg.Queue.Backend != config.BackendRedis {
		q := queueMemory.NewQueue(a.cfg.Crawler.Workers * 4)
		a.queue = q
		a.closeQueue = q.Close
		metrics.SetQueueDepthSource(func(context.Context) (int64, error) { return int64(q.Len()), nil })
		a.logger.Info("using in-memory task queue")
		return nil
	}
	q, err := queueRedis.New(a.redis, queueRedis.Config{
		Key:         a.cfg.Queue.Key,
		PollTimeout: a.cfg.QueuePollTimeout(),
	})
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.queue = q
	a.closeQueue = func() {}
	metrics.SetQueueDepthSource(q.Len)
	a.logger.Info("using redis task queue", zap.String("key", a.cfg.Queue.Key))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Export.Backend {
	case config.BackendGCS:
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Export.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS export store", zap.String("bucket", a.cfg.Export.GCSBucket))
	case config.BackendLocal:
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local export store", zap.String("path", a.cfg.Export.LocalDir))
	default:
		a.logger.Info("using in-memory export store")
		a.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database dsn configured, record archive disabled")
		return nil
	}
	archive, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.ConnMaxLifetime(),
	})
	if err != nil {
		return fmt.Errorf("record archive init failed: %w", err)
	}
	a.archive = archive
	if a.cfg.Database.EnsureSchema {
		if err := archive.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("record archive schema: %w", err)
		}
	}
	a.logger.Info("record archive initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, completion events disabled")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupPipeline() {
	cfg := a.cfg
	clock := system.New()

	front := frontier.New(
		a.store,
		a.queue,
		classifier.New(classifier.Config{
			Host:           hostOf(cfg.Crawler.BaseURL),
			LeafPrefixes:   cfg.Crawler.LeafPrefixes,
			BranchPrefixes: cfg.Crawler.BranchPrefixes,
		}),
		clock,
		frontier.Config{MaxRecords: cfg.Crawler.MaxRecords},
		a.logger.Named("frontier"),
	)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.BackoffInitial(),
	}, a.logger.Named("fetcher"))
	extract := extractor.New(cfg.Extractor)
	workerCfg := worker.Config{
		BaseURL:            cfg.Crawler.BaseURL,
		RootLinkSelector:   cfg.Crawler.RootLinkSelector,
		NestedLinkSelector: cfg.Crawler.NestedLinkSelector,
		CheckCategory:      cfg.Crawler.CheckCategory,
	}

	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Workers)
	for i := range cfg.Crawler.Workers {
		runners = append(runners, worker.New(
			a.queue,
			a.store,
			fetcher,
			extract,
			front,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(runners)

	var opts []coordinator.Option
	if a.pubsubPublisher != nil {
		opts = append(opts, coordinator.WithPublisher(a.pubsubPublisher))
	}
	if a.archive != nil {
		opts = append(opts, coordinator.WithArchive(a.archive))
	}
	a.coordinator = coordinator.New(
		a.baseCtx,
		a.store,
		front,
		watcher.New(a.store, cfg.PollInterval(), a.logger.Named("watcher")),
		export.New(a.store),
		a.blobs,
		uuid.New(),
		clock,
		coordinator.Config{
			RootPattern:        cfg.Crawler.RootPattern,
			ExportPrefix:       cfg.Export.Prefix,
			MaxWait:            cfg.MaxWait(),
			PollInterval:       cfg.PollInterval(),
			Topic:              cfg.PubSub.TopicName,
			CleanupAfterExport: cfg.State.CleanupAfterExport,
		},
		a.logger.Named("coordinator"),
		opts...,
	)

	var apiOpts []api.Option
	if a.redis != nil {
		apiOpts = append(apiOpts, api.WithReadiness(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	a.apiServer = api.NewServer(a.coordinator, sha256.New(), *cfg, a.logger.Named("api"), apiOpts...)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API and runs the worker pool until SIGINT/SIGTERM. A
// worker pool failure shuts the server down and is returned.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolDone := a.startWorkers(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	var poolErr error
	select {
	case <-ctx.Done():
	case poolErr = <-poolDone:
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.cancelBase()
	a.closeQueue()
	if err := <-poolDone; err != nil {
		poolErr = err
	}
	a.coordinator.Wait()
	a.Close(shutdownCtx)
	return poolErr
}

// RunWorkers runs only the worker pool, consuming a shared queue.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.BackendRedis {
		return fmt.Errorf("worker mode needs queue.backend %q", config.BackendRedis)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := <-a.startWorkers(ctx)
	a.Close(context.Background())
	return err
}

// Collect crawls one category in-process and returns its export. The pool
// stops once the export is ready; a pool failure aborts the wait.
func (a *App) Collect(ctx context.Context, category string) (crawler.Export, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	poolCtx, cancelPool := context.WithCancel(gctx)
	defer cancelPool()
	g.Go(func() error {
		return <-a.startWorkers(poolCtx)
	})
	var exp crawler.Export
	g.Go(func() error {
		defer cancelPool()
		var err error
		exp, err = a.coordinator.Collect(gctx, category)
		return err
	})
	err := g.Wait()

	a.cancelBase()
	a.closeQueue()
	a.coordinator.Wait()
	a.Close(context.Background())
	if err != nil {
		return crawler.Export{}, err
	}
	return exp, nil
}

// startWorkers runs the pool in the background. The channel yields the
// pool's result once and is then closed.
func (a *App) startWorkers(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		a.logger.Info("worker pool started", zap.Int("workers", a.dispatch.Size()))
		err := a.dispatch.Run(ctx)
		if err != nil {
			a.logger.Error("worker pool failed", zap.Error(err))
		} else {
			a.logger.Info("worker pool stopped")
		}
		done <- err
	}()
	return done
}

// Close releases infrastructure clients.
func (a *App) Close(_ context.Context) {
	a.cancelBase()
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
