// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/api"
	"github.com/JakeFAU/recall-crawler/internal/clock/system"
	"github.com/JakeFAU/recall-crawler/internal/config"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/dispatcher"
	"github.com/JakeFAU/recall-crawler/internal/embedding"
	"github.com/JakeFAU/recall-crawler/internal/embedding/hashing"
	"github.com/JakeFAU/recall-crawler/internal/embedding/openai"
	collyfetcher "github.com/JakeFAU/recall-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/recall-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/recall-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recall-crawler/internal/headless/detector"
	"github.com/JakeFAU/recall-crawler/internal/id/uuid"
	"github.com/JakeFAU/recall-crawler/internal/logging"
	"github.com/JakeFAU/recall-crawler/internal/metrics"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
	"github.com/JakeFAU/recall-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/recall-crawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/recall-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/recall-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/recall-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/recall-crawler/internal/queue/memory"
	"github.com/JakeFAU/recall-crawler/internal/recall"
	"github.com/JakeFAU/recall-crawler/internal/scheduler"
	"github.com/JakeFAU/recall-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/recall-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/recall-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/recall-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/recall-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/recall-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/recall-crawler/internal/worker"
)

type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       crawler.Store
	pipeline    *pipeline.Pipeline
	recall      *recall.Engine
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	schedule    *scheduler.Scheduler
	progressHub *progress.Hub
	queue       *queueMemory.Queue
	headless    *headlessfetcher.Renderer
	closers     []namedCloser
	closeOnce   sync.Once
	// background closes when workers and scheduler have stopped.
	background  <-chan struct{}
}

type namedCloser struct {
	name string
	c    closer
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the indexing pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Recall ranks stored chunks against query.
func (a *App) Recall(ctx context.Context, query string) ([]crawler.RecallResult, error) {
	results, err := a.recall.Recall(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	return results, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the scheduler, and the HTTP server, and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.background = a.startBackground(ctx)

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

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := waitFor(shutdownCtx, a.background); err != nil {
		a.logger.Warn("site passes still running at shutdown", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// startBackground runs the workers and the scheduler until ctx is done. The
// returned channel closes once every in-flight site pass has returned.
func (a *App) startBackground(ctx context.Context) <-chan struct{} {
	var wg sync.WaitGroup
	wg.Go(func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
		a.dispatch.Run(ctx)
		a.logger.Info("dispatcher stopped")
	})
	if a.schedule != nil {
		wg.Go(func() {
			a.logger.Info("scheduler started", zap.Duration("interval", a.cfg.ScheduleInterval()))
			a.schedule.Run(ctx)
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Crawl runs one pass over urls, or over every stored site plus the
// configured seeds when urls is empty.
func (a *App) Crawl(ctx context.Context, urls []string) ([]pipeline.SiteResult, error) {
	if len(urls) == 0 {
		sites, err := a.store.ListSites(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sites: %w", err)
		}
		for _, s := range sites {
			urls = append(urls, s.StartURL)
		}
		urls = append(urls, a.cfg.Crawler.Sites...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no sites to crawl")
	}
	results, err := a.pipeline.CrawlSites(ctx, dedupe(urls))
	if err != nil {
		return results, fmt.Errorf("crawl: %w", err)
	}
	return results, nil
}

// Close gracefully shuts down the application. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	// Reverse order: the store opened first closes last.
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", nc.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) addCloser(name string, c closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.store, err = setupStore(ctx, a)
	if err != nil {
		return err
	}

	embedder, err := setupEmbedder(a)
	if err != nil {
		return err
	}

	archiver, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}

	publisher, topic, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	progressEmitter, err := setupProgress(ctx, a)
	if err != nil {
		return err
	}

	clock := system.New()
	idGen := uuid.New()
	a.pipeline, err = setupPipeline(a, embedder, archiver, publisher, topic, progressEmitter, clock, idGen)
	if err != nil {
		return err
	}
	a.recall = recall.New(a.store, embedder, a.cfg.Recall.TopK, a.logger)

	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.dispatch = setupDispatcher(a)
	if a.cfg.Crawler.Schedule.Enabled {
		a.schedule = scheduler.New(a.store, a.dispatch, a.cfg.Crawler.Sites, a.cfg.ScheduleInterval(), clock, a.logger)
	}

	a.apiServer = api.NewServer(
		a.store,
		a.pipeline,
		a.recall,
		a.dispatch,
		idGen,
		clock,
		*a.cfg,
		a.logger,
	)
	return nil
}

func setupStore(ctx context.Context, app *App) (crawler.Store, error) {
	switch app.cfg.Store.Backend {
	case "postgres":
		app.logger.Info("using postgres store")
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:         app.cfg.Database.DSN,
			TablePrefix: app.cfg.Database.TablePrefix,
			MaxConns:    int32(app.cfg.Database.MaxOpenConns), //nolint:gosec // validated small value
			MinConns:    int32(app.cfg.Database.MinConns),     //nolint:gosec // validated small value
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.addCloser("postgres", st)
		if app.cfg.Database.Migrate {
			if err := st.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
			app.logger.Info("postgres schema applied", zap.String("table_prefix", app.cfg.Database.TablePrefix))
		}
		return st, nil
	case "sqlite":
		app.logger.Info("using sqlite store", zap.String("path", app.cfg.Store.SQLitePath))
		st, err := sqlitestore.Open(ctx, app.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.addCloser("sqlite", st)
		return st, nil
	default:
		app.logger.Info("using in-memory store")
		return memoryStorage.NewStore(), nil
	}
}

func setupEmbedder(app *App) (crawler.Embedder, error) {
	var base crawler.Embedder
	switch app.cfg.Embedding.Provider {
	case "openai":
		client, err := openai.New(openai.Config{
			APIKey:     app.cfg.Embedding.APIKey,
			BaseURL:    app.cfg.Embedding.BaseURL,
			Model:      app.cfg.Embedding.Model,
			Dimensions: app.cfg.Embedding.Dimensions,
			Timeout:    time.Duration(app.cfg.Embedding.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		base = client
		app.logger.Info("using openai embedder", zap.String("model", app.cfg.Embedding.Model))
	default:
		base = hashing.New(app.cfg.Embedding.Dimensions)
		app.logger.Warn("using hashing embedder; recall quality is lexical only",
			zap.Int("dimensions", base.Dimensions()))
	}
	retry := crawler.NewExponentialRetryPolicy(
		app.cfg.Embedding.MaxRetries,
		time.Duration(app.cfg.Embedding.BackoffInitialMs)*time.Millisecond,
		time.Duration(app.cfg.Embedding.BackoffMaxMs)*time.Millisecond,
	)
	return embedding.NewThrottled(base, embedding.Options{
		RPS:           app.cfg.Embedding.RPS,
		Burst:         app.cfg.Embedding.Burst,
		MaxConcurrent: int64(app.cfg.Embedding.MaxConcurrent),
		Timeout:       time.Duration(app.cfg.Embedding.TimeoutSeconds) * time.Second,
		Retry:         retry,
		Logger:        app.logger.Named("embedding"),
	}), nil
}

func setupArchive(ctx context.Context, app *App) (*storage.Archiver, error) {
	var blobStore crawler.BlobStore
	switch app.cfg.Archive.Backend {
	case "gcs":
		app.logger.Info("using GCS snapshot archive", zap.String("bucket", app.cfg.Archive.GCSBucket))
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.addCloser("gcs", gcs)
		blobStore = gcs
	case "local":
		app.logger.Info("using local snapshot archive", zap.String("path", app.cfg.Archive.LocalDir))
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.addCloser("local archive", local)
		blobStore = local
	case "memory":
		app.logger.Info("using in-memory snapshot archive")
		blobStore = memoryStorage.NewBlobStore()
	default:
		app.logger.Info("snapshot archive disabled")
		return nil, nil
	}
	return storage.NewArchiver(blobStore, app.cfg.Archive.Prefix, app.cfg.Archive.ContentType), nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, string, error) {
	topic := app.cfg.Publisher.Topic
	switch app.cfg.Publisher.Backend {
	case "pubsub":
		p, err := gcppublisher.Open(ctx, app.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.addCloser("pubsub", p)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.Publisher.ProjectID),
			zap.String("topic", topic),
		)
		return p, topic, nil
	case "kafka":
		p, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      app.cfg.Publisher.KafkaBrokers,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, "", fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.addCloser("kafka", p)
		app.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", app.cfg.Publisher.KafkaBrokers),
			zap.String("topic", topic),
		)
		return p, topic, nil
	case "memory":
		app.logger.Info("using in-memory publisher", zap.String("topic", topic))
		return memorypublisher.New(), topic, nil
	default:
		app.logger.Info("change notifications disabled")
		return nil, "", nil
	}
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("progress prometheus sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if app.cfg.Progress.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.BatchMaxItems,
		MaxBatchWait:   time.Duration(app.cfg.Progress.BatchMaxMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         app.logger,
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupPipeline(
	app *App,
	embedder crawler.Embedder,
	archiver *storage.Archiver,
	publisher crawler.Publisher,
	topic string,
	progressEmitter progress.Emitter,
	clock crawler.Clock,
	idGen crawler.IDGenerator,
) (*pipeline.Pipeline, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Crawler.UserAgent,
		RespectRobots: !app.cfg.Crawler.IgnoreRobots,
		Timeout:       app.cfg.FetchTimeout(),
		HeadTimeout:   app.cfg.HeadTimeout(),
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", app.cfg.Crawler.UserAgent))

	var headless crawler.Fetcher
	if app.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
			Settle:            time.Duration(app.cfg.Headless.SettleMillis) * time.Millisecond,
			BlockAssets:       app.cfg.Headless.BlockAssets,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed; static fetches only", zap.Error(err))
		} else {
			app.headless = hf
			headless = hf
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		}
	}

	p, err := pipeline.New(pipeline.Config{
		ChunkMaxTokens: app.cfg.Crawler.ChunkMaxTokens,
		Workers:        app.cfg.Crawler.Workers,
		ExtractText:    app.cfg.Crawler.ExtractText,
		HeadlessAlways: app.cfg.Headless.Always && headless != nil,
		Topic:          topic,
	}, pipeline.Deps{
		Store:     app.store,
		Head:      static,
		Fetcher:   static,
		Headless:  headless,
		Promoter:  detector.NewHeuristic(app.cfg.Headless.PromotionThresh),
		Embedder:  embedder,
		Hasher:    sha256.New(),
		Clock:     clock,
		IDs:       idGen,
		Archiver:  archiver,
		Publisher: publisher,
		Progress:  progressEmitter,
		Logger:    app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return p, nil
}

func setupDispatcher(app *App) *dispatcher.Dispatcher {
	retry := crawler.NewExponentialRetryPolicy(3, time.Second, time.Minute)
	return dispatcher.New(app.queue, app.cfg.Crawler.Workers, func(id int, q crawler.Queue) *worker.Worker {
		return worker.New(id, q, app.pipeline, retry, app.logger)
	}, app.logger)
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		key := u
		if n, err := crawler.NormalizeURL(u); err == nil {
			key = n
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
