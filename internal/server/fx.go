// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/api"
	"github.com/smrk-ai/simplecomptool/internal/clock/system"
	"github.com/smrk-ai/simplecomptool/internal/config"
	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/discover"
	"github.com/smrk-ai/simplecomptool/internal/dispatcher"
	collyfetcher "github.com/smrk-ai/simplecomptool/internal/fetcher/colly"
	headlessfetcher "github.com/smrk-ai/simplecomptool/internal/fetcher/headless"
	rodfetcher "github.com/smrk-ai/simplecomptool/internal/fetcher/rod"
	"github.com/smrk-ai/simplecomptool/internal/fetchmgr"
	"github.com/smrk-ai/simplecomptool/internal/id/uuid"
	"github.com/smrk-ai/simplecomptool/internal/logging"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
	"github.com/smrk-ai/simplecomptool/internal/policy/ratelimit"
	"github.com/smrk-ai/simplecomptool/internal/progress"
	progresssinks "github.com/smrk-ai/simplecomptool/internal/progress/sinks"
	memorypublisher "github.com/smrk-ai/simplecomptool/internal/publisher/memory"
	gcppublisher "github.com/smrk-ai/simplecomptool/internal/publisher/pubsub"
	queuememory "github.com/smrk-ai/simplecomptool/internal/queue/memory"
	"github.com/smrk-ai/simplecomptool/internal/rendermode"
	"github.com/smrk-ai/simplecomptool/internal/scan"
	gcsstorage "github.com/smrk-ai/simplecomptool/internal/storage/gcs"
	localstorage "github.com/smrk-ai/simplecomptool/internal/storage/local"
	memorystorage "github.com/smrk-ai/simplecomptool/internal/storage/memory"
	pgstore "github.com/smrk-ai/simplecomptool/internal/storage/postgres"
	sqlitestore "github.com/smrk-ai/simplecomptool/internal/storage/sqlite"
	"github.com/smrk-ai/simplecomptool/internal/summarizer/gemini"
	"github.com/smrk-ai/simplecomptool/internal/telemetry"
)

// storeCloser is a crawler.Store that also serves the read endpoints.
type storeCloser interface {
	crawler.Store
	api.Reader
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	service     *scan.Service
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	publisher   *gcppublisher.Publisher
	storage     *storage.Client
	store       storeCloser
	tracing     telemetry.Shutdown

	dispatchDone chan struct{}
	startOnce    sync.Once
	closeOnce    sync.Once
	draining     atomic.Bool
}

// Build creates the application's dependencies. Nothing starts until Run
// or Start is called.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:          cfg,
		logger:       logger,
		dispatchDone: make(chan struct{}),
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("blob", cfg.Blob.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	app.tracing, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	if err = app.build(ctx); err != nil {
		if cerr := app.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()
	ids := uuid.New()

	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	if err = a.setupStore(ctx, blobs, clock, ids); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}
	summarizer, err := a.setupSummarizer(ctx)
	if err != nil {
		return err
	}

	queue := queuememory.NewQueue(a.cfg.Scan.QueueDepth)
	a.dispatch = dispatcher.New(queue, a.cfg.Scan.Workers, a.logger.Named("dispatcher"))

	a.service, err = scan.New(scan.Config{
		PhaseATimeout:   a.cfg.PhaseATimeout(),
		GlobalTimeout:   a.cfg.GlobalTimeout(),
		CompletionTopic: a.cfg.Scan.CompletionTopic,
	}, scan.Deps{
		Store:      a.store,
		Blobs:      blobs,
		Fetch:      a.setupFetch(),
		Runner:     a.dispatch,
		Discoverer: discover.New(a.cfg.Scan.MaxURLs, a.logger.Named("discover")),
		Decider:    rendermode.New(a.cfg.Scan.MinQuickText, a.logger.Named("rendermode")),
		Summarizer: summarizer,
		Publisher:  publisher,
		Emitter:    emitter,
		Clock:      clock,
		IDs:        ids,
		Logger:     a.logger.Named("scan"),
	})
	if err != nil {
		return fmt.Errorf("scan service init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.service, a.store, api.Config{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSec) * time.Second,
		Ready:          a.ready,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Blob.GCS.Bucket,
			Prefix: a.cfg.Blob.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Blob.GCS.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Blob.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupStore(ctx context.Context, blobs crawler.BlobStore, clock crawler.Clock, ids crawler.IDGenerator) error {
	switch a.cfg.Store.Backend {
	case "sqlite":
		st, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        a.cfg.Store.SQLite.Path,
			BusyTimeout: time.Duration(a.cfg.Store.SQLite.BusyTimeoutMs) * time.Millisecond,
		}, blobs, clock, ids)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.SQLite.Path))
	case "postgres":
		pg := a.cfg.Store.Postgres
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifetimeSec) * time.Second,
			Migrate:         pg.Migrate,
		}, blobs, clock, ids)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("using postgres store", zap.Bool("migrate", pg.Migrate))
	default:
		a.store = memorystorage.NewStore(blobs, clock, ids)
		a.logger.Info("using in-memory store")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return a.progressHub, nil
}

func (a *App) setupSummarizer(ctx context.Context) (crawler.Summarizer, error) {
	if a.cfg.Summarizer.APIKey == "" {
		a.logger.Info("no summarizer api key, profiles disabled")
		return nil, nil
	}
	s, err := gemini.New(ctx, gemini.Config{
		APIKey:      a.cfg.Summarizer.APIKey,
		Model:       a.cfg.Summarizer.Model,
		Temperature: a.cfg.Summarizer.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer init failed: %w", err)
	}
	a.logger.Info("gemini summarizer enabled", zap.String("model", a.cfg.Summarizer.Model))
	return s, nil
}

func (a *App) setupFetch() *fetchmgr.Manager {
	fc := a.cfg.Fetch
	staticCfg := collyfetcher.Config{
		UserAgent:      fc.UserAgent,
		RespectRobots:  fc.RespectRobots,
		ConnectTimeout: time.Duration(fc.ConnectTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(fc.ReadTimeoutSec) * time.Second,
		RetryDelays:    a.cfg.RetryDelays(),
	}
	staticLogger := a.logger.Named("colly")
	newStatic := func() fetchmgr.StaticFetcher {
		return collyfetcher.New(staticCfg, staticLogger)
	}

	var opts []fetchmgr.Option
	if a.cfg.RateLimit.Enabled {
		opts = append(opts, fetchmgr.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		})))
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	}

	return fetchmgr.NewManager(fetchmgr.Config{
		StaticConcurrency:   fc.StaticConcurrency,
		RenderedConcurrency: fc.RenderedConcurrency,
		EscalateThreshold:   a.cfg.Scan.EscalateThreshold,
	}, newStatic, a.rendererFactory(), a.logger.Named("fetch"), opts...)
}

func (a *App) rendererFactory() func() (crawler.Renderer, error) {
	hc := a.cfg.Headless
	if !hc.Enabled {
		a.logger.Info("headless rendering disabled")
		return func() (crawler.Renderer, error) { return headlessfetcher.NewNoop(), nil }
	}
	navTimeout := time.Duration(hc.NavTimeoutSec) * time.Second
	settle := time.Duration(hc.SettleDelayMs) * time.Millisecond
	a.logger.Info("headless rendering enabled",
		zap.String("engine", hc.Engine),
		zap.Int("max_parallel", hc.MaxParallel),
	)
	if hc.Engine == "rod" {
		logger := a.logger.Named("rod")
		return func() (crawler.Renderer, error) {
			return rodfetcher.New(rodfetcher.Config{
				MaxParallel:       hc.MaxParallel,
				NavigationTimeout: navTimeout,
				SettleDelay:       settle,
				ExecPath:          hc.ExecPath,
				NoSandbox:         hc.NoSandbox,
			}, logger), nil
		}
	}
	logger := a.logger.Named("chromedp")
	userAgent := a.cfg.Fetch.UserAgent
	return func() (crawler.Renderer, error) {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         userAgent,
			NavigationTimeout: navTimeout,
			SettleDelay:       settle,
			ExecPath:          hc.ExecPath,
			NoSandbox:         hc.NoSandbox,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("chromedp init: %w", err)
		}
		return f, nil
	}
}

func (a *App) ready(context.Context) error {
	if a.draining.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Service exposes the scan service for in-process callers such as the CLI.
func (a *App) Service() *scan.Service {
	return a.service
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Start launches the background worker pool. It stops when ctx ends.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go func() {
			defer close(a.dispatchDone)
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Scan.Workers))
			a.dispatch.Run(ctx)
			a.logger.Info("dispatcher stopped")
		}()
	})
}

// Run serves HTTP until SIGINT/SIGTERM or ctx ends, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	a.Start(workerCtx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutMs) * time.Millisecond,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	cancelWorkers()
	a.awaitDispatcher(shutdownCtx)

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

func (a *App) handler() http.Handler {
	if !a.cfg.Telemetry.TracingEnabled {
		return a.apiServer.Handler()
	}
	return telemetry.Handler(a.apiServer.Handler(), a.cfg.Telemetry.ServiceName)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSec) * time.Second
}

func (a *App) awaitDispatcher(ctx context.Context) {
	select {
	case <-a.dispatchDone:
	case <-ctx.Done():
		a.logger.Warn("dispatcher did not stop before shutdown deadline")
	}
}

// Close releases every resource held by the app. Call it after the
// dispatcher has stopped.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.progressHub != nil {
			if err := a.progressHub.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("progress hub close: %w", err))
			}
		}
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pubsub close: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store close: %w", err))
			}
		}
		if a.storage != nil {
			if err := a.storage.Close(); err != nil {
				errs = append(errs, fmt.Errorf("gcs client close: %w", err))
			}
		}
		if a.tracing != nil {
			if err := a.tracing(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.logger.Info("shutdown complete")
		if err := logging.Sync(a.logger); err != nil {
			errs = append(errs, fmt.Errorf("logger sync: %w", err))
		}
	})
	return errors.Join(errs...)
}
