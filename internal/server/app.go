// Package server builds the application from configuration and runs it.
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

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/lien-crawler/internal/api"
	"github.com/JakeFAU/lien-crawler/internal/config"
	"github.com/JakeFAU/lien-crawler/internal/document"
	"github.com/JakeFAU/lien-crawler/internal/eventlog"
	eventsinks "github.com/JakeFAU/lien-crawler/internal/eventlog/sinks"
	"github.com/JakeFAU/lien-crawler/internal/ledger"
	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/logging"
	"github.com/JakeFAU/lien-crawler/internal/metrics"
	"github.com/JakeFAU/lien-crawler/internal/orchestrator"
	"github.com/JakeFAU/lien-crawler/internal/pacer"
	"github.com/JakeFAU/lien-crawler/internal/platform"
	memorypublisher "github.com/JakeFAU/lien-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/lien-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/lien-crawler/internal/reconcile"
	"github.com/JakeFAU/lien-crawler/internal/repair"
	"github.com/JakeFAU/lien-crawler/internal/retry"
	"github.com/JakeFAU/lien-crawler/internal/search"
	gcsstorage "github.com/JakeFAU/lien-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/lien-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/lien-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/lien-crawler/internal/storage/postgres"
	"github.com/JakeFAU/lien-crawler/internal/telemetry"
)

// ServiceName identifies the process in traces and logs.
const ServiceName = "lien-crawler"

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	reg    prometheus.Registerer

	store        lien.Store
	pg           *pgstore.Store
	blobs        lien.BlobStore
	gcsClient    *storage.Client
	pacer        *pacer.Pacer
	hub          *eventlog.Hub
	orchestrator *orchestrator.Orchestrator
	reconciler   *reconcile.Reconciler
	repairer     *repair.Repairer
	syncer       *ledger.Syncer
	publisher    *gcppublisher.Publisher
	apiServer    *api.Server

	browserCancel  context.CancelFunc
	tracerProvider *sdktrace.TracerProvider
	closeOnce      sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithLogger supplies the logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer sets where the event log collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.reg = reg }
}

// Build creates the application's dependencies. On failure everything built so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	app = &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	if app.reg == nil {
		app.reg = prometheus.DefaultRegisterer
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	metrics.Init()
	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, ServiceName, Version)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("ledger", cfg.Ledger.Enabled),
	)

	if err = app.setupDatabase(ctx); err != nil {
		return app, err
	}
	if err = app.seedJurisdictions(ctx); err != nil {
		return app, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return app, err
	}
	if err = app.setupEventLog(ctx); err != nil {
		return app, err
	}
	if err = app.setupPipeline(ctx); err != nil {
		return app, err
	}
	if err = app.setupLedger(ctx); err != nil {
		return app, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Store:        app.store,
		Blobs:        app.blobs,
		Orchestrator: app.orchestrator,
		Reconciler:   app.reconciler,
		Repairer:     app.repairer,
		Ready:        app.ready,
	}, cfg.Auth, app.logger.Named("api"))

	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	clock := platform.NewSystemClock()
	ids := platform.NewUUIDGenerator()
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using the in-memory store")
		a.store = memorystorage.NewStore(memorystorage.WithClock(clock), memorystorage.WithIDGenerator(ids))
		return nil
	}
	pg, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, pgstore.WithClock(clock), pgstore.WithIDGenerator(ids))
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pg = pg
	a.store = pg
	if a.cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema migrated")
	}
	return nil
}

// seedJurisdictions upserts the profiles declared in configuration.
func (a *App) seedJurisdictions(ctx context.Context) error {
	for _, profile := range a.cfg.Jurisdictions {
		if err := a.store.UpsertProfile(ctx, profile); err != nil {
			return fmt.Errorf("seed jurisdiction %s: %w", profile.ID, err)
		}
	}
	if n := len(a.cfg.Jurisdictions); n > 0 {
		a.logger.Info("jurisdictions seeded from config", zap.Int("count", n))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupEventLog(ctx context.Context) error {
	sinkList := []eventlog.Sink{eventsinks.NewStoreSink(a.store, a.logger.Named("eventlog_store"))}
	if a.cfg.EventLog.LogEnabled {
		sinkList = append(sinkList, eventsinks.NewLogSink(a.logger.Named("eventlog")))
	}
	promSink, err := eventsinks.NewPrometheusSink(a.reg)
	if err != nil {
		return fmt.Errorf("eventlog prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := eventlog.Config{
		QueueSize:     a.cfg.EventLog.BufferSize,
		BatchSize:     a.cfg.EventLog.MaxBatch,
		FlushInterval: time.Duration(a.cfg.EventLog.MaxWaitMs) * time.Millisecond,
		SinkTimeout:   time.Duration(a.cfg.EventLog.SinkTimeoutMs) * time.Millisecond,
		BaseContext:   context.WithoutCancel(ctx),
		Logger:        a.logger.Named("eventlog_hub"),
	}
	a.hub = eventlog.NewHub(hubCfg, sinkList...)
	a.logger.Info("event log hub initialized",
		zap.Int("queue_size", hubCfg.QueueSize),
		zap.Int("batch_size", hubCfg.BatchSize),
		zap.Duration("flush_interval", hubCfg.FlushInterval),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// setupPipeline wires the pacer, search engine, document retriever, orchestrator, reconciler
// and repairer.
func (a *App) setupPipeline(ctx context.Context) error {
	clock := platform.NewSystemClock()
	httpCfg := a.cfg.HTTP
	a.pacer = pacer.New(pacer.WithClock(clock), pacer.WithLogger(a.logger.Named("pacer")))

	transport := search.NewTransport()
	engineOpts := []search.Option{
		search.WithDriver(lien.SearchModeHTTP, search.NewHTTPDriver(search.HTTPConfig{
			UserAgent:   httpCfg.UserAgent,
			Timeout:     httpCfg.Timeout(),
			MaxBodySize: httpCfg.MaxBodyBytes,
			Transport:   transport,
		})),
		search.WithRetryPolicy(retry.NewPolicy(
			httpCfg.MaxRetries,
			time.Duration(httpCfg.BackoffInitialMs)*time.Millisecond,
			time.Duration(httpCfg.BackoffMaxMs)*time.Millisecond,
		)),
		search.WithLogger(a.logger.Named("search")),
	}
	docHTTP := document.HTTPConfig{
		UserAgent:   httpCfg.UserAgent,
		Timeout:     httpCfg.Timeout(),
		MaxBodySize: httpCfg.MaxBodyBytes,
		Transport:   transport,
	}
	strategies := []document.Strategy{
		document.NewDirectStrategy(docHTTP),
		document.NewSessionStrategy(docHTTP),
	}

	if a.cfg.Headless.Enabled {
		allocCtx, cancel := search.NewAllocator(context.WithoutCancel(ctx))
		a.browserCancel = cancel
		navTimeout := time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second
		browserDriver, err := search.NewBrowserDriver(search.BrowserConfig{
			UserAgent:         httpCfg.UserAgent,
			NavigationTimeout: navTimeout,
			Allocator:         allocCtx,
		})
		if err != nil {
			return fmt.Errorf("browser driver init failed: %w", err)
		}
		capture, err := document.NewBrowserCaptureStrategy(document.BrowserConfig{
			UserAgent:         httpCfg.UserAgent,
			NavigationTimeout: navTimeout,
			MaxParallel:       a.cfg.Headless.MaxParallel,
			Allocator:         allocCtx,
		})
		if err != nil {
			return fmt.Errorf("browser capture init failed: %w", err)
		}
		engineOpts = append(engineOpts, search.WithDriver(lien.SearchModeBrowser, browserDriver))
		strategies = append(strategies, capture)
		a.logger.Info("headless browser enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	engine := search.NewEngine(a.pacer, engineOpts...)
	retriever, err := document.NewRetriever(document.Config{
		Strategies: strategies,
		Pacer:      a.pacer,
		Blobs:      a.blobs,
		Documents:  a.store,
		Hasher:     platform.NewSHA256Hasher(),
		IDs:        platform.NewUUIDGenerator(),
		Clock:      clock,
		Prefix:     a.cfg.Storage.Prefix,
		Logger:     a.logger.Named("document"),
	})
	if err != nil {
		return fmt.Errorf("document retriever init failed: %w", err)
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Store:        a.store,
		Searcher:     engine,
		Fetcher:      retriever,
		Pacer:        a.pacer,
		Events:       a.hub,
		Clock:        clock,
		IDs:          platform.NewUUIDGenerator(),
		Threshold:    a.cfg.Run.Threshold(),
		LookbackDays: a.cfg.Run.LookbackDays,
		Logger:       a.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	if a.cfg.Run.RecoverOrphans {
		n, err := a.orchestrator.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover orphaned runs: %w", err)
		}
		if n > 0 {
			a.logger.Warn("orphaned runs marked failed", zap.Int("count", n))
		}
	}

	a.reconciler = reconcile.New(a.store, clock, reconcile.WithRecentWindow(a.cfg.Reconcile.RecentWindow))
	a.repairer = repair.New(a.store, retriever, a.pacer, a.hub, clock, a.logger.Named("repair"))
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	if !a.cfg.Ledger.Enabled {
		a.logger.Info("ledger sync disabled")
		return nil
	}
	var sink ledger.Sink
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, ledger syncs to the in-memory publisher")
		sink = memorypublisher.New()
	} else {
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		sink = pub
		a.logger.Info("Pub/Sub ledger sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	syncer, err := ledger.NewSyncer(ledger.Config{
		Store:        a.store,
		Sink:         sink,
		Events:       a.hub,
		Clock:        platform.NewSystemClock(),
		BatchSize:    a.cfg.Ledger.BatchSize,
		PollInterval: a.cfg.Ledger.PollInterval(),
		Logger:       a.logger.Named("ledger"),
	})
	if err != nil {
		return fmt.Errorf("ledger syncer init failed: %w", err)
	}
	if a.cfg.Run.RecoverOrphans {
		if _, err := syncer.Recover(ctx); err != nil {
			return fmt.Errorf("release stale ledger claims: %w", err)
		}
	}
	a.syncer = syncer
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Ping(ctx)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the run state machine.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Reconciler returns the activity reconciler.
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Repairer returns the document repair pass.
func (a *App) Repairer() *repair.Repairer { return a.repairer }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the API and the ledger syncer until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if a.syncer != nil {
		wg.Go(func() {
			a.logger.Info("ledger syncer started", zap.Duration("poll_interval", a.cfg.Ledger.PollInterval()))
			if err := a.syncer.Run(ctx); err != nil {
				a.logger.Error("ledger syncer stopped", zap.Error(err))
			}
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.orchestrator.IsRunning() {
		a.logger.Info("stopping active run")
		_ = a.orchestrator.Stop()
		if status, err := a.orchestrator.Status(shutdownCtx); err == nil && status.LatestRunID != "" {
			if _, err := a.orchestrator.Wait(shutdownCtx, status.LatestRunID); err != nil {
				a.logger.Warn("active run did not finish before shutdown", zap.Error(err))
			}
		}
	}
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return err
	default:
		return closeErr
	}
}

// Close releases every resource Build acquired. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		errs = a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
	})
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) []error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event log hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.browserCancel != nil {
		a.browserCancel()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	return errs
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
