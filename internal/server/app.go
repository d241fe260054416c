// Package server builds the indexer's dependencies and runs the hosted loop
// next to the ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/url-indexer/internal/api"
	"github.com/JakeFAU/url-indexer/internal/clock/system"
	"github.com/JakeFAU/url-indexer/internal/config"
	"github.com/JakeFAU/url-indexer/internal/coordination"
	"github.com/JakeFAU/url-indexer/internal/crawl"
	collyfetcher "github.com/JakeFAU/url-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/url-indexer/internal/id/uuid"
	"github.com/JakeFAU/url-indexer/internal/indexapi"
	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/inspection"
	"github.com/JakeFAU/url-indexer/internal/metrics"
	"github.com/JakeFAU/url-indexer/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/url-indexer/internal/publisher/pubsub"
	"github.com/JakeFAU/url-indexer/internal/quota"
	"github.com/JakeFAU/url-indexer/internal/scheduler"
	memorystore "github.com/JakeFAU/url-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/url-indexer/internal/storage/postgres"
	"github.com/JakeFAU/url-indexer/internal/submission"
	"github.com/JakeFAU/url-indexer/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// AccountStore is an account repository that can also seed accounts.
type AccountStore interface {
	indexing.AccountRepository
	Upsert(ctx context.Context, acct indexing.ServiceAccount) error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  indexing.Clock
	ids    indexing.IDGenerator

	settings  *config.SettingsProvider
	urls      indexing.URLRepository
	accounts  AccountStore
	scheduler *scheduler.Scheduler
	loop      *scheduler.Loop
	status    *scheduler.Status
	apiServer *api.Server

	pool           *pgxpool.Pool
	redis          redis.UniversalClient
	pubsubClient   *pubsub.Client
	pubsubReporter *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Options tune Build.
type Options struct {
	// ConfigPath, when set, is watched for settings changes.
	ConfigPath string
	// SkipAccountSeed leaves the account table untouched.
	SkipAccountSeed bool
	// CredentialSource replaces service-account files as the source of
	// authorized API clients.
	CredentialSource indexapi.ClientSource
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	ok := false
	defer func() {
		if !ok {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	var err error
	app.settings, err = config.NewSettingsProvider(cfg, logger.Named("settings"))
	if err != nil {
		return nil, fmt.Errorf("settings init failed: %w", err)
	}
	if opts.ConfigPath != "" {
		if err := config.Watch(opts.ConfigPath, app.settings); err != nil {
			return nil, fmt.Errorf("settings watch failed: %w", err)
		}
	}

	if err := app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if !opts.SkipAccountSeed {
		if err := app.seedAccounts(ctx); err != nil {
			return nil, err
		}
	}

	counter, lock, err := app.setupCoordination(ctx)
	if err != nil {
		return nil, err
	}
	reporters, err := app.setupReporters(ctx)
	if err != nil {
		return nil, err
	}
	source := opts.CredentialSource
	if source == nil {
		source = indexapi.NewServiceAccountSource(cfg.IndexingAPI.CredentialsDir)
	}
	if err := app.setupScheduler(source, counter, lock, reporters); err != nil {
		return nil, err
	}
	app.status = scheduler.NewStatus(app.urls)
	app.apiServer = api.NewServer(app.readinessChecks()...)

	ok = true
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: config.Seconds(a.cfg.DB.MaxConnLifetimeSeconds),
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		urls, err := pgstore.NewURLStore(pool)
		if err != nil {
			return fmt.Errorf("url store init failed: %w", err)
		}
		accounts, err := pgstore.NewAccountStore(pool)
		if err != nil {
			return fmt.Errorf("account store init failed: %w", err)
		}
		a.urls, a.accounts = urls, accounts
		a.logger.Info("using postgres storage", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	default:
		a.urls = memorystore.NewURLStore()
		a.accounts = memorystore.NewAccountStore()
		a.logger.Warn("using in-memory storage; state is lost on exit")
	}
	return nil
}

func (a *App) seedAccounts(ctx context.Context) error {
	for _, acct := range a.cfg.ServiceAccounts() {
		acct.CreatedAt = a.clock.Now()
		if err := a.accounts.Upsert(ctx, acct); err != nil {
			return fmt.Errorf("seed account %s: %w", acct.ID, err)
		}
	}
	if n := len(a.cfg.Accounts); n > 0 {
		a.logger.Info("service accounts seeded", zap.Int("count", n))
	}
	return nil
}

func (a *App) setupCoordination(ctx context.Context) (quota.GlobalCounter, scheduler.RunLock, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("no redis configured; single-flight and global cap are process-local")
		return nil, nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.redis = client
	prefix := a.cfg.Redis.KeyPrefix
	lock := coordination.NewRunLock(client, prefix+":run-lock", config.Seconds(a.cfg.Redis.LockTTLSeconds))
	a.logger.Info("redis coordination enabled", zap.String("addr", a.cfg.Redis.Addr), zap.String("lock", lock.Key()))
	return coordination.NewGlobalCounter(client, prefix), lock, nil
}

func (a *App) setupReporters(ctx context.Context) ([]scheduler.Reporter, error) {
	reporters := []scheduler.Reporter{
		scheduler.LogReporter{Logger: a.logger.Named("runs")},
		scheduler.MetricsReporter{},
	}
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return reporters, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubReporter = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub run reporter initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return append(reporters, a.pubsubReporter), nil
}

func (a *App) setupScheduler(
	source indexapi.ClientSource,
	counter quota.GlobalCounter,
	lock scheduler.RunLock,
	reporters []scheduler.Reporter,
) error {
	cfg := a.cfg
	hostLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.PerHostRPS,
		DefaultBurst: cfg.Crawler.PerHostBurst,
		OnDelay:      func(_ string, d time.Duration) { metrics.ObserveRateLimitDelay("host", d) },
	})
	checker := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       config.Seconds(cfg.Crawler.TimeoutSeconds),
		MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
		RobotsTTL:     config.Seconds(cfg.Crawler.RobotsTTLSeconds),
	}, collyfetcher.WithLimiter(hostLimiter), collyfetcher.WithLogger(a.logger.Named("checker")))

	apiLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.IndexingAPI.RPS,
		DefaultBurst: cfg.IndexingAPI.Burst,
		OnDelay:      func(_ string, d time.Duration) { metrics.ObserveRateLimitDelay("indexing_api", d) },
	})
	client, err := indexapi.New(indexapi.Config{
		Endpoint: cfg.IndexingAPI.Endpoint,
		Timeout:  config.Seconds(cfg.IndexingAPI.TimeoutSeconds),
	}, source,
		indexapi.WithLimiter(apiLimiter),
		indexapi.WithLogger(a.logger.Named("indexapi")),
	)
	if err != nil {
		return fmt.Errorf("indexing client init failed: %w", err)
	}

	ledgerOpts := []quota.Option{quota.WithLogger(a.logger.Named("quota"))}
	if counter != nil {
		ledgerOpts = append(ledgerOpts, quota.WithGlobalCounter(counter))
	}
	ledger := quota.NewLedger(a.accounts, a.clock, ledgerOpts...)

	stages := scheduler.Stages{
		Crawler: crawl.New(a.urls, checker, a.clock, crawl.Config{
			CheckTimeout: config.Seconds(cfg.Crawler.TimeoutSeconds),
			Attempts:     cfg.Crawler.Attempts,
		}, a.logger.Named("crawl")),
		Submitter: submission.New(a.urls, ledger, client, a.clock, a.logger.Named("submission")),
		Inspector: inspection.New(a.urls, ledger, client, a.clock, inspection.Config{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BackoffBase: config.Seconds(cfg.Pipeline.BackoffBaseSeconds),
			BackoffCap:  config.Seconds(cfg.Pipeline.BackoffCapSeconds),
			SettleDelay: config.Seconds(cfg.Pipeline.SettleDelaySeconds),
		}, a.logger.Named("inspection")),
	}

	schedOpts := []scheduler.Option{
		scheduler.WithReporters(reporters...),
		scheduler.WithLogger(a.logger.Named("scheduler")),
	}
	if lock != nil {
		schedOpts = append(schedOpts, scheduler.WithRunLock(lock))
	}
	lockTTL := config.Seconds(cfg.Redis.LockTTLSeconds)
	if lockTTL <= 0 {
		lockTTL = coordination.DefaultLockTTL
	}
	a.scheduler, err = scheduler.New(a.urls, stages, a.settings, a.clock, a.ids, scheduler.Config{
		RequeueBatch: cfg.Pipeline.RequeueBatch,
		CrawlBatch:   cfg.Pipeline.CrawlBatch,
		SubmitBatch:  cfg.Pipeline.SubmitBatch,
		InspectBatch: cfg.Pipeline.InspectBatch,
		LockRefresh:  lockTTL / 3,
	}, schedOpts...)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.loop, err = scheduler.NewLoop(a.scheduler, scheduler.LoopConfig{
		Interval:   config.Seconds(cfg.Pipeline.IntervalSeconds),
		Cron:       cfg.Pipeline.Cron,
		QueueDepth: cfg.Pipeline.TriggerQueueDepth,
		RunOnStart: cfg.Pipeline.RunOnStart,
	}, a.logger.Named("loop"))
	if err != nil {
		return fmt.Errorf("loop init failed: %w", err)
	}
	return nil
}

func (a *App) readinessChecks() []api.Option {
	opts := []api.Option{api.WithLogger(a.logger.Named("api"))}
	if a.pool != nil {
		opts = append(opts, api.WithReadinessCheck("postgres", a.pool.Ping))
	}
	if a.redis != nil {
		opts = append(opts, api.WithReadinessCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	return opts
}

// Scheduler exposes the pipeline scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// TriggerRun runs the pipeline once in the caller's goroutine.
func (a *App) TriggerRun(ctx context.Context, force bool) indexing.PipelineRun {
	return a.scheduler.TriggerRun(ctx, force)
}

// Status exposes the read side used by reporting commands.
func (a *App) Status() indexing.StatusReader {
	return a.status
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Migrate applies the Postgres schema. It is a no-op for in-memory storage.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		a.logger.Info("in-memory storage needs no migration")
		return nil
	}
	if err := pgstore.Migrate(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

// Serve runs the hosted loop and the ops server until ctx is canceled or
// either of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("scheduler loop started", zap.Bool("enabled", a.cfg.Pipeline.Enabled))
		return a.loop.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.forwardManualTriggers(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// forwardManualTriggers turns SIGUSR1 into forced runs on the hosted loop.
func (a *App) forwardManualTriggers(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if err := a.loop.Request(ctx, true); err != nil {
				a.logger.Warn("manual trigger dropped", zap.Error(err))
				continue
			}
			a.logger.Info("manual run requested")
		}
	}
}

// Close releases infrastructure clients. It is safe to call on a partially
// built App.
func (a *App) Close(ctx context.Context) {
	if a.pubsubReporter != nil {
		a.pubsubReporter.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
