// Package app wires the promoter's components together and exposes the
// entry points used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ksanyok/promopilot-sub004/internal/api"
	"github.com/ksanyok/promopilot-sub004/internal/config"
	"github.com/ksanyok/promopilot-sub004/internal/crowd"
	"github.com/ksanyok/promopilot-sub004/internal/database"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
	"github.com/ksanyok/promopilot-sub004/internal/promotion"
	"github.com/ksanyok/promopilot-sub004/internal/publication"
	"github.com/ksanyok/promopilot-sub004/internal/settings"
	"github.com/ksanyok/promopilot-sub004/internal/watchdog"
)

const redisPingTimeout = 5 * time.Second

// Options configures New.
type Options struct {
	ConfigPath string
	Debug      bool
}

// App holds the wired components.
type App struct {
	cfg      *config.Config
	log      logger.Logger
	db       *sqlx.DB
	redis    *redis.Client
	registry *prometheus.Registry

	queue      *publication.Queue
	dispatcher *launcher.Dispatcher
	service    *promotion.Service
	callbacks  *publication.Callbacks
	promotion  *promotion.Worker
	crowd      *crowd.Worker
	watchdog   *watchdog.Watchdog
}

// LoadConfig loads the configuration and builds the logger.
func LoadConfig(opts Options) (*config.Config, logger.Logger, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.Path()
	}
	cfg, err := config.LoadService(opts.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Debug {
		cfg.Debug = true
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if cfg.Launcher.ConfigPath == "" {
		cfg.Launcher.ConfigPath = opts.ConfigPath
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log.With(logger.String("service", "promoter")), nil
}

// New connects to PostgreSQL and Redis and wires every component.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, log, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if pingErr := rdb.Ping(pingCtx).Err(); pingErr != nil {
		_ = db.Close()
		_ = log.Sync()
		return nil, fmt.Errorf("connect to redis: %w", pingErr)
	}

	a := &App{cfg: cfg, log: log, db: db, redis: rdb, registry: prometheus.NewRegistry()}
	a.wire()
	return a, nil
}

func (a *App) wire() {
	cfg := a.cfg
	m := metrics.New(a.registry)

	runs := database.NewRunRepository(a.db)
	nodes := database.NewNodeRepository(a.db)
	tasks := database.NewCrowdTaskRepository(a.db)
	catalog := database.NewCatalogRepository(a.db)

	a.dispatcher = launcher.NewFromConfig(cfg.Launcher, m, a.log.With(logger.String("component", "launcher")))

	a.queue = publication.NewQueue(a.redis, cfg.Redis.QueueKey, cfg.Redis.DedupTTL)
	enqueuer := publication.NewEnqueuer(nodes, runs, a.queue, m, a.log.With(logger.String("component", "enqueuer")))

	synth := crowd.NewSynthesizer(cfg.Crowd.MailDomains, uint64(time.Now().UnixNano())) //nolint:gosec // seed only
	planner := crowd.NewPlanner(tasks, catalog, synth, cfg.Crowd.LinkFetchFactor, m, a.log.With(logger.String("component", "planner")))
	tracker := crowd.NewTracker(tasks, runs)
	checker := crowd.NewHTTPDeepChecker(cfg.Crowd.DeepCheckURL, cfg.Crowd.DeepCheckTimeout,
		crowd.WithRateLimit(cfg.Crowd.DeepCheckRPS, 1))
	a.crowd = crowd.NewWorker(tasks, checker, tracker, cfg.Crowd.Sleep, m, a.log.With(logger.String("component", "crowd-worker")))

	orch := promotion.NewOrchestrator(promotion.OrchestratorDeps{
		Runs:       runs,
		Nodes:      nodes,
		Networks:   catalog,
		Enqueuer:   enqueuer,
		Planner:    planner,
		Counter:    tracker,
		Dispatcher: a.dispatcher,
		DrainBatch: cfg.Promotion.DrainBatch,
		Metrics:    m,
		Logger:     a.log.With(logger.String("component", "orchestrator")),
	})
	a.promotion = promotion.NewWorker(runs, orch, cfg.Promotion.Sleep, cfg.Watchdog.RelaunchLimit, m,
		a.log.With(logger.String("component", "promotion-worker")))

	a.dispatcher.Register(launcher.KindPromotion, a.promotion)
	a.dispatcher.Register(launcher.KindCrowd, a.crowd)

	a.service = promotion.NewService(promotion.ServiceDeps{
		Projects:   catalog,
		Settings:   settings.NewProvider(catalog, cfg.Promotion.Defaults, a.log),
		Runs:       runs,
		Nodes:      nodes,
		Tasks:      tasks,
		Dispatcher: a.dispatcher,
		Metrics:    m,
		Logger:     a.log.With(logger.String("component", "service")),
	})
	a.callbacks = publication.NewCallbacks(nodes, a.service, a.log.With(logger.String("component", "callbacks")))

	a.watchdog = watchdog.New(watchdog.Deps{
		Nodes:        nodes,
		Tasks:        tasks,
		Queued:       tasks,
		Runs:         runs,
		Publications: enqueuer,
		Dispatcher:   a.dispatcher,
		Metrics:      m,
		Logger:       a.log.With(logger.String("component", "watchdog")),
	}, cfg.Watchdog, cfg.Promotion.SlotStaleAfter)
}

// Close releases connections and flushes the logger.
func (a *App) Close() {
	if err := a.redis.Close(); err != nil {
		a.log.Warn("Failed to close redis client", logger.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database", logger.Error(err))
	}
	_ = a.log.Sync()
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the service logger.
func (a *App) Logger() logger.Logger { return a.log }

// RunPromotion drives one run until it is terminal or the worker budget
// is spent.
func (a *App) RunPromotion(ctx context.Context, runID int64) (int, error) {
	budget := launcher.Budget{MaxIterations: a.cfg.Promotion.MaxIterations, MaxDuration: a.cfg.Promotion.MaxDuration}
	return a.promotion.RunInline(ctx, launcher.Job{Kind: launcher.KindPromotion, RunID: runID}, budget)
}

// RunCrowd processes crowd tasks, optionally scoped to a run or one task.
func (a *App) RunCrowd(ctx context.Context, runID, taskID int64) (int, error) {
	budget := launcher.Budget{MaxIterations: a.cfg.Crowd.MaxIterations, MaxDuration: a.cfg.Crowd.MaxDuration}
	job := launcher.Job{Kind: launcher.KindCrowd, RunID: runID, TaskID: taskID}
	return a.crowd.RunInline(ctx, job, budget)
}

// CronTick runs the watchdog and then gives every active run one pass.
func (a *App) CronTick(ctx context.Context) error {
	_, tickErr := a.watchdog.Tick(ctx)

	budget := launcher.Budget{MaxIterations: 1, MaxDuration: a.cfg.Promotion.MaxDuration, StopWhenIdle: true}
	advanced, err := a.promotion.RunInline(ctx, launcher.Job{Kind: launcher.KindPromotion}, budget)
	if err != nil {
		err = fmt.Errorf("advance active runs: %w", err)
	}
	fields := []logger.Field{logger.Int("steps", advanced)}
	if depth, lenErr := a.queue.Len(ctx); lenErr == nil {
		fields = append(fields, logger.Int64("publication_queue_depth", depth))
	}
	a.log.Info("Active runs advanced", fields...)
	return errors.Join(tickErr, err)
}

// ServeAPI runs the HTTP server until ctx is cancelled or a termination
// signal arrives.
func (a *App) ServeAPI(ctx context.Context) error {
	handler := api.NewHandler(a.service, a.callbacks, a.log.With(logger.String("component", "api")))
	routes := api.Routes{
		Handler: handler,
		Checks: map[string]api.HealthCheck{
			"database": a.db.PingContext,
			"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		},
		Gatherer: a.registry,
	}
	srv := api.NewServer(a.cfg.Server, a.cfg.Debug, a.log, func(r *gin.Engine) { routes.Register(r) })

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		a.log.Info("Shutdown signal received")
	}
	return srv.Shutdown(context.WithoutCancel(ctx))
}

// Migrate applies pending schema migrations using only the database
// section of the configuration.
func Migrate(ctx context.Context, opts Options) error {
	cfg, log, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	return database.Migrate(db, log.With(logger.String("database", cfg.Database.Database)))
}
