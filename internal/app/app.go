// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the pricepulse commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/api"
	"github.com/JakeFAU/pricepulse/internal/clock/system"
	"github.com/JakeFAU/pricepulse/internal/config"
	"github.com/JakeFAU/pricepulse/internal/dispatcher"
	"github.com/JakeFAU/pricepulse/internal/fetcher"
	collyfetcher "github.com/JakeFAU/pricepulse/internal/fetcher/colly"
	"github.com/JakeFAU/pricepulse/internal/id/uuid"
	"github.com/JakeFAU/pricepulse/internal/logging"
	"github.com/JakeFAU/pricepulse/internal/policy/ratelimit"
	queuememory "github.com/JakeFAU/pricepulse/internal/queue/memory"
	redisqueue "github.com/JakeFAU/pricepulse/internal/queue/redis"
	"github.com/JakeFAU/pricepulse/internal/scheduler"
	storememory "github.com/JakeFAU/pricepulse/internal/storage/memory"
	"github.com/JakeFAU/pricepulse/internal/storage/migrations"
	"github.com/JakeFAU/pricepulse/internal/storage/postgres"
	"github.com/JakeFAU/pricepulse/internal/tracker"
	"github.com/JakeFAU/pricepulse/internal/worker"
)

// Options selects in-process backends instead of Postgres and Redis.
type Options struct {
	MemoryStore  bool
	MemoryBroker bool
}

// App holds the shared, long-lived services of one process. Services are
// built on first use so each command only connects to what it needs.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
	clock  *system.Clock
	ids    *uuid.Generator

	newStore  func(ctx context.Context) (tracker.Store, error)
	newBroker func(ctx context.Context) (tracker.Broker, error)

	mu       sync.Mutex
	store    tracker.Store
	broker   tracker.Broker
	registry *fetcher.Registry
	service  *tracker.Service
}

// New creates an App. Nothing connects until a service is requested.
func New(cfg config.Config, logger *zap.Logger, opts Options) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	a.newStore = a.buildStore
	a.newBroker = a.buildBroker
	return a
}

// Config returns the process configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the product store, connecting on first use.
func (a *App) Store(ctx context.Context) (tracker.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storeLocked(ctx)
}

func (a *App) storeLocked(ctx context.Context) (tracker.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := a.newStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.store = store
	return store, nil
}

// Broker returns the job queue and result backend, connecting on first use.
func (a *App) Broker(ctx context.Context) (tracker.Broker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.brokerLocked(ctx)
}

func (a *App) brokerLocked(ctx context.Context) (tracker.Broker, error) {
	if a.broker != nil {
		return a.broker, nil
	}
	broker, err := a.newBroker(ctx)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	a.broker = broker
	return broker, nil
}

// Fetcher returns the platform registry.
func (a *App) Fetcher() *fetcher.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registry != nil {
		return a.registry
	}
	fc := a.cfg.Fetcher
	overrides := make(map[string]ratelimit.Rule, len(fc.PlatformLimits))
	for platform, limit := range fc.PlatformLimits {
		overrides[platform] = ratelimit.Rule{RPS: limit.RatePerSecond, Burst: limit.Burst}
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fc.RatePerSecond,
		DefaultBurst: fc.Burst,
		Overrides:    overrides,
	})
	reg := fetcher.NewRegistry(limiter)
	if len(fc.StructuredPlatforms) > 0 {
		structured := collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.UserAgent,
			RespectRobots: fc.RespectRobots,
			Timeout:       fc.Timeout,
		})
		for _, platform := range fc.StructuredPlatforms {
			reg.Register(platform, structured)
		}
	}
	if fc.DefaultPlaceholder {
		reg.SetDefault(fetcher.Placeholder{})
	}
	a.logger.Info("fetcher registry ready",
		zap.Strings("structured_platforms", reg.Platforms()),
		zap.Bool("default_placeholder", fc.DefaultPlaceholder),
	)
	a.registry = reg
	return reg
}

// Service returns the tracking service.
func (a *App) Service(ctx context.Context) (*tracker.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service != nil {
		return a.service, nil
	}
	store, err := a.storeLocked(ctx)
	if err != nil {
		return nil, err
	}
	broker, err := a.brokerLocked(ctx)
	if err != nil {
		return nil, err
	}
	a.service = tracker.NewService(store, broker, a.clock, logging.Component(a.logger, "tracker"), a.cfg.Queue.EnqueueTimeout)
	return a.service, nil
}

// APIServer builds the HTTP server.
func (a *App) APIServer(ctx context.Context) (*api.Server, error) {
	svc, err := a.Service(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	broker, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewServer(store, svc, broker, a.cfg.Server, logging.Component(a.logger, "api")), nil
}

// Dispatcher builds the configured number of workers over the broker.
func (a *App) Dispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	broker, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}
	registry := a.Fetcher()
	wc := a.cfg.Worker
	policy := tracker.NewExponentialRetryPolicy(wc.MaxAttempts, wc.BackoffBase, wc.BackoffMax)

	workers := make([]*worker.Worker, 0, wc.Concurrency)
	for i := range wc.Concurrency {
		workers = append(workers, worker.New(
			broker,
			broker,
			store,
			registry,
			policy,
			a.clock,
			worker.Config{JobTimeout: wc.JobTimeout},
			logging.Component(a.logger, "worker", zap.Int("index", i)),
		))
	}
	logger := logging.Component(a.logger, "dispatcher")
	logger.Info("worker pool ready",
		zap.Int("concurrency", len(workers)),
		zap.Int("max_attempts", policy.MaxAttempts()),
		zap.Duration("job_timeout", wc.JobTimeout),
	)
	return dispatcher.New(broker, workers, a.cfg.Queue.MaintenanceInterval, logger), nil
}

// Scheduler builds the periodic fan-out.
func (a *App) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := a.Service(ctx)
	if err != nil {
		return nil, err
	}
	sc := a.cfg.Scheduler
	return scheduler.New(store, svc, scheduler.Config{
		Interval:        a.cfg.SchedulerInterval(),
		RunOnStart:      sc.RunOnStart,
		IncludeInactive: sc.IncludeInactive,
	}, logging.Component(a.logger, "scheduler")), nil
}

// Close releases every service that was built.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broker != nil {
		if err := a.broker.Close(); err != nil && !errors.Is(err, queuememory.ErrClosed) {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
		a.broker = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	a.service = nil
}

func (a *App) buildStore(ctx context.Context) (tracker.Store, error) {
	if a.opts.MemoryStore {
		a.logger.Info("using in-memory product store")
		return storememory.NewProductStore(nil), nil
	}
	db := a.cfg.Database
	if db.MigrateOnStart {
		if err := migrations.Up(db.DSN, logging.Component(a.logger, "migrate")); err != nil {
			return nil, err
		}
	}
	a.logger.Info("connecting to postgres")
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		ConnectTimeout:  db.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) buildBroker(ctx context.Context) (tracker.Broker, error) {
	q := a.cfg.Queue
	if a.opts.MemoryBroker {
		a.logger.Info("using in-memory broker", zap.Int("capacity", q.Capacity))
		return queuememory.NewQueue(q.Capacity, a.ids, q.ResultTTL), nil
	}
	a.logger.Info("connecting to redis", zap.String("addr", a.cfg.Redis.Addr), zap.String("queue", q.Name))
	broker, err := redisqueue.New(ctx, redisqueue.Config{
		Addr:              a.cfg.Redis.Addr,
		Password:          a.cfg.Redis.Password,
		DB:                a.cfg.Redis.DB,
		Queue:             q.Name,
		Prefix:            q.Prefix,
		VisibilityTimeout: q.VisibilityTimeout,
		ResultTTL:         q.ResultTTL,
		PollInterval:      q.PollInterval,
	}, a.ids, logging.Component(a.logger, "queue"))
	if err != nil {
		return nil, err
	}
	return broker, nil
}
