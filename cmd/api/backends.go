package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/pixelcraft/backend/internal/config"
	"github.com/pixelcraft/backend/internal/database"
	"github.com/pixelcraft/backend/internal/events"
	"github.com/pixelcraft/backend/internal/jobs"
	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/limiter"
	"github.com/pixelcraft/backend/internal/router"
	"github.com/pixelcraft/backend/internal/settlement"
)

// backends holds the stores and collaborators chosen by configuration.
type backends struct {
	ledger  ledger.Service
	store   jobs.Store
	limiter limiter.Limiter
	events  events.Publisher
	checks  map[string]router.HealthCheck

	pool    *pgxpool.Pool
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{checks: map[string]router.HealthCheck{}}

	if cfg.Database.URL == "" {
		logger.Warn("no database configured, ledger and jobs are kept in memory")
		b.ledger = ledger.NewMemory()
		b.store = jobs.NewMemoryStore()
	} else if err := b.openPostgres(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}

	if cfg.Redis.Addr == "" {
		b.limiter = limiter.NewMemory(cfg.Limits.MaxConcurrentPerUser)
	} else {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		b.limiter = limiter.NewRedis(client, cfg.Limits.MaxConcurrentPerUser,
			limiter.WithKeyPrefix(cfg.Redis.KeyPrefix), limiter.WithTTL(cfg.Redis.SlotTTL))
		logger.Info("using redis concurrency limiter", "addr", cfg.Redis.Addr)
	}

	if cfg.RabbitMQ.URL == "" {
		b.events = events.NewLogPublisher(logger)
	} else {
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			ExchangeType:  cfg.RabbitMQ.ExchangeType,
			RetryAttempts: cfg.RabbitMQ.RetryAttempts,
			RetryInterval: cfg.RabbitMQ.RetryInterval,
			Heartbeat:     cfg.RabbitMQ.Heartbeat,
		}, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		b.closers = append(b.closers, func() { _ = pub.Close() })
		b.events = pub
	}
	return b, nil
}

func (b *backends) openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := database.DefaultServerOptions()
	opts.MaxOpenConns = cfg.Database.MaxOpenConns
	opts.MaxIdleConns = cfg.Database.MaxIdleConns
	opts.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	opts.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime

	db, err := database.Connect(ctx, cfg.Database.URL, opts)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() { _ = db.Close() })
	if err := database.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("create pgx pool: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping pgx pool: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("river migrations applied")

	b.pool = pool
	b.ledger = ledger.NewRepository(pool)
	b.store = jobs.NewRepository(db)
	b.checks["database"] = pingDB(db)
	return nil
}

func pingDB(db *sql.DB) router.HealthCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// startReconciler runs settlement reconciliation as a river periodic job when
// Postgres is available, otherwise on a local ticker.
func (b *backends) startReconciler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(context.Context), error) {
	reconciler := settlement.NewReconciler(b.ledger, b.store, cfg.Reconcile.StaleAfter, logger)
	interval := cfg.Reconcile.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if b.pool == nil {
		tickCtx, cancel := context.WithCancel(ctx)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-tickCtx.Done():
					return
				case <-ticker.C:
					if _, err := reconciler.Reconcile(tickCtx, 0); err != nil {
						logger.Error("reconcile settlements", "error", err)
					}
				}
			}
		}()
		return func(context.Context) { cancel() }, nil
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, settlement.NewReconcileWorker(reconciler))
	client, err := river.NewClient(riverpgxv5.New(b.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{settlement.PeriodicJob(interval)},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start river client: %w", err)
	}
	return func(stopCtx context.Context) {
		if err := client.Stop(stopCtx); err != nil {
			logger.Error("stop river client", "error", err)
		}
	}, nil
}
