package cmd

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/events"
	"github.com/frahmantamala/mobile-money/internal/idempotency"
	"github.com/frahmantamala/mobile-money/internal/observability/metrics"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	paymentpostgres "github.com/frahmantamala/mobile-money/internal/payment/postgres"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
	"github.com/frahmantamala/mobile-money/internal/refund"
	"github.com/frahmantamala/mobile-money/internal/supervisor"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
	logpostgres "github.com/frahmantamala/mobile-money/internal/transactionlog/postgres"
	"github.com/frahmantamala/mobile-money/pkg/logger"
)

// application holds the wired core shared by the server, the worker and the
// operator commands.
type application struct {
	Config     *internal.Config
	Logger     *slog.Logger
	SQL        *sqlx.DB
	Gorm       *gorm.DB
	Redis      *redis.Client
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Bus        *events.EventBus
	Clock      clock.Clock
	Locker     idempotency.Locker
	Payments   paymentpkg.RepositoryAPI
	Logs       logpkg.RepositoryAPI
	Recorder   *logpkg.Recorder
	Gateway    *paymentgateway.Client
	Reconciler *paymentpkg.Reconciler
	Service    *paymentpkg.Service
	Refunds    *refund.Service
	Supervisor *supervisor.Supervisor
}

func newApplication(cfg *internal.Config) (*application, error) {
	lg := logger.LoggerWrapper()

	sqlDB, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open gorm on shared pool: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	clk := clock.New()
	app := &application{
		Config:   cfg,
		Logger:   lg,
		SQL:      sqlDB,
		Gorm:     gormDB,
		Registry: registry,
		Metrics:  m,
		Bus:      events.NewEventBus(lg),
		Clock:    clk,
	}

	app.Locker = idempotency.NewLocalLocker(clk)
	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.Redis.Ping(context.Background()).Err(); err != nil {
			lg.Warn("redis unreachable, idempotency locks stay process-local", "addr", cfg.Redis.Addr, "error", err)
			_ = app.Redis.Close()
			app.Redis = nil
		} else {
			app.Locker = idempotency.NewRedisLocker(app.Redis)
		}
	}

	app.Payments = paymentpostgres.NewPaymentRepository(gormDB)
	app.Logs = logpostgres.NewTransactionLogRepository(gormDB)
	app.Recorder = logpkg.NewRecorder(app.Logs, cfg.Gateway.Environment, clk, lg.With("component", "transaction_log"))

	app.Gateway = paymentgateway.NewClient(
		gatewayConfig(cfg.Gateway),
		paymentgateway.NewTokenCache(clk),
		app.Recorder,
		m,
		lg.With("component", "gateway"),
	).WithClock(clk)

	app.Reconciler = paymentpkg.NewReconciler(app.Payments, app.Logs, app.Recorder, app.Bus, clk, m, lg.With("component", "reconciler"))

	app.Service = paymentpkg.NewService(
		app.Payments,
		paymentpostgres.NewAnalyticsRepository(sqlDB),
		app.Gateway,
		app.Locker,
		clk,
		paymentpkg.ServiceConfig{
			Currency:       cfg.Gateway.Currency,
			IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		},
		lg.With("component", "payment_service"),
	)

	app.Refunds = refund.NewService(app.Payments, app.Gateway, app.Reconciler, clk, m, lg.With("component", "refund_service"))

	app.Supervisor = supervisor.New(
		app.Payments,
		app.Gateway,
		app.Reconciler,
		clk,
		supervisorConfig(cfg.Supervisor),
		m,
		lg.With("component", "supervisor"),
	).WithLocker(app.Locker)

	paymentpkg.NewEventHandler(lg.With("component", "payment_events")).RegisterEventHandlers(app.Bus)

	return app, nil
}

// Close waits for in-flight event handlers before closing the pools.
func (a *application) Close(ctx context.Context) {
	if err := a.Bus.Wait(ctx); err != nil {
		a.Logger.Warn("event handlers still running at shutdown", "error", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}
	if err := a.SQL.Close(); err != nil {
		a.Logger.Error("database close error", "error", err)
	}
}

func gatewayConfig(c internal.GatewayConfig) paymentgateway.Config {
	return paymentgateway.Config{
		Environment:        c.Environment,
		BaseURL:            c.ResolvedBaseURL(),
		ConsumerKey:        c.ConsumerKey,
		ConsumerSecret:     c.ConsumerSecret,
		ShortCode:          c.ShortCode,
		PassKey:            c.PassKey,
		InitiatorName:      c.InitiatorName,
		SecurityCredential: c.SecurityCredential,
		CallbackURL:        c.CallbackURL,
		ResultURL:          c.ResultURL,
		TimeoutURL:         c.TimeoutURL,
		RequestTimeout:     c.RequestTimeout,
	}
}

func supervisorConfig(c internal.SupervisorConfig) supervisor.Config {
	return supervisor.Config{
		Interval:           c.Interval,
		StalenessThreshold: c.StalenessThreshold,
		BaseDelay:          c.BaseDelay,
		MaxDelay:           c.MaxDelay,
		MaxRetries:         c.MaxRetries,
		BatchSize:          c.BatchSize,
		Workers:            c.Workers,
	}
}

// initDB opens the pgx-backed pool shared by sqlx and gorm.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
