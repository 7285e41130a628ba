// Package app assembles the storage, engine, notifiers and servers into
// one runnable daemon.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blastline/blastline/internal/api"
	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/channel"
	"github.com/blastline/blastline/internal/config"
	"github.com/blastline/blastline/internal/engine"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/notify"
	"github.com/blastline/blastline/internal/queue"
)

// App is the main application
type App struct {
	config        *config.Config
	store         campaign.Store
	queue         queue.Queue
	sqlDB         *sql.DB
	engine        *engine.Engine
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	scheduler     *cron.Cron
	notifier      notify.Notifier
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, q, sqlDB, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	client := channel.NewSandbox(channel.SandboxOptions{
		Logger:      logger,
		Latency:     cfg.Channel.Latency,
		FailureRate: cfg.Channel.FailureRate,
	})

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.Options{
		Store:    store,
		Queue:    q,
		Client:   client,
		Notifier: notifier,
		Gate: engine.StoreQuotaGate{
			Store:     store,
			MaxActive: cfg.Engine.MaxActivePerAccount,
		},
		Config: engine.Config{
			BatchSize:           cfg.Engine.BatchSize,
			SendTimeout:         cfg.Engine.SendTimeout,
			CheckTimeout:        cfg.Engine.CheckTimeout,
			IdleWait:            cfg.Engine.IdleWait,
			HealthCheckEvery:    cfg.Engine.HealthCheckEvery,
			HealthCheckInterval: cfg.Engine.HealthCheckInterval,
			ProgressInterval:    cfg.Engine.ProgressInterval,
			RiskCacheTTL:        cfg.Engine.RiskCacheTTL,
		},
		Logger: logger,
	})

	// Metrics registry is global so every component can use the helpers
	m := metrics.New()
	metrics.SetGlobal(m)

	var metricsServer *metrics.Server
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		storagePath := ""
		if cfg.Storage.Driver == "bolt" {
			storagePath = cfg.Storage.Path
		}
		collector = metrics.NewCollector(m, q, storagePath, cfg.Metrics.FlushInterval)
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			logger.With("component", "metrics"))
	}

	apiServer := api.NewServer(eng, store, q, cfg.Defaults, &cfg.API,
		logger.With("component", "api"))

	a := &App{
		config:        cfg,
		store:         store,
		queue:         q,
		sqlDB:         sqlDB,
		engine:        eng,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		collector:     collector,
		notifier:      notifier,
		logger:        logger,
	}
	a.scheduler = a.buildScheduler()

	return a, nil
}

// openStorage builds the campaign store and task queue for the configured
// driver. With bolt, the queue owns the database file and the store shares it.
func openStorage(cfg config.StorageConfig, logger *slog.Logger) (campaign.Store, queue.Queue, *sql.DB, error) {
	switch cfg.Driver {
	case "bolt":
		q, err := queue.NewBoltQueue(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open task queue: %w", err)
		}
		store, err := campaign.NewBoltStore(q.DB())
		if err != nil {
			q.Close()
			return nil, nil, nil, fmt.Errorf("failed to open campaign store: %w", err)
		}
		logger.Info("bolt storage opened", "path", cfg.Path)
		return store, q, nil, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		q, err := queue.NewPostgresQueue(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		store, err := campaign.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info("postgres storage opened")
		return store, q, db, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// buildNotifier assembles the configured notifiers
func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	var notifiers []notify.Notifier

	if cfg.Webhook.Enabled {
		wh, err := notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, wh)
		logger.Info("webhook notifier enabled", "url", cfg.Webhook.URL)
	}
	if cfg.AMQP.Enabled {
		mq, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp notifier: %w", err)
		}
		notifiers = append(notifiers, mq)
		logger.Info("amqp notifier enabled", "exchange", cfg.AMQP.Exchange)
	}

	switch len(notifiers) {
	case 0:
		return notify.NoOp{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return notify.NewMulti(logger.With("component", "notify"), notifiers...), nil
	}
}

// buildScheduler sets up background housekeeping jobs
func (a *App) buildScheduler() *cron.Cron {
	c := cron.New()

	// Daily counter pruning
	_, err := c.AddFunc(a.config.Maintenance.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		cutoff := time.Now().Add(-a.config.Maintenance.DailyCounterRetention)
		n, err := a.store.PruneDailyCounters(ctx, cutoff)
		if err != nil {
			a.logger.Error("daily counter pruning failed", "error", err)
			return
		}
		if n > 0 {
			a.logger.Info("pruned daily counters", "removed", n, "cutoff", cutoff)
		}
	})
	if err != nil {
		a.logger.Error("failed to schedule counter pruning", "error", err)
	}

	// Periodic reconciliation catches rows left running by a crashed peer
	// or resume timers lost to a restart; live campaigns are skipped.
	spec := fmt.Sprintf("@every %s", a.config.Maintenance.ReconcileInterval)
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := a.engine.Recover(ctx); err != nil {
			a.logger.Error("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		a.logger.Error("failed to schedule reconciliation", "error", err)
	}

	return c
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting blastline",
		"hostname", a.config.Server.Hostname,
		"storage", a.config.Storage.Driver,
		"api_addr", a.config.API.ListenAddr,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Pick up campaigns left running or scheduled by a previous process
	if err := a.engine.Recover(ctx); err != nil {
		a.logger.Error("startup recovery failed", "error", err)
	}

	a.scheduler.Start()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting control calls first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Then drain the run loops; campaigns stay persisted for Recover
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("engine shutdown error", "error", err)
	}

	a.scheduler.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if closer, ok := a.notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("notifier close error", "error", err)
		}
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Error("queue close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
