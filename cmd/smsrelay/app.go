package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/compliance"
	"github.com/shohag/smsrelay/internal/config"
	"github.com/shohag/smsrelay/internal/delivery"
	"github.com/shohag/smsrelay/internal/dispatch"
	"github.com/shohag/smsrelay/internal/provider"
	"github.com/shohag/smsrelay/internal/queue"
	"github.com/shohag/smsrelay/internal/spending"
	"github.com/shohag/smsrelay/internal/storage"
	"github.com/shohag/smsrelay/internal/telemetry"
	"github.com/shohag/smsrelay/internal/template"
)

// app holds every component wired from one configuration.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *storage.SQLStorage
	registry  *provider.Registry
	filter    *compliance.Filter
	governor  *spending.Governor
	queue     *queue.Queue
	worker    *delivery.Worker
	sweeper   *delivery.Sweeper
	templates *template.Engine
	dispatch  *dispatch.Service

	closers []func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg.Logging)
	a := &app{cfg: cfg, log: log}

	shutdown, err := telemetry.Init(ctx, cfg.Observability, version, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.registry = provider.NewRegistry(store, log,
		provider.NewLogAdapter(log),
		provider.NewHTTPAdapter(cfg.Delivery.Timeout, cfg.Adapters.HTTP.Secret),
	)
	if cfg.Adapters.AMQP.URL != "" {
		amqpAdapter := provider.NewAMQPAdapter(cfg.Adapters.AMQP.URL, cfg.Adapters.AMQP.Exchange)
		a.registry.Register(amqpAdapter)
		a.closers = append(a.closers, func() { amqpAdapter.Close() })
	}

	a.filter = compliance.NewFilter(store, log)
	a.governor = spending.NewGovernor(store, log)
	a.queue = queue.New(store, a.filter, a.registry, a.governor, queue.Options{
		Region:            cfg.Dispatch.Region,
		DefaultPriority:   cfg.Dispatch.DefaultPriority,
		DefaultMaxRetries: cfg.Dispatch.DefaultMaxRetries,
		DefaultCategory:   cfg.Dispatch.DefaultCategory,
	}, log)
	a.worker = delivery.NewWorker(store, a.registry, a.filter,
		delivery.NewStrategist(cfg.Delivery.RetryBase),
		delivery.Options{Workers: cfg.Delivery.Workers, Timeout: cfg.Delivery.Timeout},
		log)
	a.sweeper = delivery.NewSweeper(store, a.worker, delivery.SweeperOptions{
		BatchSize:  cfg.Delivery.BatchSize,
		Interval:   cfg.Delivery.PollInterval,
		StuckAfter: cfg.Delivery.StuckAfter,
	}, log)
	a.templates = template.New(store, nil, template.Options{
		DefaultHour:   cfg.Engagement.DefaultHour,
		HistoryWindow: cfg.Engagement.HistoryWindow,
		ScoreTTL:      cfg.Engagement.ScoreTTL,
	}, log)
	a.dispatch = dispatch.New(a.queue, a.worker, a.templates, cfg.Dispatch.Region, log)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (*storage.SQLStorage, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
