package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/db"
	"github.com/livinlefevreloca/cadence/internal/handlers"
	"github.com/livinlefevreloca/cadence/internal/logging"
	"github.com/livinlefevreloca/cadence/internal/metrics"
	"github.com/livinlefevreloca/cadence/internal/notify"
	"github.com/livinlefevreloca/cadence/internal/phase"
	"github.com/livinlefevreloca/cadence/internal/runner"
)

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *db.DB
	registry *phase.Registry
	runner   *runner.Runner
	janitor  *runner.Janitor
	gatherer *prometheus.Registry

	closers []io.Closer
}

// loadConfig reads and validates the config file named by --config.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// newApp opens the store, applies migrations and wires the runner.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "configuring logging")
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}
	a.db = database
	a.closers = append(a.closers, database)

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
	} else {
		applied, err := database.Migrate(ctx, cfg.Database.MigrationsDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database schema ready", "applied", applied)
	}

	a.registry = phase.NewRegistry()
	if err := handlers.RegisterBuiltins(a.registry, database, logger); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.registry.Validate(&cfg.Pipeline); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "invalid configuration")
	}

	a.gatherer = prometheus.NewRegistry()
	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(a.gatherer, cfg.Metrics.Namespace)

	a.runner = runner.New(database, a.registry, notify.FromConfig(cfg.Notify, logger), logger)
	a.runner.SetAlerting(cfg.Notify)
	a.runner.SetMetrics(recorder)

	a.janitor = runner.NewJanitor(database, logger)
	a.janitor.SetMetrics(recorder)
	return a, nil
}

// Close releases the database and the log file, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
