package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hydrocam/collector/internal/backend"
	"github.com/hydrocam/collector/internal/backfill"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/collector"
	"github.com/hydrocam/collector/internal/config"
	"github.com/hydrocam/collector/internal/keylock"
	"github.com/hydrocam/collector/internal/logging"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/hydrocam/collector/internal/notify"
	"github.com/hydrocam/collector/internal/replicate"
	"github.com/hydrocam/collector/internal/retention"
	"github.com/nats-io/nats.go"
)

// app is every long-lived component, built once from the configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	loc     *time.Location
	catalog *catalog.Catalog
	targets []replicate.Target

	locker      *keylock.Locker
	metrics     metrics.Recorder
	notifier    notify.Notifier
	coordinator *replicate.Coordinator
	backfill    *backfill.Scanner

	closers []func()
}

type appOptions struct {
	stderr  io.Writer
	metrics metrics.Recorder
	// offline skips building backends, for commands that only read the
	// catalog.
	offline bool
}

func newApp(ctx context.Context, path string, opts appOptions) (*app, error) {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(opts.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		loc:     loc,
		locker:  keylock.New(),
		metrics: opts.metrics,
	}
	if a.metrics == nil {
		a.metrics = metrics.Noop{}
	}

	if err := a.openNotifier(); err != nil {
		a.Close()
		return nil, err
	}

	a.catalog, err = catalog.Open(ctx, cfg.Catalog.Path,
		catalog.WithLocation(loc),
		catalog.WithLogger(logger),
		catalog.WithBusyTimeout(cfg.Catalog.BusyTimeout),
		catalog.WithContentionRetry(cfg.Catalog.RetryAttempts, cfg.Catalog.RetryDelay),
		catalog.WithRetryObserver(func(op string, attempt int, err error) {
			a.metrics.IncCatalogRetry(op)
		}),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.catalog.Close() })

	if !opts.offline {
		if err := a.buildTargets(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.coordinator = replicate.New(a.catalog,
		replicate.WithMaxAttempts(cfg.Replication.MaxAttempts),
		replicate.WithAttemptTimeout(cfg.Replication.AttemptTimeout),
		replicate.WithRetryDelay(cfg.Replication.RetryDelay),
		replicate.WithWorkers(cfg.Replication.Workers),
		replicate.WithLocation(loc),
		replicate.WithLocker(a.locker),
		replicate.WithNotifier(a.notifier),
		replicate.WithMetrics(a.metrics),
		replicate.WithLogger(logger.With("component", "replicate")),
	)
	a.backfill = backfill.New(a.catalog, a.coordinator,
		backfill.WithWorkers(cfg.Replication.BackfillWorkers),
		backfill.WithLogger(logger.With("component", "backfill")),
	)

	return a, nil
}

func (a *app) openNotifier() error {
	logNotifier := notify.Log{Logger: a.logger}
	if a.cfg.Notify.NATSURL == "" {
		a.notifier = logNotifier
		return nil
	}

	n, closeFn, err := notify.DialNATS(a.cfg.Notify.NATSURL, a.cfg.Notify.Subject, a.cfg.Notify.Source,
		nats.Name("collector"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeFn)
	a.notifier = notify.Multi{logNotifier, n}
	return nil
}

func (a *app) buildTargets(ctx context.Context) error {
	for _, b := range a.cfg.EnabledBackends() {
		be, err := backend.New(ctx, b.Config)
		if err != nil {
			return err
		}
		a.targets = append(a.targets, replicate.Target{Backend: be, Containers: b.Containers})
		a.logger.Info("backend enabled", "backend", b.Name, "type", b.Type, "required", b.IsRequired())
	}
	if len(a.targets) == 0 {
		a.logger.Warn("no backends enabled, artifacts will only be catalogued")
	}
	return nil
}

func (a *app) sweeper(dryRun bool) (*retention.Sweeper, error) {
	window, err := a.cfg.Retention.Window()
	if err != nil {
		return nil, err
	}
	return retention.New(a.catalog, retention.Policy{
		Days:              a.cfg.Retention.Days,
		Required:          a.cfg.RequiredBackends(),
		AllowUnreplicated: a.cfg.Retention.AllowUnreplicatedPruning,
	},
		retention.WithWindow(window),
		retention.WithLocation(a.loc),
		retention.WithLocker(a.locker),
		retention.WithMetrics(a.metrics),
		retention.WithNotifier(a.notifier),
		retention.WithDryRun(dryRun),
		retention.WithLogger(a.logger.With("component", "retention")),
	)
}

func (a *app) driver() (*collector.Driver, error) {
	sweeper, err := a.sweeper(false)
	if err != nil {
		return nil, err
	}
	source := &collector.SpoolSource{
		Dirs:   a.cfg.Spool.Dirs(),
		Settle: a.cfg.Spool.Settle,
		Store:  a.catalog,
		Logger: a.logger.With("component", "spool"),
	}
	if len(source.Dirs) == 0 {
		return nil, errors.New("no spool directories configured")
	}

	return collector.NewDriver(a.catalog, source, a.coordinator, a.targets,
		collector.WithBackfill(a.backfill),
		collector.WithSweeper(sweeper),
		collector.WithInterval(a.cfg.Interval),
		collector.WithLocation(a.loc),
		collector.WithMetrics(a.metrics),
		collector.WithNotifier(a.notifier),
		collector.WithLogger(a.logger.With("component", "driver")),
	), nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
