// Package collector runs the periodic cycle that ties the pieces together:
// collect new artifacts, register them, replicate them to every enabled
// backend, backfill anything left incomplete, and sweep when the retention
// window is open.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hydrocam/collector/internal/backfill"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/hydrocam/collector/internal/notify"
	"github.com/hydrocam/collector/internal/replicate"
	"github.com/hydrocam/collector/internal/retention"
)

const defaultInterval = time.Hour

// Produced is an artifact handed over by a Source.
type Produced struct {
	Path     string
	Filename string
	Kind     catalog.Kind
}

// Source yields newly produced artifacts.
type Source interface {
	Collect(ctx context.Context) ([]Produced, error)
}

// Registrar records new artifacts.
type Registrar interface {
	Register(ctx context.Context, filename string, kind catalog.Kind, localPath string) error
}

type Replicator interface {
	ReplicateAll(ctx context.Context, filename string, targets []replicate.Target) ([]replicate.Result, error)
}

type Backfiller interface {
	Run(ctx context.Context, targets []replicate.Target) ([]backfill.Report, error)
}

type Sweeper interface {
	MaybeSweep(ctx context.Context) (retention.Report, bool, error)
}

// CycleReport describes one cycle.
type CycleReport struct {
	ID         string
	Produced   int
	Registered int
	Duplicates int
	Results    []replicate.Result
	Backfill   []backfill.Report
	Swept      bool
	Sweep      retention.Report
	Duration   time.Duration
}

// Driver runs cycles.
type Driver struct {
	store      Registrar
	source     Source
	replicator Replicator
	targets    []replicate.Target
	backfill   Backfiller
	sweeper    Sweeper

	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	metrics  metrics.Recorder
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithBackfill runs b after the new artifacts of every cycle.
func WithBackfill(b Backfiller) Option {
	return func(d *Driver) {
		d.backfill = b
	}
}

// WithSweeper gives the sweeper a chance at the end of every cycle.
func WithSweeper(s Sweeper) Option {
	return func(d *Driver) {
		d.sweeper = s
	}
}

// WithInterval sets the capture interval. Cycles start on multiples of it
// counted from local midnight.
func WithInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(d *Driver) {
		if loc != nil {
			d.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(d *Driver) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(d *Driver) {
		if n != nil {
			d.notifier = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDriver returns a Driver replicating whatever source produces to targets.
func NewDriver(store Registrar, source Source, replicator Replicator, targets []replicate.Target, opts ...Option) *Driver {
	d := &Driver{
		store:      store,
		source:     source,
		replicator: replicator,
		targets:    targets,
		interval:   defaultInterval,
		loc:        time.UTC,
		now:        time.Now,
		metrics:    metrics.Noop{},
		notifier:   notify.Log{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run waits for each capture time and runs a cycle, until ctx ends. Cycle
// errors are logged and reported, never returned.
func (d *Driver) Run(ctx context.Context) error {
	for {
		next := NextCaptureTime(d.now().In(d.loc), d.interval)
		wait := next.Sub(d.now())
		d.logger.Info("waiting for next cycle", "at", next.Format(time.RFC3339), "in", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := d.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("cycle failed", "err", err)
			body := fmt.Sprintf("An error occurred during the collector cycle: %v", err)
			if nerr := d.notifier.Notify(ctx, "collector cycle error", body); nerr != nil {
				d.logger.Error("sending alert", "err", nerr)
			}
		}
	}
}

// Cycle runs one collect, register, replicate, backfill and sweep pass.
// Per-artifact replication failures are logged by the coordinator and do not
// fail the cycle; collection, registration, backfill query and sweep errors
// are joined into the returned error.
func (d *Driver) Cycle(ctx context.Context) (CycleReport, error) {
	start := d.now()
	report := CycleReport{ID: uuid.NewString()}
	logger := d.logger.With("cycle", report.ID)
	var errs []error

	produced, err := d.source.Collect(ctx)
	if err != nil {
		logger.Error("collecting artifacts", "err", err)
		errs = append(errs, fmt.Errorf("collect: %w", err))
	}
	report.Produced = len(produced)

	var fresh []Produced
	for _, p := range produced {
		err := d.store.Register(ctx, p.Filename, p.Kind, p.Path)
		switch {
		case err == nil:
			report.Registered++
			fresh = append(fresh, p)
		case errors.Is(err, catalog.ErrDuplicateKey):
			report.Duplicates++
			logger.Warn("artifact already registered", "filename", p.Filename)
		default:
			logger.Error("registering artifact", "filename", p.Filename, "err", err)
			errs = append(errs, fmt.Errorf("register %s: %w", p.Filename, err))
		}
	}

	if len(d.targets) > 0 {
		for _, p := range fresh {
			if ctx.Err() != nil {
				break
			}
			results, err := d.replicator.ReplicateAll(ctx, p.Filename, d.targets)
			report.Results = append(report.Results, results...)
			if err != nil {
				logger.Warn("replication incomplete, leaving it to backfill", "filename", p.Filename, "err", err)
			}
		}

		if d.backfill != nil && ctx.Err() == nil {
			report.Backfill, err = d.backfill.Run(ctx, d.targets)
			if err != nil {
				errs = append(errs, fmt.Errorf("backfill: %w", err))
			}
		}
	}

	if d.sweeper != nil && ctx.Err() == nil {
		report.Sweep, report.Swept, err = d.sweeper.MaybeSweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		}
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	report.Duration = d.now().Sub(start)
	d.metrics.ObserveCycle(report.Duration.Seconds())

	logger.Info("cycle done",
		"duration", report.Duration,
		"produced", report.Produced,
		"registered", report.Registered,
		"duplicates", report.Duplicates,
		"swept", report.Swept,
	)
	return report, errors.Join(errs...)
}

// NextCaptureTime returns the first multiple of interval after now, counted
// from midnight in now's location.
func NextCaptureTime(now time.Time, interval time.Duration) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	return midnight.Add((elapsed/interval + 1) * interval)
}
