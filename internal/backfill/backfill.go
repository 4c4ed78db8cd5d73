// Package backfill resubmits artifacts whose replication never reached a
// verified state, for example after a crash or an exhausted run.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/identity"
	"github.com/hydrocam/collector/internal/replicate"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 2

// Store lists incomplete artifacts.
type Store interface {
	QueryIncompleteBackend(ctx context.Context, backend string) ([]catalog.Pending, error)
}

// Replicator drives one artifact to one backend.
type Replicator interface {
	Replicate(ctx context.Context, filename string, target replicate.Target) (replicate.Result, error)
}

// Report summarizes one backend's pass.
type Report struct {
	Backend  string
	Pending  int
	Verified int
	Failed   int
	// Skipped counts artifacts that could not be attempted: malformed names,
	// vanished local copies, missing containers, or pairs verified meanwhile.
	Skipped int
	Errors  int
}

// Scanner finds and resubmits incomplete replication.
type Scanner struct {
	store      Store
	replicator Replicator
	logger     *slog.Logger
	workers    int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWorkers bounds how many artifacts are resubmitted at once per backend.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New returns a Scanner.
func New(store Store, replicator Replicator, opts ...Option) *Scanner {
	s := &Scanner{
		store:      store,
		replicator: replicator,
		logger:     slog.Default(),
		workers:    defaultWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run makes one pass over every target. Per-artifact failures are counted in
// the reports and never end the pass; a failed query skips that backend and
// is returned joined with the others. Run stops early only when ctx ends.
func (s *Scanner) Run(ctx context.Context, targets []replicate.Target) ([]Report, error) {
	reports := make([]Report, 0, len(targets))
	var errs []error

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		report, err := s.runBackend(ctx, target)
		reports = append(reports, report)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			errs = append(errs, err)
		}
	}

	return reports, errors.Join(errs...)
}

func (s *Scanner) runBackend(ctx context.Context, target replicate.Target) (Report, error) {
	name := target.Name()
	report := Report{Backend: name}
	logger := s.logger.With("backend", name)

	pending, err := s.store.QueryIncompleteBackend(ctx, name)
	if err != nil {
		logger.Error("listing incomplete artifacts", "err", err)
		return report, fmt.Errorf("backfill %s: %w", name, err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report, nil
	}
	logger.Info("backfilling", "pending", len(pending))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.replicator.Replicate(ctx, p.Filename, target)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil && res.Skipped:
				report.Skipped++
			case err == nil:
				report.Verified++
			case ctx.Err() != nil:
				// Abandoned; the artifact stays incomplete for the next pass.
			case errors.Is(err, identity.ErrMalformedIdentity),
				errors.Is(err, replicate.ErrNotLocal),
				errors.Is(err, replicate.ErrNoContainer),
				errors.Is(err, catalog.ErrNotFound):
				report.Skipped++
				logger.Warn("skipping artifact", "filename", p.Filename, "err", err)
			case errors.Is(err, replicate.ErrExhausted):
				report.Failed++
			default:
				report.Errors++
				logger.Error("backfilling artifact", "filename", p.Filename, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("backfill pass done",
		"pending", report.Pending,
		"verified", report.Verified,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
