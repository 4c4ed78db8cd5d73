// Package retention reclaims local disk space once artifacts are old enough
// and verified on every required backend.
//
// The local file is always removed before the catalog is told it is gone. A
// crash in between leaves the record marked present, and the next sweep
// finds the file already absent and completes the update.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/keylock"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/hydrocam/collector/internal/notify"
)

// ErrNoRequiredBackends is returned when a policy names no required backend
// and age-only pruning was not allowed explicitly.
var ErrNoRequiredBackends = errors.New("no required backends")

// Deletion results reported to metrics.
const (
	ResultDeleted       = "deleted"
	ResultAlreadyAbsent = "already_absent"
	ResultError         = "error"
)

// Store is the part of the catalog the sweeper needs.
type Store interface {
	QueryEligibleForDeletion(ctx context.Context, cutoff time.Time, required []string) ([]catalog.Eligible, error)
	Get(ctx context.Context, filename string) (catalog.Record, error)
	MarkLocalDeleted(ctx context.Context, filename string) error
}

// Policy decides which local copies may go.
type Policy struct {
	// Days is how long a local copy is kept after capture.
	Days int
	// Required lists the backends that must hold a verified copy.
	Required []string
	// AllowUnreplicated permits an empty Required, pruning by age alone.
	AllowUnreplicated bool
}

func (p Policy) validate() error {
	if p.Days < 0 {
		return fmt.Errorf("retention days %d must not be negative", p.Days)
	}
	if len(p.Required) == 0 && !p.AllowUnreplicated {
		return ErrNoRequiredBackends
	}
	return nil
}

// Report summarizes one sweep.
type Report struct {
	Cutoff time.Time
	DryRun bool
	// Candidates is the number of records the eligibility query returned.
	Candidates    int
	Deleted       int
	AlreadyAbsent int
	// Skipped counts candidates that were no longer eligible under the lock.
	Skipped int
	Errors  int
	// Would lists the files a dry run would have deleted.
	Would []string
}

// Sweeper deletes eligible local copies.
type Sweeper struct {
	store    Store
	policy   Policy
	window   Window
	loc      *time.Location
	locker   *keylock.Locker
	metrics  metrics.Recorder
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	dryRun   bool

	mu      sync.Mutex
	lastRun time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithWindow sets the daily window in which MaybeSweep runs.
func WithWindow(w Window) Option {
	return func(s *Sweeper) {
		s.window = w
	}
}

// WithLocation sets the zone used for the window and the cutoff.
func WithLocation(loc *time.Location) Option {
	return func(s *Sweeper) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLocker shares a lock table with the replication coordinator.
func WithLocker(l *keylock.Locker) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Sweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Sweeper) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDryRun makes sweeps report candidates without deleting anything.
func WithDryRun(dryRun bool) Option {
	return func(s *Sweeper) {
		s.dryRun = dryRun
	}
}

// New returns a Sweeper for policy. It fails with ErrNoRequiredBackends when
// the policy would prune unreplicated files without saying so.
func New(store Store, policy Policy, opts ...Option) (*Sweeper, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}

	s := &Sweeper{
		store:    store,
		policy:   policy,
		window:   DefaultWindow,
		loc:      time.UTC,
		locker:   keylock.New(),
		metrics:  metrics.Noop{},
		notifier: notify.Log{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.window.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Due reports whether MaybeSweep would run now: inside the window and not
// yet run during this opening of it.
func (s *Sweeper) Due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(s.now().In(s.loc))
}

func (s *Sweeper) dueLocked(now time.Time) bool {
	if !s.window.Contains(now) {
		return false
	}
	return s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.window.Length
}

// MaybeSweep sweeps if Due. The boolean reports whether a sweep ran.
func (s *Sweeper) MaybeSweep(ctx context.Context) (Report, bool, error) {
	s.mu.Lock()
	now := s.now().In(s.loc)
	if !s.dueLocked(now) {
		s.mu.Unlock()
		return Report{}, false, nil
	}
	s.lastRun = now
	s.mu.Unlock()

	report, err := s.Sweep(ctx)
	return report, true, err
}

// Sweep runs one pass now, regardless of the window.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	cutoff := Cutoff(s.now(), s.policy.Days, s.loc)
	report := Report{Cutoff: cutoff, DryRun: s.dryRun}
	logger := s.logger.With("cutoff", cutoff.Format(time.DateOnly))

	eligible, err := s.store.QueryEligibleForDeletion(ctx, cutoff, s.policy.Required)
	if err != nil {
		logger.Error("listing eligible artifacts", "err", err)
		return report, fmt.Errorf("sweep: %w", err)
	}
	report.Candidates = len(eligible)
	logger.Info("retention sweep", "candidates", len(eligible), "required", s.policy.Required, "dry_run", s.dryRun)

	for _, e := range eligible {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.reclaim(ctx, logger.With("filename", e.Filename), cutoff, e.Filename, &report)
	}

	logger.Info("retention sweep done",
		"deleted", report.Deleted,
		"already_absent", report.AlreadyAbsent,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
	return report, nil
}

// reclaim removes one local copy under the record lock.
func (s *Sweeper) reclaim(ctx context.Context, logger *slog.Logger, cutoff time.Time, filename string, report *Report) {
	unlock := s.locker.LockRecord(filename)
	defer unlock()

	rec, err := s.store.Get(ctx, filename)
	if err != nil {
		report.Errors++
		logger.Error("re-reading record", "err", err)
		return
	}
	if !s.stillEligible(rec, cutoff) {
		report.Skipped++
		logger.Debug("no longer eligible")
		return
	}

	if s.dryRun {
		report.Would = append(report.Would, filename)
		logger.Info("would delete local copy", "path", rec.LocalPath)
		return
	}

	result := ResultDeleted
	if err := remove(rec.LocalPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			report.Errors++
			s.metrics.IncLocalDeletion(ResultError)
			logger.Error("deleting local copy, will retry next sweep", "path", rec.LocalPath, "err", err)
			return
		}
		result = ResultAlreadyAbsent
		logger.Warn("local copy already absent", "path", rec.LocalPath)
	}

	if err := s.store.MarkLocalDeleted(ctx, filename); err != nil {
		report.Errors++
		s.metrics.IncLocalDeletion(ResultError)
		logger.Error("marking local copy deleted", "err", err)
		body := fmt.Sprintf("Deleted the local copy of %s but could not record it: %v", filename, err)
		if nerr := s.notifier.Notify(ctx, "catalog operation failed", body); nerr != nil {
			logger.Error("sending alert", "err", nerr)
		}
		return
	}

	s.metrics.IncLocalDeletion(result)
	if result == ResultDeleted {
		report.Deleted++
		logger.Info("deleted local copy", "path", rec.LocalPath)
	} else {
		report.AlreadyAbsent++
	}
}

func (s *Sweeper) stillEligible(rec catalog.Record, cutoff time.Time) bool {
	if !rec.LocalPresent || rec.CapturedAt.IsZero() || !rec.CapturedAt.Before(cutoff) {
		return false
	}
	for _, b := range s.policy.Required {
		if !rec.Replica(b).Verified() {
			return false
		}
	}
	return true
}

func remove(path string) error {
	if path == "" {
		return fs.ErrNotExist
	}
	return os.Remove(path)
}
