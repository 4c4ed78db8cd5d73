// Package replicate uploads artifacts to backends and proves every copy
// byte-identical before recording it as verified.
//
// For one (artifact, backend) pair the coordinator uploads the local file,
// asks the backend for the digest of what it stored, and compares it with a
// digest of the local file computed independently. A mismatch removes the
// bad copy and counts as a failed attempt. After the last failed attempt the
// pair is recorded as failed and an alert is sent.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydrocam/collector/internal/backend"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/identity"
	"github.com/hydrocam/collector/internal/keylock"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/hydrocam/collector/internal/notify"
	"github.com/hydrocam/collector/internal/retry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrExhausted is returned when no attempt produced a verified copy.
	ErrExhausted = errors.New("replication attempts exhausted")

	// ErrDigestMismatch marks an attempt whose stored digest differed from
	// the local one.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrNotLocal is returned for artifacts whose local copy is gone.
	ErrNotLocal = errors.New("artifact not locally present")

	// ErrNoContainer is returned when a target has no container for the
	// artifact's kind.
	ErrNoContainer = errors.New("no container for artifact kind")
)

const (
	defaultMaxAttempts    = 5
	defaultAttemptTimeout = 5 * time.Minute
	defaultRetryDelay     = 2 * time.Second
	defaultWorkers        = 4

	// cleanupTimeout bounds the delete of a copy that failed verification.
	cleanupTimeout = time.Minute

	// recordTimeout bounds an outcome write that outlives the caller's ctx.
	recordTimeout = 30 * time.Second
)

// Store is the part of the catalog the coordinator needs.
type Store interface {
	Get(ctx context.Context, filename string) (catalog.Record, error)
	UpdateBackendStatus(ctx context.Context, filename string, backend string, u catalog.Update) error
}

// Target is a backend together with the container used for each kind of
// artifact.
type Target struct {
	Backend    backend.Backend
	Containers map[catalog.Kind]string
}

// Name returns the backend name.
func (t Target) Name() string {
	return t.Backend.Name()
}

// Container returns the container for kind.
func (t Target) Container(kind catalog.Kind) (string, error) {
	container := t.Containers[kind]
	if container == "" {
		return "", fmt.Errorf("%w: backend %s kind %s", ErrNoContainer, t.Name(), kind)
	}
	return container, nil
}

// Result is the outcome of one replication run.
type Result struct {
	Filename       string
	Backend        string
	Status         catalog.Status
	Attempts       int
	DestinationKey string
	Container      string
	Digest         backend.Digest
	// Skipped is set when the pair was already verified and nothing ran.
	Skipped bool
}

// Coordinator runs the upload, verify and retry protocol.
type Coordinator struct {
	store    Store
	locker   *keylock.Locker
	notifier notify.Notifier
	metrics  metrics.Recorder
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time

	maxAttempts    int
	attemptTimeout time.Duration
	retryDelay     time.Duration
	workers        int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts sets how many uploads are tried per run.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds a single upload; a timeout counts as a failed
// attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retryDelay = d
	}
}

// WithNotifier sets the alert sink.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLocker shares record locks with other components, notably the
// retention sweeper.
func WithLocker(l *keylock.Locker) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithLocation sets the zone filename timestamps are read in.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithWorkers bounds how many backends ReplicateAll drives at once.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// New returns a Coordinator writing outcomes to store.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		locker:         keylock.New(),
		notifier:       notify.Log{},
		metrics:        metrics.Noop{},
		logger:         slog.Default(),
		loc:            time.UTC,
		now:            time.Now,
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		retryDelay:     defaultRetryDelay,
		workers:        defaultWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Replicate drives filename to a verified copy on target.
//
// It returns identity.ErrMalformedIdentity, ErrNotLocal or ErrNoContainer
// without touching the catalog, a Skipped result if the pair is already
// verified, ErrExhausted after recording a failure, and the context error if
// ctx ends first. A cancelled run writes no terminal state.
func (c *Coordinator) Replicate(ctx context.Context, filename string, target Target) (Result, error) {
	name := target.Name()
	res := Result{Filename: filename, Backend: name}
	logger := c.logger.With("filename", filename, "backend", name)

	id, err := identity.Parse(filename, c.loc)
	if err != nil {
		return res, fmt.Errorf("replicate %s: %w", filename, err)
	}
	res.DestinationKey = id.DestinationKey()

	unlock := c.locker.LockReplica(filename, name)
	defer unlock()

	rec, err := c.store.Get(ctx, filename)
	if err != nil {
		return res, fmt.Errorf("replicate %s: %w", filename, err)
	}
	if !rec.LocalPresent {
		return res, fmt.Errorf("replicate %s: %w", filename, ErrNotLocal)
	}

	current := rec.Replica(name)
	if current.Verified() {
		res.Status = catalog.StatusVerified
		res.Container = current.Container
		res.Skipped = true
		c.metrics.IncReplication(name, "skipped")
		logger.Debug("already verified, skipping")
		return res, nil
	}

	container, err := target.Container(rec.Kind)
	if err != nil {
		return res, fmt.Errorf("replicate %s: %w", filename, err)
	}
	res.Container = container

	attempts, err := retry.Do(ctx, retry.Policy{Attempts: c.maxAttempts, Delay: c.retryDelay},
		func(ctx context.Context, attempt int) error {
			digest, err := c.attempt(ctx, logger, target, rec, container, res.DestinationKey, attempt)
			if err != nil {
				return err
			}
			res.Digest = digest
			return nil
		},
		func(attempt int, err error, next time.Duration) {
			logger.Warn("upload attempt failed, retrying", "attempt", attempt, "max_attempts", c.maxAttempts, "delay", next, "err", err)
		},
	)
	res.Attempts = attempts

	switch {
	case err == nil:
		if werr := c.record(ctx, filename, name, catalog.Update{
			Status:         catalog.StatusVerified,
			DestinationKey: res.DestinationKey,
			Container:      container,
			IntegrityOK:    true,
			Attempts:       attempts,
		}); werr != nil {
			return res, c.catalogFailure(ctx, logger, filename, name, werr)
		}
		res.Status = catalog.StatusVerified
		c.metrics.IncReplication(name, string(catalog.StatusVerified))
		logger.Info("replica verified", "attempts", attempts, "key", res.DestinationKey, "digest", res.Digest)
		return res, nil

	case ctx.Err() != nil:
		logger.Info("replication abandoned", "attempts", attempts, "err", ctx.Err())
		return res, fmt.Errorf("replicate %s to %s: %w", filename, name, ctx.Err())

	default:
		res.Digest = ""
		if werr := c.record(ctx, filename, name, catalog.Update{
			Status:         catalog.StatusFailed,
			DestinationKey: res.DestinationKey,
			Container:      container,
			Attempts:       attempts,
			Reason:         err.Error(),
		}); werr != nil {
			_ = c.catalogFailure(ctx, logger, filename, name, werr)
		} else {
			res.Status = catalog.StatusFailed
		}
		c.metrics.IncReplication(name, string(catalog.StatusFailed))

		logger.Error("replication failed", "attempts", attempts, "err", err)
		subject := name + " data integrity issue"
		body := fmt.Sprintf("Failed to ensure data integrity for %s on %s after %d attempts: %v", filename, name, attempts, err)
		if nerr := c.notifier.Notify(ctx, subject, body); nerr != nil {
			logger.Error("sending alert", "subject", subject, "err", nerr)
		}
		return res, fmt.Errorf("replicate %s to %s: %w after %d attempts: %w", filename, name, ErrExhausted, attempts, err)
	}
}

// attempt uploads once and verifies the stored digest. Any error counts as
// a failed attempt.
func (c *Coordinator) attempt(ctx context.Context, logger *slog.Logger, target Target, rec catalog.Record, container string, key string, attempt int) (backend.Digest, error) {
	name := target.Name()
	start := c.now()

	putCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	remote, err := target.Backend.Put(putCtx, rec.LocalPath, container, key)
	cancel()
	if err != nil {
		c.metrics.ObserveAttempt(name, metrics.AttemptPutError, c.now().Sub(start).Seconds())
		return "", fmt.Errorf("attempt %d: put: %w", attempt, err)
	}

	// The object exists remotely from here on; a crash before the final write
	// leaves the pair for backfill to pick up.
	if err := c.record(ctx, rec.Filename, name, catalog.Update{
		Status:         catalog.StatusUploadedUnverified,
		DestinationKey: key,
		Container:      container,
		Attempts:       attempt,
	}); err != nil {
		logger.Warn("recording unverified upload", "attempt", attempt, "err", err)
	}

	local, err := backend.FileMD5(rec.LocalPath)
	if err != nil {
		c.metrics.ObserveAttempt(name, metrics.AttemptPutError, c.now().Sub(start).Seconds())
		return "", fmt.Errorf("attempt %d: local digest: %w", attempt, err)
	}

	if local != remote {
		c.metrics.ObserveAttempt(name, metrics.AttemptDigestMismatch, c.now().Sub(start).Seconds())
		c.discard(ctx, logger, target, container, key)
		return "", fmt.Errorf("attempt %d: %w: local %s, stored %s", attempt, ErrDigestMismatch, local, remote)
	}

	c.metrics.ObserveAttempt(name, metrics.AttemptVerified, c.now().Sub(start).Seconds())
	return remote, nil
}

// discard deletes a copy that failed verification. Failure is only logged.
func (c *Coordinator) discard(ctx context.Context, logger *slog.Logger, target Target, container string, key string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := target.Backend.Delete(delCtx, container, key); err != nil {
		logger.Warn("removing unverified copy", "container", container, "key", key, "err", err)
	}
}

// record writes the outcome of work the backend has already done, so it
// completes even when ctx has been cancelled meanwhile.
func (c *Coordinator) record(ctx context.Context, filename string, backend string, u catalog.Update) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return c.store.UpdateBackendStatus(writeCtx, filename, backend, u)
}

func (c *Coordinator) catalogFailure(ctx context.Context, logger *slog.Logger, filename string, backend string, err error) error {
	logger.Error("recording replication outcome", "err", err)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	body := fmt.Sprintf("Could not record the replication outcome of %s on %s: %v", filename, backend, err)
	if nerr := c.notifier.Notify(notifyCtx, "catalog operation failed", body); nerr != nil {
		logger.Error("sending alert", "subject", "catalog operation failed", "err", nerr)
	}
	return fmt.Errorf("replicate %s to %s: record outcome: %w", filename, backend, err)
}

// ReplicateAll replicates filename to every target concurrently, bounded by
// the configured worker count. Results are in target order; errors are
// joined.
func (c *Coordinator) ReplicateAll(ctx context.Context, filename string, targets []Target) ([]Result, error) {
	results := make([]Result, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, target := range targets {
		g.Go(func() error {
			results[i], errs[i] = c.Replicate(ctx, filename, target)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
