// Package catalog is the durable record of every artifact and of its
// replication and retention state. It is backed by SQLite.
//
// Records are created once by Register and then only mutated; they are never
// deleted. Every write runs in a single transaction on a serialized write
// path, so a reader never observes a half-applied multi-column update.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hydrocam/collector/internal/identity"
	"github.com/hydrocam/collector/internal/retry"
	"github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// capturedAtLayout sorts lexicographically in time order, which the deletion
// query relies on.
const capturedAtLayout = "2006-01-02 15:04:05"

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = time.Second
	defaultBusyTimeout   = 5 * time.Second
)

// RetryObserver is told about every contention retry. op is the operation
// kind, such as "register" or "update".
type RetryObserver func(op string, attempt int, err error)

// Catalog is a SQLite-backed artifact catalog. It is safe for concurrent use.
type Catalog struct {
	db      *sql.DB
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	retry   retry.Policy
	onRetry RetryObserver

	busyTimeout time.Duration

	// writeMu serializes writers so that at most one transaction mutates
	// the store at a time within this process.
	writeMu sync.Mutex
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLocation sets the zone in which filename timestamps are interpreted.
func WithLocation(loc *time.Location) Option {
	return func(c *Catalog) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContentionRetry bounds how often a locked-store error is retried and
// how long to wait between tries.
func WithContentionRetry(attempts int, delay time.Duration) Option {
	return func(c *Catalog) {
		c.retry = retry.Policy{Attempts: attempts, Delay: delay}
	}
}

// WithRetryObserver registers a hook called on every contention retry.
func WithRetryObserver(fn RetryObserver) Option {
	return func(c *Catalog) {
		c.onRetry = fn
	}
}

// WithBusyTimeout sets how long SQLite itself waits on a lock before
// reporting SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Catalog) {
		c.busyTimeout = d
	}
}

// WithClock overrides the time source used for bookkeeping columns.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// Open opens (creating if needed) the catalog database at path and applies
// the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Catalog, error) {
	if path == "" {
		return nil, errors.New("catalog path must not be empty")
	}

	c := &Catalog{
		loc:         time.UTC,
		now:         time.Now,
		logger:      slog.Default(),
		retry:       retry.Policy{Attempts: defaultRetryAttempts, Delay: defaultRetryDelay},
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		path, c.busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db, c.logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	c.db = db
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order. Every migration must be idempotent.
func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}

		logger.Debug("running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path, err)
		}
		return nil
	})
}

// IsContention reports whether err is a transient SQLite lock error.
func IsContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying only on store contention.
// op names the operation kind and target the record it concerns; only op is
// passed to the retry observer.
func (c *Catalog) withRetry(ctx context.Context, op string, target string, fn func(ctx context.Context) error) error {
	name := op
	if target != "" {
		name = op + " " + target
	}

	attempts, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && !IsContention(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn("catalog busy, retrying", "op", name, "attempt", attempt, "delay", next, "err", err)
		if c.onRetry != nil {
			c.onRetry(op, attempt, err)
		}
	})

	if err != nil && IsContention(err) {
		return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrStoreBusy, attempts, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// write runs fn in a transaction on the serialized write path.
func (c *Catalog) write(ctx context.Context, op string, target string, fn func(tx *sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.withRetry(ctx, op, target, func(ctx context.Context) error {
		return withTransaction(ctx, c.db, fn)
	})
}

func (c *Catalog) formatCapturedAt(t time.Time) string {
	return t.In(c.loc).Format(capturedAtLayout)
}

// Register records a newly produced artifact as locally present with every
// backend not attempted. It returns ErrDuplicateKey if filename is already
// catalogued. A filename without a parseable timestamp is still recorded,
// with no capture time, so it is never selected for deletion.
func (c *Catalog) Register(ctx context.Context, filename string, kind Kind, localPath string) error {
	if filename == "" {
		return fmt.Errorf("register: %w: empty filename", ErrInvalidUpdate)
	}
	if !kind.Valid() {
		return fmt.Errorf("register %s: %w: unknown kind %q", filename, ErrInvalidUpdate, kind)
	}
	if localPath == "" {
		return fmt.Errorf("register %s: %w: empty local path", filename, ErrInvalidUpdate)
	}

	var capturedAt any
	if id, err := identity.Parse(filename, c.loc); err != nil {
		c.logger.Warn("registering artifact without capture time", "filename", filename, "err", err)
	} else {
		capturedAt = c.formatCapturedAt(id.CapturedAt)
	}

	return c.write(ctx, "register", filename, func(tx *sql.Tx) error {
		now := c.now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO artifacts(filename, kind, captured_at, local_present, local_path, created_at, updated_at)
			 VALUES(?, ?, ?, 1, ?, ?, ?)`,
			filename, string(kind), capturedAt, localPath, now, now,
		)
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrDuplicateKey
		}
		return nil
	})
}

// UpdateBackendStatus replaces the state of filename on backend. All
// columns change together or not at all.
func (c *Catalog) UpdateBackendStatus(ctx context.Context, filename string, backend string, u Update) error {
	if backend == "" {
		return fmt.Errorf("update %s: %w: empty backend", filename, ErrInvalidUpdate)
	}
	if err := u.validate(); err != nil {
		return fmt.Errorf("update %s/%s: %w", filename, backend, err)
	}

	return c.write(ctx, "update", filename+"/"+backend, func(tx *sql.Tx) error {
		now := c.now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE artifacts SET updated_at = ? WHERE filename = ?`, now, filename)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err != nil {
			return err
		} else if rows == 0 {
			return ErrNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO replicas(filename, backend, status, destination_key, container, integrity_ok, attempts, last_error, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(filename, backend) DO UPDATE SET
			 	status=excluded.status,
			 	destination_key=excluded.destination_key,
			 	container=excluded.container,
			 	integrity_ok=excluded.integrity_ok,
			 	attempts=excluded.attempts,
			 	last_error=excluded.last_error,
			 	updated_at=excluded.updated_at`,
			filename, backend, string(u.Status), nullString(u.DestinationKey), nullString(u.Container),
			u.IntegrityOK, u.Attempts, nullString(u.Reason), now,
		)
		return err
	})
}

// QueryIncompleteBackend returns the locally present artifacts whose
// replication to backend has not reached verified: never attempted, uploaded
// but not verified, or failed. Artifacts without a capture time have no
// destination key and are left out.
func (c *Catalog) QueryIncompleteBackend(ctx context.Context, backend string) ([]Pending, error) {
	var pending []Pending
	err := c.withRetry(ctx, "query_incomplete", backend, func(ctx context.Context) error {
		pending = pending[:0]
		rows, err := c.db.QueryContext(ctx,
			`SELECT a.filename, a.kind, a.local_path
			 FROM artifacts a
			 LEFT JOIN replicas r ON r.filename = a.filename AND r.backend = ?
			 WHERE a.local_present = 1
			   AND a.captured_at IS NOT NULL
			   AND (r.status IS NULL OR r.status IN (?, ?, ?))
			 ORDER BY a.filename`,
			backend, string(StatusNotAttempted), string(StatusUploadedUnverified), string(StatusFailed),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				p         Pending
				kind      string
				localPath sql.NullString
			)
			if err := rows.Scan(&p.Filename, &kind, &localPath); err != nil {
				return err
			}
			p.Kind = Kind(kind)
			p.LocalPath = localPath.String
			pending = append(pending, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// QueryEligibleForDeletion returns the locally present artifacts captured
// strictly before cutoff that are verified on every backend in required. An
// empty required set selects by age alone; callers decide whether that is
// allowed.
func (c *Catalog) QueryEligibleForDeletion(ctx context.Context, cutoff time.Time, required []string) ([]Eligible, error) {
	var query strings.Builder
	query.WriteString(`SELECT a.filename, a.local_path
		FROM artifacts a
		WHERE a.local_present = 1
		  AND a.captured_at IS NOT NULL
		  AND a.captured_at < ?`)
	args := []any{c.formatCapturedAt(cutoff)}

	seen := make(map[string]bool, len(required))
	for _, backend := range required {
		if seen[backend] {
			continue
		}
		seen[backend] = true
		query.WriteString(`
		  AND EXISTS (SELECT 1 FROM replicas r
		              WHERE r.filename = a.filename AND r.backend = ?
		                AND r.status = ? AND r.integrity_ok = 1)`)
		args = append(args, backend, string(StatusVerified))
	}
	query.WriteString(` ORDER BY a.captured_at, a.filename`)

	var eligible []Eligible
	err := c.withRetry(ctx, "query_eligible", "", func(ctx context.Context) error {
		eligible = eligible[:0]
		rows, err := c.db.QueryContext(ctx, query.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e         Eligible
				localPath sql.NullString
			)
			if err := rows.Scan(&e.Filename, &localPath); err != nil {
				return err
			}
			e.LocalPath = localPath.String
			eligible = append(eligible, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// MarkLocalDeleted records that the local copy of filename is gone.
func (c *Catalog) MarkLocalDeleted(ctx context.Context, filename string) error {
	return c.write(ctx, "mark_deleted", filename, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET local_present = 0, local_path = NULL, updated_at = ? WHERE filename = ?`,
			c.now().UTC(), filename,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Exists reports whether filename is catalogued.
func (c *Catalog) Exists(ctx context.Context, filename string) (bool, error) {
	var count int
	err := c.withRetry(ctx, "exists", filename, func(ctx context.Context) error {
		return c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE filename = ?`, filename).Scan(&count)
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get returns the record for filename with all of its replicas.
func (c *Catalog) Get(ctx context.Context, filename string) (Record, error) {
	var rec Record
	err := c.withRetry(ctx, "get", filename, func(ctx context.Context) error {
		var (
			kind       string
			capturedAt sql.NullString
			localPath  sql.NullString
		)

		err := c.db.QueryRowContext(ctx,
			`SELECT filename, kind, captured_at, local_present, local_path, created_at, updated_at
			 FROM artifacts WHERE filename = ?`, filename,
		).Scan(&rec.Filename, &kind, &capturedAt, &rec.LocalPresent, &localPath, &rec.CreatedAt, &rec.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		rec.Kind = Kind(kind)
		rec.LocalPath = localPath.String
		rec.CapturedAt = time.Time{}
		if capturedAt.Valid {
			if t, err := time.ParseInLocation(capturedAtLayout, capturedAt.String, c.loc); err == nil {
				rec.CapturedAt = t
			}
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT backend, status, destination_key, container, integrity_ok, attempts, last_error, updated_at
			 FROM replicas WHERE filename = ? ORDER BY backend`, filename,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		rec.Replicas = make(map[string]Replica)
		for rows.Next() {
			var (
				rep       Replica
				status    string
				key       sql.NullString
				container sql.NullString
				lastError sql.NullString
			)
			if err := rows.Scan(&rep.Backend, &status, &key, &container, &rep.IntegrityOK, &rep.Attempts, &lastError, &rep.UpdatedAt); err != nil {
				return err
			}
			rep.Status = Status(status)
			rep.DestinationKey = key.String
			rep.Container = container.String
			rep.LastError = lastError.String
			rec.Replicas[rep.Backend] = rep
		}
		return rows.Err()
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Stats summarizes the catalog.
func (c *Catalog) Stats(ctx context.Context) (Summary, error) {
	var sum Summary
	err := c.withRetry(ctx, "stats", "", func(ctx context.Context) error {
		sum = Summary{Replicas: make(map[string]map[Status]int)}

		var present sql.NullInt64
		if err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*), SUM(local_present) FROM artifacts`,
		).Scan(&sum.Artifacts, &present); err != nil {
			return err
		}
		sum.LocalPresent = int(present.Int64)

		rows, err := c.db.QueryContext(ctx,
			`SELECT backend, status, COUNT(*) FROM replicas GROUP BY backend, status ORDER BY backend, status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				backend string
				status  string
				count   int
			)
			if err := rows.Scan(&backend, &status, &count); err != nil {
				return err
			}
			if sum.Replicas[backend] == nil {
				sum.Replicas[backend] = make(map[Status]int)
			}
			sum.Replicas[backend][Status(status)] = count
		}
		return rows.Err()
	})
	return sum, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
