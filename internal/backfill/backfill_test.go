package backfill_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hydrocam/collector/internal/backend/backendtest"
	"github.com/hydrocam/collector/internal/backfill"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/replicate"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	cat *catalog.Catalog
	dir string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(t.Context(), filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return &env{cat: cat, dir: dir}
}

func (e *env) register(t *testing.T, filename string) {
	t.Helper()

	path := filepath.Join(e.dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(filename), 0o644))
	require.NoError(t, e.cat.Register(t.Context(), filename, catalog.KindImage, path))
}

func (e *env) coordinator(opts ...replicate.Option) *replicate.Coordinator {
	base := []replicate.Option{
		replicate.WithRetryDelay(0),
		replicate.WithLogger(discard),
	}
	return replicate.New(e.cat, append(base, opts...)...)
}

func target(b *backendtest.Fake) replicate.Target {
	return replicate.Target{
		Backend:    b,
		Containers: map[catalog.Kind]string{catalog.KindImage: "images"},
	}
}

func TestBackfillResubmitsIncomplete(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	const (
		done       = "image_capture_2024-08-09_10-00-00.jpg"
		unverified = "image_capture_2024-08-09_11-00-00.jpg"
		fresh      = "image_capture_2024-08-09_12-00-00.jpg"
	)
	for _, name := range []string{done, unverified, fresh} {
		e.register(t, name)
	}

	aws := backendtest.New("aws")
	coord := e.coordinator()

	_, err := coord.Replicate(ctx, done, target(aws))
	require.NoError(t, err)

	// An upload that was cut short before verification.
	require.NoError(t, e.cat.UpdateBackendStatus(ctx, unverified, "aws", catalog.Update{
		Status:   catalog.StatusUploadedUnverified,
		Attempts: 1,
	}))

	scanner := backfill.New(e.cat, coord, backfill.WithLogger(discard))

	reports, err := scanner.Run(ctx, []replicate.Target{target(aws)})
	require.NoError(t, err)
	require.Equal(t, []backfill.Report{{Backend: "aws", Pending: 2, Verified: 2}}, reports)
	require.Equal(t, 3, aws.Count("put"))

	for _, name := range []string{unverified, fresh} {
		rec, err := e.cat.Get(ctx, name)
		require.NoError(t, err)
		require.True(t, rec.Replica("aws").Verified(), name)
	}

	// Nothing is left to do on the second pass.
	reports, err = scanner.Run(ctx, []replicate.Target{target(aws)})
	require.NoError(t, err)
	require.Equal(t, []backfill.Report{{Backend: "aws"}}, reports)
	require.Equal(t, 3, aws.Count("put"))
}

func TestBackfillCountsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()
	e.register(t, "image_capture_2024-08-09_10-00-00.jpg")
	e.register(t, "image_capture_2024-08-09_11-00-00.jpg")

	gcs := backendtest.New("gcs").SetDefault(backendtest.Outcome{Err: errors.New("unreachable")})
	aws := backendtest.New("aws")

	scanner := backfill.New(e.cat, e.coordinator(replicate.WithMaxAttempts(2)),
		backfill.WithLogger(discard),
		backfill.WithWorkers(1),
	)

	reports, err := scanner.Run(ctx, []replicate.Target{target(gcs), target(aws)})
	require.NoError(t, err)
	require.Equal(t, []backfill.Report{
		{Backend: "gcs", Pending: 2, Failed: 2},
		{Backend: "aws", Pending: 2, Verified: 2},
	}, reports)
	require.Equal(t, 4, gcs.Count("put"))

	// Failed pairs stay incomplete and are retried on the next pass.
	pending, err := e.cat.QueryIncompleteBackend(ctx, "gcs")
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestBackfillIgnoresMalformedNames(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "garbage.jpg")

	aws := backendtest.New("aws")
	scanner := backfill.New(e.cat, e.coordinator(), backfill.WithLogger(discard))

	reports, err := scanner.Run(t.Context(), []replicate.Target{target(aws)})
	require.NoError(t, err)
	require.Equal(t, []backfill.Report{{Backend: "aws"}}, reports)
	require.Zero(t, aws.Count("put"))

	// Still tracked, just never offered for replication.
	ok, err := e.cat.Exists(t.Context(), "garbage.jpg")
	require.NoError(t, err)
	require.True(t, ok)
}

type brokenStore struct {
	backfill.Store
	broken string
}

func (s brokenStore) QueryIncompleteBackend(ctx context.Context, backend string) ([]catalog.Pending, error) {
	if backend == s.broken {
		return nil, catalog.ErrStoreBusy
	}
	return s.Store.QueryIncompleteBackend(ctx, backend)
}

func TestBackfillQueryErrorSkipsBackend(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "image_capture_2024-08-09_10-00-00.jpg")

	gcs := backendtest.New("gcs")
	aws := backendtest.New("aws")
	scanner := backfill.New(brokenStore{Store: e.cat, broken: "gcs"}, e.coordinator(), backfill.WithLogger(discard))

	reports, err := scanner.Run(t.Context(), []replicate.Target{target(gcs), target(aws)})
	require.ErrorIs(t, err, catalog.ErrStoreBusy)
	require.Equal(t, []backfill.Report{
		{Backend: "gcs"},
		{Backend: "aws", Pending: 1, Verified: 1},
	}, reports)
	require.Zero(t, gcs.Count("put"))
}

func TestBackfillStopsOnCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t, "image_capture_2024-08-09_10-00-00.jpg")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	aws := backendtest.New("aws")
	scanner := backfill.New(e.cat, e.coordinator(), backfill.WithLogger(discard))

	reports, err := scanner.Run(ctx, []replicate.Target{target(aws)})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, reports)
	require.Zero(t, aws.Count("put"))
}
