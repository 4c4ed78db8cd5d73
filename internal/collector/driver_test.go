package collector_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hydrocam/collector/internal/backend/backendtest"
	"github.com/hydrocam/collector/internal/backfill"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/collector"
	"github.com/hydrocam/collector/internal/keylock"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/hydrocam/collector/internal/notify"
	"github.com/hydrocam/collector/internal/replicate"
	"github.com/hydrocam/collector/internal/retention"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// staticSource hands out a fixed batch once.
type staticSource struct {
	mu    sync.Mutex
	batch []collector.Produced
	err   error
	calls int
}

func (s *staticSource) Collect(context.Context) ([]collector.Produced, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	batch := s.batch
	s.batch = nil
	return batch, s.err
}

func (s *staticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type cycleCounter struct {
	metrics.Noop
	mu     sync.Mutex
	cycles int
}

func (c *cycleCounter) ObserveCycle(float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles++
}

func (c *cycleCounter) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

type env struct {
	cat    *catalog.Catalog
	dir    string
	locker *keylock.Locker
	alerts *notify.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(t.Context(), filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return &env{cat: cat, dir: dir, locker: keylock.New(), alerts: &notify.Recorder{}}
}

func (e *env) produce(t *testing.T, filename string, kind catalog.Kind) collector.Produced {
	t.Helper()

	path := filepath.Join(e.dir, filename)
	require.NoError(t, os.WriteFile(path, []byte("captured "+filename), 0o644))
	return collector.Produced{Path: path, Filename: filename, Kind: kind}
}

func (e *env) coordinator() *replicate.Coordinator {
	return replicate.New(e.cat,
		replicate.WithRetryDelay(0),
		replicate.WithLocker(e.locker),
		replicate.WithNotifier(e.alerts),
		replicate.WithLogger(discard),
	)
}

func targets(fakes ...*backendtest.Fake) []replicate.Target {
	out := make([]replicate.Target, 0, len(fakes))
	for _, f := range fakes {
		out = append(out, replicate.Target{
			Backend: f,
			Containers: map[catalog.Kind]string{
				catalog.KindImage: "images",
				catalog.KindVideo: "videos",
			},
		})
	}
	return out
}

func TestCycleReplicatesNewArtifacts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	src := &staticSource{batch: []collector.Produced{
		e.produce(t, "image_capture_2024-08-09_14-00-00.jpg", catalog.KindImage),
		e.produce(t, "video_capture_2024-08-09_14-00-00.mp4", catalog.KindVideo),
	}}
	aws := backendtest.New("aws")
	gcs := backendtest.New("gcs")
	coord := e.coordinator()

	driver := collector.NewDriver(e.cat, src, coord, targets(aws, gcs),
		collector.WithBackfill(backfill.New(e.cat, coord, backfill.WithLogger(discard))),
		collector.WithLogger(discard),
	)

	report, err := driver.Cycle(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.ID)
	require.Equal(t, 2, report.Produced)
	require.Equal(t, 2, report.Registered)
	require.Len(t, report.Results, 4)
	require.Equal(t, []backfill.Report{{Backend: "aws"}, {Backend: "gcs"}}, report.Backfill)

	_, ok := aws.Stored("videos", "2024/August/video_capture_2024-08-09_14-00-00.mp4")
	require.True(t, ok)
	_, ok = gcs.Stored("images", "2024/August/image_capture_2024-08-09_14-00-00.jpg")
	require.True(t, ok)

	summary, err := e.cat.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Replicas["aws"][catalog.StatusVerified])
	require.Equal(t, 2, summary.Replicas["gcs"][catalog.StatusVerified])
}

func TestCycleBackfillsEarlierFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	src := &staticSource{batch: []collector.Produced{
		e.produce(t, "image_capture_2024-08-09_14-00-00.jpg", catalog.KindImage),
	}}
	// Every attempt of the first run fails, then the backend recovers.
	aws := backendtest.New("aws")
	aws.Script(
		backendtest.Outcome{Err: errors.New("timeout")},
		backendtest.Outcome{Err: errors.New("timeout")},
		backendtest.Outcome{Err: errors.New("timeout")},
		backendtest.Outcome{Err: errors.New("timeout")},
		backendtest.Outcome{Err: errors.New("timeout")},
	)
	coord := e.coordinator()

	driver := collector.NewDriver(e.cat, src, coord, targets(aws),
		collector.WithBackfill(backfill.New(e.cat, coord, backfill.WithLogger(discard))),
		collector.WithLogger(discard),
	)

	report, err := driver.Cycle(ctx)
	require.NoError(t, err, "replication failures do not fail the cycle")
	require.Equal(t, catalog.StatusFailed, report.Results[0].Status)
	require.Equal(t, []backfill.Report{{Backend: "aws", Pending: 1, Verified: 1}}, report.Backfill)
	require.Len(t, e.alerts.Messages(), 1)
}

func TestCycleToleratesDuplicatesAndMalformedNames(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	dup := e.produce(t, "image_capture_2024-08-09_14-00-00.jpg", catalog.KindImage)
	require.NoError(t, e.cat.Register(ctx, dup.Filename, dup.Kind, dup.Path))

	src := &staticSource{batch: []collector.Produced{
		dup,
		e.produce(t, "badname.jpg", catalog.KindImage),
	}}
	aws := backendtest.New("aws")

	driver := collector.NewDriver(e.cat, src, e.coordinator(), targets(aws), collector.WithLogger(discard))

	report, err := driver.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, 1, report.Registered)
	require.Zero(t, aws.Count("put"))

	ok, err := e.cat.Exists(ctx, "badname.jpg")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCycleCollectErrorStillSweeps(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := t.Context()

	old := e.produce(t, "image_capture_2024-08-09_14-00-00.jpg", catalog.KindImage)
	require.NoError(t, e.cat.Register(ctx, old.Filename, old.Kind, old.Path))
	require.NoError(t, e.cat.UpdateBackendStatus(ctx, old.Filename, "aws", catalog.Update{
		Status:      catalog.StatusVerified,
		IntegrityOK: true,
		Attempts:    1,
	}))

	now := time.Date(2024, time.September, 10, 23, 5, 0, 0, time.UTC)
	sweeper, err := retention.New(e.cat, retention.Policy{Days: 30, Required: []string{"aws"}},
		retention.WithClock(func() time.Time { return now }),
		retention.WithLocker(e.locker),
		retention.WithLogger(discard),
	)
	require.NoError(t, err)

	src := &staticSource{err: errors.New("camera unreachable")}
	metricsRec := &cycleCounter{}

	driver := collector.NewDriver(e.cat, src, e.coordinator(), targets(backendtest.New("aws")),
		collector.WithSweeper(sweeper),
		collector.WithMetrics(metricsRec),
		collector.WithLogger(discard),
	)

	report, err := driver.Cycle(ctx)
	require.ErrorContains(t, err, "camera unreachable")
	require.True(t, report.Swept)
	require.Equal(t, 1, report.Sweep.Deleted)
	require.NoFileExists(t, old.Path)
	require.Equal(t, 1, metricsRec.Cycles())
}

func TestRunCyclesUntilCancelled(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := &staticSource{}
	alerts := &notify.Recorder{}

	driver := collector.NewDriver(e.cat, src, e.coordinator(), nil,
		collector.WithInterval(20*time.Millisecond),
		collector.WithNotifier(alerts),
		collector.WithLogger(discard),
	)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Calls() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Empty(t, alerts.Messages())
}

func TestRunReportsCycleErrors(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := &staticSource{err: errors.New("disk full")}
	alerts := &notify.Recorder{}

	driver := collector.NewDriver(e.cat, src, e.coordinator(), nil,
		collector.WithInterval(20*time.Millisecond),
		collector.WithNotifier(alerts),
		collector.WithLogger(discard),
	)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = driver.Run(ctx) }()

	require.Eventually(t, func() bool { return len(alerts.Messages()) >= 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "collector cycle error", alerts.Messages()[0].Subject)
	require.Contains(t, alerts.Messages()[0].Body, "disk full")
}

func TestNextCaptureTime(t *testing.T) {
	t.Parallel()

	mst := time.FixedZone("MST", -7*60*60)
	at := func(h, m, s int) time.Time {
		return time.Date(2024, time.August, 26, h, m, s, 0, mst)
	}

	tests := []struct {
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{at(14, 23, 45), time.Hour, at(15, 0, 0)},
		{at(14, 0, 0), time.Hour, at(15, 0, 0)},
		{at(14, 23, 45), 30 * time.Minute, at(14, 30, 0)},
		{at(14, 30, 0), 30 * time.Minute, at(15, 0, 0)},
		{at(23, 59, 59), time.Hour, time.Date(2024, time.August, 27, 0, 0, 0, 0, mst)},
	}
	for _, tt := range tests {
		got := collector.NextCaptureTime(tt.now, tt.interval)
		require.True(t, tt.want.Equal(got), "now %s: want %s, got %s", tt.now, tt.want, got)
	}
}
