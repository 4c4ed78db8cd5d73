package metrics_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hydrocam/collector/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for use by the server goroutine and the
// test at once.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPromCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p, err := metrics.NewProm("collector", reg)
	require.NoError(t, err)

	p.ObserveAttempt("aws", metrics.AttemptDigestMismatch, 0.2)
	p.ObserveAttempt("aws", metrics.AttemptDigestMismatch, 0.2)
	p.ObserveAttempt("aws", metrics.AttemptVerified, 0.1)
	p.IncReplication("aws", "verified")
	p.IncLocalDeletion("deleted")
	p.IncCatalogRetry("register")
	p.ObserveCycle(3)

	expected := `
# HELP collector_upload_attempts_total Upload attempts by backend and outcome
# TYPE collector_upload_attempts_total counter
collector_upload_attempts_total{backend="aws",outcome="digest_mismatch"} 2
collector_upload_attempts_total{backend="aws",outcome="verified"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "collector_upload_attempts_total"))

	count, err := testutil.GatherAndCount(reg, "collector_replications_total", "collector_local_deletions_total", "collector_catalog_retries_total")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestPromRegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := metrics.NewProm("collector", reg)
	require.NoError(t, err)

	_, err = metrics.NewProm("collector", reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestMuxServesMetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p, err := metrics.NewProm("collector", reg)
	require.NoError(t, err)
	p.IncReplication("gcs", "failed")

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := httptest.NewServer(metrics.NewMux(logger, metrics.Handler(reg)))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `collector_replications_total{backend="gcs",status="failed"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Contains(t, logs.String(), "status=404")
	require.Contains(t, logs.String(), "path=/metrics")
}
