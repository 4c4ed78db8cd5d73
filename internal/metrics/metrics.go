// Package metrics exposes collector counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attempt outcomes.
const (
	AttemptVerified       = "verified"
	AttemptPutError       = "put_error"
	AttemptDigestMismatch = "digest_mismatch"
)

// Recorder receives collector events.
type Recorder interface {
	// ObserveAttempt counts one upload attempt and its duration.
	ObserveAttempt(backend string, outcome string, durationSeconds float64)
	// IncReplication counts a finished replication run by final status.
	IncReplication(backend string, status string)
	// IncLocalDeletion counts a retention decision by result.
	IncLocalDeletion(result string)
	// IncCatalogRetry counts a contention retry of a catalog operation.
	IncCatalogRetry(op string)
	// ObserveCycle records the duration of one driver cycle.
	ObserveCycle(durationSeconds float64)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveAttempt(string, string, float64) {}
func (Noop) IncReplication(string, string)          {}
func (Noop) IncLocalDeletion(string)                {}
func (Noop) IncCatalogRetry(string)                 {}
func (Noop) ObserveCycle(float64)                   {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	replications  *prometheus.CounterVec
	localDeletes  *prometheus.CounterVec
	catalogRetry  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewProm creates the collectors and registers them with reg.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Upload attempts by backend and outcome",
		}, []string{"backend", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_attempt_duration_seconds",
			Help:      "Upload attempt duration by backend",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"backend"}),
		replications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replications_total",
			Help:      "Finished replication runs by backend and status",
		}, []string{"backend", "status"}),
		localDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_deletions_total",
			Help:      "Retention decisions by result",
		}, []string{"result"}),
		catalogRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_retries_total",
			Help:      "Catalog operations retried because the store was busy",
		}, []string{"op"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one collect, replicate, backfill and sweep cycle",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{p.attempts, p.attemptTime, p.replications, p.localDeletes, p.catalogRetry, p.cycleDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) ObserveAttempt(backend string, outcome string, durationSeconds float64) {
	p.attempts.WithLabelValues(backend, outcome).Inc()
	p.attemptTime.WithLabelValues(backend).Observe(durationSeconds)
}

func (p *Prom) IncReplication(backend string, status string) {
	p.replications.WithLabelValues(backend, status).Inc()
}

func (p *Prom) IncLocalDeletion(result string) {
	p.localDeletes.WithLabelValues(result).Inc()
}

func (p *Prom) IncCatalogRetry(op string) {
	p.catalogRetry.WithLabelValues(op).Inc()
}

func (p *Prom) ObserveCycle(durationSeconds float64) {
	p.cycleDuration.Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
