// Package metrics provides Prometheus metrics for the history service.
//
// Every recorder method is a no-op on a nil *Metrics, so components can be
// built without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	VersionsCreatedTotal      prometheus.Counter
	VersionsDeduplicatedTotal prometheus.Counter
	CompressionRatio          prometheus.Histogram
	OrphanBlobsTotal          prometheus.Counter

	DiffsTotal       *prometheus.CounterVec
	DiffDuration     *prometheus.HistogramVec
	DiffCacheLookups *prometheus.CounterVec

	RollbacksTotal *prometheus.CounterVec

	SweepRunsTotal     *prometheus.CounterVec
	SweepExpiredTotal  prometheus.Counter
	SweepSkippedTotal  prometheus.Counter
	BlobsReleasedTotal prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "history_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "history_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		VersionsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_versions_created_total",
			Help: "Versions persisted",
		}),
		VersionsDeduplicatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_versions_deduplicated_total",
			Help: "Saves skipped because content matched the previous version",
		}),
		CompressionRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "history_compression_ratio",
			Help:    "Compressed size divided by original size for compressed versions",
			Buckets: []float64{.05, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1, 1.1},
		}),
		OrphanBlobsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_orphan_blobs_total",
			Help: "Blobs left behind by failed version writes",
		}),

		DiffsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "history_diffs_total",
			Help: "Diff computations by mode and outcome",
		}, []string{"mode", "outcome"}),
		DiffDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "history_diff_duration_seconds",
			Help:    "Duration of diff computations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"mode"}),
		DiffCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "history_diff_cache_lookups_total",
			Help: "Diff cache lookups by result",
		}, []string{"result"}),

		RollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "history_rollbacks_total",
			Help: "Rollbacks by mode and outcome",
		}, []string{"mode", "outcome"}),

		SweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "history_sweep_runs_total",
			Help: "Retention sweep runs by outcome",
		}, []string{"outcome"}),
		SweepExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_sweep_expired_total",
			Help: "Versions expired by the retention sweep",
		}),
		SweepSkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_sweep_skipped_total",
			Help: "Versions the retention policy protected from expiry",
		}),
		BlobsReleasedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "history_blobs_released_total",
			Help: "Blobs deleted after their last live version expired",
		}),
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) VersionCreated(compressed bool, ratio float64) {
	if m == nil {
		return
	}
	m.VersionsCreatedTotal.Inc()
	if compressed {
		m.CompressionRatio.Observe(ratio)
	}
}

func (m *Metrics) VersionDeduplicated() {
	if m == nil {
		return
	}
	m.VersionsDeduplicatedTotal.Inc()
}

func (m *Metrics) OrphanBlob() {
	if m == nil {
		return
	}
	m.OrphanBlobsTotal.Inc()
}

func (m *Metrics) ObserveDiff(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DiffsTotal.WithLabelValues(mode, outcome).Inc()
	m.DiffDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) DiffCacheHit() {
	if m == nil {
		return
	}
	m.DiffCacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) DiffCacheMiss() {
	if m == nil {
		return
	}
	m.DiffCacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) Rollback(mode, outcome string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Sweep(outcome string, expired, skipped, released int) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(outcome).Inc()
	m.SweepExpiredTotal.Add(float64(expired))
	m.SweepSkippedTotal.Add(float64(skipped))
	m.BlobsReleasedTotal.Add(float64(released))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
