// Package metrics instruments the collection lifecycle with
// Prometheus: one counter/gauge/histogram per observable event,
// constructed once at open and threaded through the collection and its
// background dumper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collection groups every metric a single collection instance emits.
type Collection struct {
	dumpAttempts       *prometheus.CounterVec
	dumpDuration       prometheus.Histogram
	segmentCount       prometheus.Gauge
	contextPoolWait    prometheus.Histogram
	queryLatency       *prometheus.HistogramVec
	manifestApplyRetry prometheus.Counter
}

// New registers and returns a Collection's metric set against reg.
func New(reg prometheus.Registerer, namespace string) *Collection {
	return &Collection{
		dumpAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dump_attempts_total",
			Help:      "dump_attempts_total counts background dump attempts, labeled by outcome.",
		}, []string{"outcome"}),
		dumpDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dump_duration_seconds",
			Help:      "dump_duration_seconds observes how long a successful segment dump takes.",
			Buckets:   prometheus.DefBuckets,
		}),
		segmentCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_count",
			Help:      "segment_count is the number of segments currently in current_version.",
		}),
		contextPoolWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_pool_wait_seconds",
			Help:      "context_pool_wait_seconds observes how long a query waited to borrow a column context.",
			Buckets:   prometheus.DefBuckets,
		}),
		queryLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "query_latency_seconds observes knn_search/kv_search latency, labeled by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		manifestApplyRetry: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_apply_retries_total",
			Help:      "manifest_apply_retries_total counts VersionEdit apply retries after a failed attempt.",
		}),
	}
}

// DumpAttempt records one dump attempt's outcome ("success", "retry", or
// "exhausted").
func (c *Collection) DumpAttempt(outcome string) {
	if c == nil {
		return
	}
	c.dumpAttempts.WithLabelValues(outcome).Inc()
}

// ObserveDumpDuration records a completed dump's wall time in seconds.
func (c *Collection) ObserveDumpDuration(seconds float64) {
	if c == nil {
		return
	}
	c.dumpDuration.Observe(seconds)
}

// SetSegmentCount updates the live segment-count gauge.
func (c *Collection) SetSegmentCount(n int) {
	if c == nil {
		return
	}
	c.segmentCount.Set(float64(n))
}

// ObserveContextPoolWait records how long a Borrow() call blocked.
func (c *Collection) ObserveContextPoolWait(seconds float64) {
	if c == nil {
		return
	}
	c.contextPoolWait.Observe(seconds)
}

// ObserveQueryLatency records a knn_search/kv_search call's latency.
func (c *Collection) ObserveQueryLatency(op string, seconds float64) {
	if c == nil {
		return
	}
	c.queryLatency.WithLabelValues(op).Observe(seconds)
}

// IncManifestApplyRetry records one VersionEdit apply retry.
func (c *Collection) IncManifestApplyRetry() {
	if c == nil {
		return
	}
	c.manifestApplyRetry.Inc()
}
