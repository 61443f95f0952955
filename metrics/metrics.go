// Package metrics exposes the Writer Pool's five request-latency
// measurements as Prometheus histograms, served over an HTTP handler.
//
// Shaped after lib/metrics's Init/Handler split (a package-level registry
// plus a promhttp.Handler wrapper, in lib/metrics/metrics_test.go's
// TestHandlerServesMetrics), with the five metric names and formulas taken
// from nominal/core/_clientsbunch.py's RequestMetrics and
// write_nominal_batches_with_metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nominal_client"

// Request holds one write request's five latency measurements, all in
// seconds, mirroring RequestMetrics's field set and formulas exactly:
// each is (later_timestamp - earlier_timestamp) / 1e9 computed from
// nanosecond-since-epoch values.
type Request struct {
	LargestLatencyBeforeRequest  float64
	SmallestLatencyBeforeRequest float64
	RequestRTT                   float64
	LargestLatencyAfterRequest   float64
	SmallestLatencyAfterRequest  float64
}

// ComputeRequest builds a Request from the four timestamps bracketing one
// write: beforeReq/afterReq are nanoseconds-since-epoch captured
// immediately around the HTTP call, oldest/newest are the batch's
// timestamp extremes carried on telemetry.SerializedBatch.
func ComputeRequest(beforeReq, afterReq, oldestTimestamp, newestTimestamp int64) Request {
	const nsPerSec = 1e9
	return Request{
		LargestLatencyBeforeRequest:  float64(beforeReq-oldestTimestamp) / nsPerSec,
		SmallestLatencyBeforeRequest: float64(beforeReq-newestTimestamp) / nsPerSec,
		RequestRTT:                   float64(afterReq-beforeReq) / nsPerSec,
		LargestLatencyAfterRequest:   float64(afterReq-oldestTimestamp) / nsPerSec,
		SmallestLatencyAfterRequest:  float64(afterReq-newestTimestamp) / nsPerSec,
	}
}

// Recorder owns the registered collectors and records Requests against
// them. The zero value is not usable; build one with New.
type Recorder struct {
	registry *prometheus.Registry

	largestLatencyBeforeRequest  prometheus.Histogram
	smallestLatencyBeforeRequest prometheus.Histogram
	requestRTT                   prometheus.Histogram
	largestLatencyAfterRequest   prometheus.Histogram
	smallestLatencyAfterRequest  prometheus.Histogram

	writesTotal  *prometheus.CounterVec
	pointsTotal  prometheus.Counter
	queueDropped *prometheus.CounterVec
}

func newHistogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		// Latencies here range from sub-millisecond to tens of seconds
		// under backpressure; a wide exponential bucket set covers both
		// without needing per-deployment tuning.
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 20),
	})
}

// New builds a Recorder with its own registry, so multiple Recorders in
// one process (e.g. under test) don't collide on default-registry metric
// names.
func New() *Recorder {
	r := &Recorder{
		registry:                     prometheus.NewRegistry(),
		largestLatencyBeforeRequest:  newHistogram("largest_latency_before_request_seconds", "Age of the oldest point in a batch when the write request was issued."),
		smallestLatencyBeforeRequest: newHistogram("smallest_latency_before_request_seconds", "Age of the newest point in a batch when the write request was issued."),
		requestRTT:                   newHistogram("request_rtt_seconds", "Round-trip time of a write request."),
		largestLatencyAfterRequest:   newHistogram("largest_latency_after_request_seconds", "Age of the oldest point in a batch when the write request completed."),
		smallestLatencyAfterRequest:  newHistogram("smallest_latency_after_request_seconds", "Age of the newest point in a batch when the write request completed."),
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write requests by outcome (success, failed, retried).",
		}, []string{"outcome"}),
		pointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_written_total",
			Help:      "Total points successfully written.",
		}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_dropped_total",
			Help:      "Items dropped from a bounded queue by overflow policy.",
		}, []string{"queue", "policy"}),
	}

	r.registry.MustRegister(
		r.largestLatencyBeforeRequest,
		r.smallestLatencyBeforeRequest,
		r.requestRTT,
		r.largestLatencyAfterRequest,
		r.smallestLatencyAfterRequest,
		r.writesTotal,
		r.pointsTotal,
		r.queueDropped,
	)
	return r
}

// Observe records one completed write request's latency measurements.
func (r *Recorder) Observe(req Request) {
	r.largestLatencyBeforeRequest.Observe(req.LargestLatencyBeforeRequest)
	r.smallestLatencyBeforeRequest.Observe(req.SmallestLatencyBeforeRequest)
	r.requestRTT.Observe(req.RequestRTT)
	r.largestLatencyAfterRequest.Observe(req.LargestLatencyAfterRequest)
	r.smallestLatencyAfterRequest.Observe(req.SmallestLatencyAfterRequest)
}

// WriteOutcome tallies a completed write attempt by outcome label
// ("success", "failed", or "retried").
func (r *Recorder) WriteOutcome(outcome string) {
	r.writesTotal.WithLabelValues(outcome).Inc()
}

// PointsWritten adds n to the running count of successfully written
// points.
func (r *Recorder) PointsWritten(n int) {
	r.pointsTotal.Add(float64(n))
}

// QueueDropped records one item dropped from queueName under the given
// overflow policy ("drop_newest" or "drop_oldest").
func (r *Recorder) QueueDropped(queueName, policy string) {
	r.queueDropped.WithLabelValues(queueName, policy).Inc()
}

// Handler returns an http.Handler serving r's metrics in the Prometheus
// text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
