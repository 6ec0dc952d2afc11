// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// When to use:
//   - One-shot source checks where a scrape target would vanish before
//     Prometheus ever scraped it. The job pushes its final counters and
//     histograms to a Pushgateway instead.
//
// Unlike the datadog backend there is no background flush loop: the
// Pushgateway model is "push once when the batch job finishes", so the
// caller controls when Flush() runs (the metrics facade calls it through
// metrics.Flush at process exit).
package prompush

import (
	"fmt"

	"booksource/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Options controls Pushgateway backend configuration.
type Options struct {
	// URL is the Pushgateway base URL (e.g. "http://localhost:9091").
	// Required.
	URL string

	// JobName becomes the Pushgateway job grouping label.
	// If empty, defaults to "booksource".
	JobName string

	// Grouping adds extra grouping labels (e.g. {"instance": "worker-1"}).
	Grouping map[string]string
}

// Backend implements metrics.Backend on top of prometheus client vectors.
//
// Concurrency model:
//   - The prometheus vectors are safe for concurrent use, so IncCounter and
//     ObserveHistogram take no extra locks.
//   - Flush() pushes a snapshot gathered from the private registry; pushes
//     replace the previous state for the job grouping (HTTP PUT).
type Backend struct {
	pusher *push.Pusher

	stageTotal *prometheus.CounterVec
	itemsTotal *prometheus.CounterVec
	stageDur   *prometheus.HistogramVec

	httpTotal  *prometheus.CounterVec
	httpErrors *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpBytes  *prometheus.HistogramVec
}

// New constructs a Pushgateway backend with a private registry.
//
// Errors:
//   - Returns an error if opts.URL is empty. Network errors surface from
//     Flush(), not from New.
func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("prompush: pushgateway URL is required")
	}
	job := opts.JobName
	if job == "" {
		job = "booksource"
	}

	b := &Backend{
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_total",
			Help: "Stage executions by stage and outcome status.",
		}, []string{"stage", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Items seen per stage, split into raw and kept.",
		}, []string{"stage", "kind"}),
		stageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage wall-clock duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "status"}),

		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP fetch attempts by status code.",
		}, []string{"status"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP fetch attempts that failed or returned >=400.",
		}, []string{"status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP fetch attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		httpBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_download_bytes",
			Help:    "Downloaded body size in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"status"}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		b.stageTotal,
		b.itemsTotal,
		b.stageDur,
		b.httpTotal,
		b.httpErrors,
		b.httpDur,
		b.httpBytes,
	)

	pusher := push.New(opts.URL, job).Gatherer(reg)
	for k, v := range opts.Grouping {
		pusher = pusher.Grouping(k, v)
	}
	b.pusher = pusher

	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	switch name {
	case "pipeline_stage_total":
		b.stageTotal.WithLabelValues(labels["stage"], statusOrUnknown(labels)).Add(delta)

	case "pipeline_items_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.itemsTotal.WithLabelValues(labels["stage"], kind).Add(delta)

	case "http_requests_total":
		b.httpTotal.WithLabelValues(statusOrUnknown(labels)).Add(delta)

	case "http_errors_total":
		b.httpErrors.WithLabelValues(statusOrUnknown(labels)).Add(delta)

	default:
		// Ignore unknown metrics by design.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	switch name {
	case "pipeline_stage_duration_seconds":
		b.stageDur.WithLabelValues(labels["stage"], statusOrUnknown(labels)).Observe(value)

	case "http_request_duration_seconds":
		b.httpDur.WithLabelValues(statusOrUnknown(labels)).Observe(value)

	case "http_download_bytes":
		b.httpBytes.WithLabelValues(statusOrUnknown(labels)).Observe(value)

	default:
		// Ignore unknown histograms by design.
	}
}

// Flush pushes the current state of all vectors to the Pushgateway.
//
// Errors:
//   - Returns any transport or non-2xx error from the gateway.
func (b *Backend) Flush() error {
	return b.pusher.Push()
}

// Close performs one final push. There is no background loop to stop.
func (b *Backend) Close() error {
	return b.Flush()
}

func statusOrUnknown(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)
