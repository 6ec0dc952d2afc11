// Package metrics decouples the engine from any metrics vendor.
//
// The engine records through package-level helpers; a process wires exactly
// one Backend at startup (Datadog, Pushgateway, or none) and the helpers
// fan into it. The default backend discards everything, so library code can
// record unconditionally.
//
// Concurrency model:
//   - Record helpers may be called from any goroutine.
//   - SetBackend is expected once at startup but is safe at any time.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels attach dimensions to a metric observation.
type Labels map[string]string

// Backend receives every observation. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

// SetBackend installs b as the process-wide backend. A nil b restores the
// discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush asks a buffering backend to submit now. Non-buffering backends are
// a no-op.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards one counter increment to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards one histogram sample to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordHTTP records one fetch attempt: a request counter, an error counter
// when the attempt failed at transport level or answered outside 2xx, and
// duration/size samples.
//
// The status label is the numeric status code, or "transport" when the
// attempt never produced a response.
func RecordHTTP(job string, status int, err error, duration time.Duration, size int64) {
	labels := Labels{"job": job, "status": httpStatusLabel(status, err)}

	IncCounter("http_requests_total", 1, labels)
	if err != nil || status >= 400 {
		IncCounter("http_errors_total", 1, labels)
	}
	ObserveHistogram("http_request_duration_seconds", duration.Seconds(), labels)
	if size >= 0 {
		ObserveHistogram("http_download_bytes", float64(size), labels)
	}
}

// RecordStage records one pipeline stage outcome and its duration. Status is
// one of "ok", "error", or "empty".
func RecordStage(job, stage, status string, duration time.Duration) {
	labels := Labels{"job": job, "stage": stage, "status": status}
	IncCounter("pipeline_stage_total", 1, labels)
	ObserveHistogram("pipeline_stage_duration_seconds", duration.Seconds(), labels)
}

// RecordStageItems records how many items a list stage matched and how many
// survived the validity filter.
func RecordStageItems(job, stage string, raw, kept int) {
	IncCounter("pipeline_items_total", float64(raw), Labels{"job": job, "stage": stage, "kind": "raw"})
	IncCounter("pipeline_items_total", float64(kept), Labels{"job": job, "stage": stage, "kind": "kept"})
}

func httpStatusLabel(status int, err error) string {
	if err != nil && status == 0 {
		return "transport"
	}
	return strconv.Itoa(status)
}
