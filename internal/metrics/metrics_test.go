package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// captureBackend records every observation for assertions.
//
// Tests that install it mutate process-global state, so none of them run in
// parallel; each test restores the discarding default via t.Cleanup.
type captureBackend struct {
	counters   []observation
	histograms []observation
	flushErr   error
	flushed    int
}

type observation struct {
	name   string
	value  float64
	labels Labels
}

func (c *captureBackend) IncCounter(name string, delta float64, labels Labels) {
	c.counters = append(c.counters, observation{name, delta, cloneLabels(labels)})
}

func (c *captureBackend) ObserveHistogram(name string, value float64, labels Labels) {
	c.histograms = append(c.histograms, observation{name, value, cloneLabels(labels)})
}

func (c *captureBackend) Flush() error {
	c.flushed++
	return c.flushErr
}

func cloneLabels(l Labels) Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func install(t *testing.T) *captureBackend {
	t.Helper()
	c := &captureBackend{}
	SetBackend(c)
	t.Cleanup(func() { SetBackend(nil) })
	return c
}

func (c *captureBackend) counterTotal(name string) float64 {
	var sum float64
	for _, o := range c.counters {
		if o.name == name {
			sum += o.value
		}
	}
	return sum
}

func (c *captureBackend) findCounter(name string) (observation, bool) {
	for _, o := range c.counters {
		if o.name == name {
			return o, true
		}
	}
	return observation{}, false
}

func (c *captureBackend) findHistogram(name string) (observation, bool) {
	for _, o := range c.histograms {
		if o.name == name {
			return o, true
		}
	}
	return observation{}, false
}

func TestSetBackend_NilRestoresDiscardingDefault(t *testing.T) {
	c := install(t)

	IncCounter("http_requests_total", 1, nil)
	if got := c.counterTotal("http_requests_total"); got != 1 {
		t.Fatalf("counter after install=%v, want 1", got)
	}

	SetBackend(nil)
	IncCounter("http_requests_total", 1, nil)
	if got := c.counterTotal("http_requests_total"); got != 1 {
		t.Fatalf("counter after SetBackend(nil)=%v, want still 1", got)
	}
}

func TestRecordHTTP_Success(t *testing.T) {
	c := install(t)

	RecordHTTP("check", 200, nil, 150*time.Millisecond, 2048)

	if got := c.counterTotal("http_requests_total"); got != 1 {
		t.Fatalf("http_requests_total=%v, want 1", got)
	}
	if got := c.counterTotal("http_errors_total"); got != 0 {
		t.Fatalf("http_errors_total=%v, want 0", got)
	}

	o, ok := c.findCounter("http_requests_total")
	if !ok {
		t.Fatalf("missing http_requests_total observation")
	}
	if o.labels["status"] != "200" || o.labels["job"] != "check" {
		t.Fatalf("labels=%v, want status=200 job=check", o.labels)
	}

	d, ok := c.findHistogram("http_request_duration_seconds")
	if !ok {
		t.Fatalf("missing duration histogram")
	}
	if d.value != 0.15 {
		t.Fatalf("duration sample=%v, want 0.15", d.value)
	}

	s, ok := c.findHistogram("http_download_bytes")
	if !ok {
		t.Fatalf("missing size histogram")
	}
	if s.value != 2048 {
		t.Fatalf("size sample=%v, want 2048", s.value)
	}
}

func TestRecordHTTP_TransportError(t *testing.T) {
	c := install(t)

	RecordHTTP("check", 0, errors.New("dial tcp: refused"), 10*time.Millisecond, -1)

	o, ok := c.findCounter("http_errors_total")
	if !ok {
		t.Fatalf("missing http_errors_total observation")
	}
	if o.labels["status"] != "transport" {
		t.Fatalf("status label=%q, want %q", o.labels["status"], "transport")
	}
	if _, ok := c.findHistogram("http_download_bytes"); ok {
		t.Fatalf("size histogram recorded for size=-1; want none")
	}
}

func TestRecordHTTP_ErrorStatusCountsAsError(t *testing.T) {
	c := install(t)

	RecordHTTP("check", 404, nil, time.Millisecond, 12)

	if got := c.counterTotal("http_errors_total"); got != 1 {
		t.Fatalf("http_errors_total=%v, want 1", got)
	}
	o, _ := c.findCounter("http_errors_total")
	if o.labels["status"] != "404" {
		t.Fatalf("status label=%q, want %q", o.labels["status"], "404")
	}
}

func TestRecordStage(t *testing.T) {
	c := install(t)

	RecordStage("check", "search", "ok", 2*time.Second)

	o, ok := c.findCounter("pipeline_stage_total")
	if !ok {
		t.Fatalf("missing pipeline_stage_total observation")
	}
	want := Labels{"job": "check", "stage": "search", "status": "ok"}
	for k, v := range want {
		if o.labels[k] != v {
			t.Fatalf("label %s=%q, want %q", k, o.labels[k], v)
		}
	}

	d, ok := c.findHistogram("pipeline_stage_duration_seconds")
	if !ok {
		t.Fatalf("missing stage duration histogram")
	}
	if d.value != 2 {
		t.Fatalf("duration sample=%v, want 2", d.value)
	}
}

func TestRecordStageItems(t *testing.T) {
	c := install(t)

	RecordStageItems("check", "search", 5, 3)

	var raw, kept float64
	for _, o := range c.counters {
		if o.name != "pipeline_items_total" {
			continue
		}
		switch o.labels["kind"] {
		case "raw":
			raw += o.value
		case "kept":
			kept += o.value
		default:
			t.Fatalf("unexpected kind label %q", o.labels["kind"])
		}
	}
	if raw != 5 || kept != 3 {
		t.Fatalf("raw=%v kept=%v, want raw=5 kept=3", raw, kept)
	}
}

func TestFlush(t *testing.T) {
	t.Run("buffering_backend_flushes", func(t *testing.T) {
		c := install(t)
		c.flushErr = fmt.Errorf("gateway down")

		if err := Flush(); err == nil || err.Error() != "gateway down" {
			t.Fatalf("Flush() err=%v, want gateway down", err)
		}
		if c.flushed != 1 {
			t.Fatalf("flushed=%d, want 1", c.flushed)
		}
	})

	t.Run("default_backend_is_noop", func(t *testing.T) {
		SetBackend(nil)
		if err := Flush(); err != nil {
			t.Fatalf("Flush() on default backend err=%v, want nil", err)
		}
	})
}

func TestHTTPStatusLabel(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   string
	}{
		{name: "ok", status: 200, err: nil, want: "200"},
		{name: "server_error", status: 503, err: nil, want: "503"},
		{name: "transport_failure", status: 0, err: errors.New("refused"), want: "transport"},
		{name: "error_with_status_keeps_code", status: 502, err: errors.New("bad gateway"), want: "502"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := httpStatusLabel(tc.status, tc.err); got != tc.want {
				t.Fatalf("httpStatusLabel(%d, %v)=%q, want %q", tc.status, tc.err, got, tc.want)
			}
		})
	}
}
