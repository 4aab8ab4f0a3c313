package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/barnettlynn/doorkey/internal/lifecycle"
)

var _ lifecycle.Recorder = (*Metrics)(nil)

func counterValue(t *testing.T, col prometheus.Collector) int {
	t.Helper()
	c := make(chan prometheus.Metric, 1)
	col.Collect(c)

	m := dto.Metric{}
	if err := (<-c).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return int(m.GetCounter().GetValue())
}

func TestRecorderCounts(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.Operation("check", "granted", 30*time.Millisecond)
	m.Operation("check", "granted", 10*time.Millisecond)
	m.FieldCycle(true)
	m.ReaderReset()
	m.Decision("denied", "NFC_AUTH_FAILED")

	if got := counterValue(t, m.operations.WithLabelValues("check", "granted")); got != 2 {
		t.Fatalf("expected 2 check operations, got %d", got)
	}
	if got := counterValue(t, m.fieldCycles.WithLabelValues("true")); got != 1 {
		t.Fatalf("expected 1 suppressed cycle, got %d", got)
	}
	if got := counterValue(t, m.fieldCycles.WithLabelValues("false")); got != 0 {
		t.Fatalf("expected no completed cycle, got %d", got)
	}
	if got := counterValue(t, m.readerResets); got != 1 {
		t.Fatalf("expected 1 reader reset, got %d", got)
	}
	if got := counterValue(t, m.decisions.WithLabelValues("denied", "NFC_AUTH_FAILED")); got != 1 {
		t.Fatalf("expected 1 denial, got %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.ReaderReset()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + HandlerPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "doorkey_reader_resets_total 1") {
		t.Fatalf("expected reader reset counter in output, got:\n%s", body)
	}
}
