// Package metrics exports lifecycle counters in Prometheus format.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricNamespace = "doorkey"

	// Metrics names.
	metricNameOperations        = "operations_total"
	metricNameOperationDuration = "operation_duration_seconds"
	metricNameDecisions         = "access_decisions_total"
	metricNameFieldCycles       = "rf_field_cycles_total"
	metricNameReaderResets      = "reader_resets_total"

	// Metrics labels.
	metricLabelOperation  = "operation"
	metricLabelResult     = "result"
	metricLabelVerdict    = "verdict"
	metricLabelReason     = "reason"
	metricLabelSuppressed = "suppressed"

	// HandlerPath is the default path for serving metrics.
	HandlerPath = "/metrics"
)

// Metrics implements lifecycle.Recorder on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	decisions         *prometheus.CounterVec
	fieldCycles       *prometheus.CounterVec
	readerResets      prometheus.Counter
}

// New returns a Metrics instance with all collectors registered.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      metricNameOperations,
				Namespace: metricNamespace,
				Help:      "Counter about card lifecycle operations by result.",
			},
			[]string{metricLabelOperation, metricLabelResult},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:      metricNameOperationDuration,
				Namespace: metricNamespace,
				Help:      "Duration of card lifecycle operations, including the card wait.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{metricLabelOperation},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      metricNameDecisions,
				Namespace: metricNamespace,
				Help:      "Counter about access decisions by verdict and reason code.",
			},
			[]string{metricLabelVerdict, metricLabelReason},
		),
		fieldCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      metricNameFieldCycles,
				Namespace: metricNamespace,
				Help:      "Counter about RF field cycles, suppressed ones included.",
			},
			[]string{metricLabelSuppressed},
		),
		readerResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:      metricNameReaderResets,
				Namespace: metricNamespace,
				Help:      "Counter about reader resets after device errors.",
			},
		),
	}

	for name, collector := range map[string]prometheus.Collector{
		metricNameOperations:        m.operations,
		metricNameOperationDuration: m.operationDuration,
		metricNameDecisions:         m.decisions,
		metricNameFieldCycles:       m.fieldCycles,
		metricNameReaderResets:      m.readerResets,
		"go":                        collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector for %s metric: %w", name, err)
		}
	}
	return m, nil
}

// Handler serves the registry at HandlerPath.
func (m *Metrics) Handler() http.Handler {
	handler := http.NewServeMux()
	handler.Handle(HandlerPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return handler
}

// Operation counts a finished engine operation.
func (m *Metrics) Operation(op, result string, d time.Duration) {
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// FieldCycle counts an RF cycle, or a skipped one.
func (m *Metrics) FieldCycle(suppressed bool) {
	m.fieldCycles.WithLabelValues(strconv.FormatBool(suppressed)).Inc()
}

// ReaderReset counts a reader reset.
func (m *Metrics) ReaderReset() {
	m.readerResets.Inc()
}

// Decision counts an access decision. reason is empty for grants.
func (m *Metrics) Decision(verdict, reason string) {
	m.decisions.WithLabelValues(verdict, reason).Inc()
}
