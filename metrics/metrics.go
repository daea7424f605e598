// Package metrics records the measurements of sessions
// into prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	cloudfilter "github.com/winfsp/go-cloudfilter"
)

const namespace = "cloudfilter"

// Prometheus implements cloudfilter.Metrics.
type Prometheus struct {
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	inFlight    *prometheus.GaugeVec
	transferred prometheus.Counter
	forced      *prometheus.CounterVec
	faults      *prometheus.CounterVec
}

var _ cloudfilter.Metrics = (*Prometheus)(nil)

// New registers the collectors into reg, the default
// registerer is used when reg is nil.
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Operations completed by notification kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from the notification to the completion",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
			},
			[]string{"kind"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_in_flight",
				Help:      "Operations waiting for their completion",
			},
			[]string{"kind"},
		),
		transferred: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hydrated_bytes_total",
				Help:      "Bytes transferred to the driver by FetchData",
			},
		),
		forced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_failures_total",
				Help:      "Operations failed by the runtime rather than the handler",
			},
			[]string{"kind", "reason"}, // "fault", "drain"
		),
		faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_faults_total",
				Help:      "Handler panics contained by the runtime",
			},
			[]string{"kind"},
		),
	}
}

func (m *Prometheus) OperationStarted(kind string) {
	m.inFlight.WithLabelValues(kind).Inc()
}

func (m *Prometheus) OperationCompleted(kind, outcome string, elapsed time.Duration) {
	m.inFlight.WithLabelValues(kind).Dec()
	m.operations.WithLabelValues(kind, outcome).Inc()
	m.durations.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Prometheus) BytesTransferred(n int) {
	m.transferred.Add(float64(n))
}

func (m *Prometheus) ForcedFailure(kind, reason string) {
	m.forced.WithLabelValues(kind, reason).Inc()
}

func (m *Prometheus) HandlerFault(kind string) {
	m.faults.WithLabelValues(kind).Inc()
}
