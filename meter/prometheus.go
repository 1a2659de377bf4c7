package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/quotaledger"
)

// PrometheusMeter exports engine events as Prometheus metrics.
// Labels never include user ids.
type PrometheusMeter struct {
	consumeTotal    *prometheus.CounterVec
	consumedUnits   *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	auditTotal      *prometheus.CounterVec
	refundedUnits   *prometheus.CounterVec
}

var _ quotaledger.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the metrics and registers them with reg.
func NewPrometheusMeter(reg prometheus.Registerer) (*PrometheusMeter, error) {
	m := &PrometheusMeter{
		consumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "consume_total",
				Help:      "Total number of consume calls by result",
			},
			[]string{"bucket", "result"}, // "allowed" / "denied" / "error"
		),
		consumedUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "consumed_units_total",
				Help:      "Total quota units successfully consumed",
			},
			[]string{"bucket"},
		),
		consumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotaledger",
				Name:      "consume_duration_seconds",
				Help:      "Consume call duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"bucket"},
		),
		auditTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "audit_entries_total",
				Help:      "Total committed audit entries",
			},
			[]string{"bucket", "reason"},
		),
		refundedUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "refunded_units_total",
				Help:      "Total quota units given back by refunds",
			},
			[]string{"bucket"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.consumeTotal, m.consumedUnits, m.consumeDuration, m.auditTotal, m.refundedUnits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnConsume(e quotaledger.ConsumeEvent) {
	bucket := string(e.Bucket)
	result := "allowed"
	switch {
	case e.Error != nil:
		result = "error"
	case !e.Success:
		result = "denied"
	default:
		m.consumedUnits.WithLabelValues(bucket).Add(float64(e.Amount))
	}
	m.consumeTotal.WithLabelValues(bucket, result).Inc()
	m.consumeDuration.WithLabelValues(bucket).Observe(e.Duration.Seconds())
}

func (m *PrometheusMeter) OnAudit(e quotaledger.AuditEvent) {
	bucket := string(e.Entry.Bucket)
	m.auditTotal.WithLabelValues(bucket, string(e.Entry.Reason)).Inc()
	if e.Entry.Reason == quotaledger.ReasonRefund && e.Entry.Change > 0 {
		m.refundedUnits.WithLabelValues(bucket).Add(float64(e.Entry.Change))
	}
}
