package aidledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names used as metric labels.
const (
	opBind   = "bind_authority"
	opFee    = "set_fee"
	opLog    = "log_commitment"
	opUpdate = "update_commitment"
)

type ledgerMetrics struct {
	commitmentsLogged  prometheus.Counter
	commitmentsUpdated prometheus.Counter
	commitmentCount    prometheus.Gauge
	loggingFee         prometheus.Gauge
	feesRecorded       prometheus.Gauge
	rejections         *prometheus.CounterVec
}

// newLedgerMetrics registers the ledger metrics with reg. A nil registry
// yields working but unregistered metrics.
func newLedgerMetrics(reg prometheus.Registerer) *ledgerMetrics {
	promautoFactory := promauto.With(reg)
	m := &ledgerMetrics{}
	m.commitmentsLogged = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "aidledger_commitments_logged_total",
		Help: "total commitments admitted to the ledger",
	})
	m.commitmentsUpdated = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "aidledger_commitments_updated_total",
		Help: "total status updates applied",
	})
	m.commitmentCount = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "aidledger_commitment_count",
		Help: "number of commitments ever created",
	})
	m.loggingFee = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "aidledger_logging_fee",
		Help: "current logging fee",
	})
	// fees may be negative, so this is a gauge
	m.feesRecorded = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "aidledger_fees_recorded",
		Help: "sum of fee-transfer intents recorded",
	})
	m.rejections = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aidledger_rejections_total",
			Help: "operations rejected, by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
	return m
}

func (m *ledgerMetrics) reject(op string, err error) {
	m.rejections.WithLabelValues(op, Kind(err)).Inc()
}
