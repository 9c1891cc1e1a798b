package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics aggregates the counters and gauges shared by the confirmation
// layer, gateways and scheduler.
type CoreMetrics struct {
	BlocksProduced *prometheus.CounterVec
	TxsProcessed   *prometheus.CounterVec
	ProposalsSent  *prometheus.CounterVec
	VerdictsSent   *prometheus.CounterVec
	CATTimeouts    *prometheus.CounterVec
	PendingTxs     *prometheus.GaugeVec
}

var (
	coreOnce     sync.Once
	coreRegistry *CoreMetrics
)

// Core returns the lazily-initialised metrics registry.
func Core() *CoreMetrics {
	coreOnce.Do(func() {
		coreRegistry = &CoreMetrics{
			BlocksProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyperplane",
				Subsystem: "cl",
				Name:      "blocks_produced_total",
				Help:      "Count of sub-blocks produced per chain.",
			}, []string{"chain"}),
			TxsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyperplane",
				Subsystem: "ig",
				Name:      "transactions_processed_total",
				Help:      "Transactions admitted by gateways segmented by kind and status.",
			}, []string{"chain", "kind", "status"}),
			ProposalsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyperplane",
				Subsystem: "ig",
				Name:      "cat_proposals_total",
				Help:      "CAT status proposals emitted per chain and outcome.",
			}, []string{"chain", "outcome"}),
			VerdictsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyperplane",
				Subsystem: "scheduler",
				Name:      "cat_verdicts_total",
				Help:      "CAT verdicts emitted by the scheduler per outcome.",
			}, []string{"outcome"}),
			CATTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyperplane",
				Subsystem: "ig",
				Name:      "cat_timeouts_total",
				Help:      "CAT constituents that exceeded their lifetime before a verdict arrived.",
			}, []string{"chain"}),
			PendingTxs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hyperplane",
				Subsystem: "ig",
				Name:      "pending_transactions",
				Help:      "Transactions currently pending per chain.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			coreRegistry.BlocksProduced,
			coreRegistry.TxsProcessed,
			coreRegistry.ProposalsSent,
			coreRegistry.VerdictsSent,
			coreRegistry.CATTimeouts,
			coreRegistry.PendingTxs,
		)
	})
	return coreRegistry
}
