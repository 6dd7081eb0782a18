package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_passes_total",
		Help: "Reconciliation passes executed.",
	})
	mtxFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_findings_total",
		Help: "Discrepancies found, by classification.",
	}, []string{"classification"})
	mtxCorrections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_corrections_total",
		Help: "Corrective actions applied by the reconciliation loop.",
	})
	mtxSuspended = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconcile_suspended_symbols",
		Help: "Symbols currently suspended pending operator acknowledgment.",
	})
	mtxDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_pass_duration_seconds",
		Help:    "Wall time of one reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(mtxPasses, mtxFindings, mtxCorrections, mtxSuspended, mtxDuration)
}
