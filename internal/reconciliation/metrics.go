package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	conservationHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "conservation_holds",
		Help:      "1 if the custodian balance matched locked plus frozen totals in the last run, 0 otherwise.",
	})

	custodianBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "custodian_balance",
		Help:      "Custodian account balance observed in the last reconciliation run.",
	})

	lockedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "locked_total",
		Help:      "Sum of payment amounts in pending, approved and disputed transactions.",
	})

	frozenTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "frozen_total",
		Help:      "Sum of payment amounts held in custody by frozen transactions.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		conservationHolds,
		custodianBalance,
		lockedTotal,
		frozenTotal,
		reconcileDuration,
		reconcileErrors,
	)
}
