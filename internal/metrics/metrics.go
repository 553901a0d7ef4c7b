// Package metrics holds the Prometheus collectors of the costing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hydro"

var (
	PurchaseLinesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_lines_applied_total",
		Help:      "Purchase lines applied to the weighted-average ledger.",
	})

	PurchaseLinesReversed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_lines_reversed_total",
		Help:      "Historical purchase lines reversed by edit or delete.",
	})

	CascadeProducts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cascade_products_total",
		Help:      "Products repriced by a cost cascade, by result.",
	}, []string{"result"})

	CascadeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cascade_duration_seconds",
		Help:      "Wall time of one cost cascade.",
		Buckets:   prometheus.DefBuckets,
	})

	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_conflict_retries_total",
		Help:      "Transactions retried after a serialization failure, deadlock or lock timeout.",
	}, []string{"op"})

	InventoryReductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inventory_reductions_total",
		Help:      "Consumption requests, by result.",
	}, []string{"result"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Background jobs handled by the worker, by kind and result.",
	}, []string{"kind", "result"})

	JobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Background jobs dropped because the queue was full or closed.",
	})

	LedgerMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_mismatched_materials",
		Help:      "Materials whose stock differs from the net of their movements at the last check.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
