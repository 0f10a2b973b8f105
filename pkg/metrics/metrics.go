package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncPasses counts reconciliation passes by result (ok/error/skipped).
var SyncPasses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "collateralswap_sync_passes_total",
		Help: "Total number of order book reconciliation passes",
	},
	[]string{"result"},
)

// SyncOrdersUpserted counts orders written to the store during reconciliation.
var SyncOrdersUpserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "collateralswap_sync_orders_upserted_total",
		Help: "Total number of orders upserted by reconciliation",
	},
)

// SyncOrdersDeleted counts stale chain-originated orders removed.
var SyncOrdersDeleted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "collateralswap_sync_orders_deleted_total",
		Help: "Total number of stale orders deleted by reconciliation",
	},
)

// SyncDuration records latency distribution of reconciliation passes.
var SyncDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "collateralswap_sync_duration_seconds",
		Help:    "Duration in seconds of a reconciliation pass",
		Buckets: prometheus.DefBuckets,
	},
)

// Fills counts fill requests by result (ok/no_liquidity/error).
var Fills = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "collateralswap_fills_total",
		Help: "Total number of fill requests processed by the matching engine",
	},
	[]string{"result"},
)

// FillMatches records how many orders a single fill consumed.
var FillMatches = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "collateralswap_fill_matches",
		Help:    "Number of orders matched per fill request",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	},
)

func init() {
	prometheus.MustRegister(SyncPasses, SyncOrdersUpserted, SyncOrdersDeleted, SyncDuration)
	prometheus.MustRegister(Fills, FillMatches)
}
