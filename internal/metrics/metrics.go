package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "receipt_verifier"
)

var (
	// Receipt outcomes: "credited", "zero", "invalid", "malformed", "overflow", "error".
	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "receipts",
			Name:      "processed_total",
			Help:      "Total number of receipts processed, by result",
		},
		[]string{"result"},
	)

	ReceiptValueTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "receipts",
			Name:      "value_total",
			Help:      "Sum of receipt deltas returned to callers",
		},
	)

	// Balance operations: op is "credit" or "spend".
	BalanceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "balances",
			Name:      "operations_total",
			Help:      "Total number of balance operations, by operation and result",
		},
		[]string{"op", "result"},
	)

	// Proxy outcomes: "relayed", "disabled", "not_found", "upstream_error".
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "spsp",
			Name:      "requests_total",
			Help:      "Total number of SPSP proxy requests, by result",
		},
		[]string{"result"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Time taken by backing store operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
