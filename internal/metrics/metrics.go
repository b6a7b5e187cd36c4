// Package metrics holds the Prometheus instrumentation for the capture
// pipeline. Registration happens once at init via promauto; handlers and
// workers record through the exported collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturesTotal counts capture-handler outcomes by HTTP status class.
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiver_captures_total",
			Help: "Capture requests by outcome",
		},
		[]string{"outcome"}, // ok, mock, invalid_slug, not_found, expired, quota_exceeded, duplicate
	)

	// QuotaDecisions counts atomic quota script results.
	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiver_quota_decisions_total",
			Help: "Quota check results from the atomic decrement script",
		},
		[]string{"result"}, // allowed, exceeded, not_found, fail_open
	)

	// FlushBatches counts flushed batches by delivery result.
	FlushBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiver_flush_batches_total",
			Help: "Batches drained from the buffer by delivery result",
		},
		[]string{"result"}, // delivered, requeued, dropped, upstream_error
	)

	// FlushBatchSize observes the size of each batch handed to the
	// control plane.
	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "receiver_flush_batch_size",
			Help:    "Requests per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	// ColumnStoreDrops counts dual-writes dropped on semaphore exhaustion
	// or missing endpoint metadata.
	ColumnStoreDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiver_columnstore_drops_total",
			Help: "Column store dual-writes dropped before send",
		},
		[]string{"reason"}, // backpressure, no_metadata
	)

	// CircuitOpens counts observed breaker openings.
	CircuitOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "receiver_circuit_opens_total",
			Help: "Times the control plane circuit breaker was observed open",
		},
	)
)
