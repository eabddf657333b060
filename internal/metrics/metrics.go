// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// FLOW EXCHANGE
// =============================================================================

var (
	exchangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dineflow_exchange_requests_total",
			Help: "Flow exchange requests by transport kind and HTTP status",
		},
		[]string{"kind", "status"}, // kind: encrypted, clear, health
	)

	exchangeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dineflow_exchange_duration_seconds",
			Help:    "Flow exchange handling duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	selectBarFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dineflow_select_bar_fallback_total",
			Help: "Requests naming an unknown bar id that fell back to the first listed bar",
		},
		[]string{"action"},
	)
)

// =============================================================================
// DISPATCH
// =============================================================================

var (
	dispatchSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dineflow_dispatch_sends_total",
			Help: "Outbound send attempts by message type and outcome",
		},
		[]string{"message_type", "outcome"}, // outcome: success, retry, dropped
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dineflow_dispatch_queue_depth",
			Help: "Tasks waiting in the dispatch queue",
		},
	)
)

// =============================================================================
// ORDERS
// =============================================================================

var ordersCreatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dineflow_orders_created_total",
		Help: "Orders created by surface",
	},
	[]string{"surface"}, // surface: flow, chat
)

// Dispatch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeDropped = "dropped"
)

// RecordExchange records one /exchange request.
func RecordExchange(kind string, status int, d time.Duration) {
	exchangeRequestsTotal.WithLabelValues(kind, statusLabel(status)).Inc()
	exchangeDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordSelectBarFallback counts a request whose bar id was unknown.
func RecordSelectBarFallback(action string) {
	selectBarFallbackTotal.WithLabelValues(action).Inc()
}

// RecordDispatchSend counts a dispatch attempt outcome.
func RecordDispatchSend(messageType, outcome string) {
	dispatchSendsTotal.WithLabelValues(messageType, outcome).Inc()
}

// SetDispatchQueueDepth publishes the current queue length.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// RecordOrderCreated counts a new order.
func RecordOrderCreated(surface string) {
	ordersCreatedTotal.WithLabelValues(surface).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == 421:
		return "421"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
