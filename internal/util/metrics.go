package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_changes_total",
		Help: "Total number of order status changes by target status",
	}, []string{"status"})

	PaymentStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_status_changes_total",
		Help: "Total number of payment status changes by target status",
	}, []string{"status"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of reserving inventory for a whole checkout",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryCompensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_compensations_total",
		Help: "Total number of reservations released by checkout rollback",
	})

	InventoryReleaseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_release_failures_total",
		Help: "Total number of failed inventory releases",
	}, []string{"source"})

	InventoryRestockRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_restock_retries_total",
		Help: "Total number of retried releases from the restock queue",
	}, []string{"result"})

	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Total number of cart mutations",
	}, []string{"op", "result"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of stub gateway charges",
	}, []string{"result"})

	FeedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_connections",
		Help: "Number of open order feed connections",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
