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

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders whose payment was captured",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"actor"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"status"})

	OrderTransitionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_transition_conflicts_total",
		Help: "Compare-and-set transitions that found the order already moved on",
	})

	InventoryDecrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_decrements_total",
		Help: "Conditional stock decrements by result",
	}, []string{"result"})

	InventoryDecrementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_decrement_latency_seconds",
		Help:    "Latency of conditional stock decrements",
		Buckets: prometheus.DefBuckets,
	})

	WebhookVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_verifications_total",
		Help: "Inbound webhook authenticity checks by source and result",
	}, []string{"source", "result"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Inbound webhook events by source and event type",
	}, []string{"source", "event"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Latency of outbound calls to payment and shipment providers",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "outcome"})

	ShipmentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipment_failures_total",
		Help: "Total number of failed shipment creations",
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
