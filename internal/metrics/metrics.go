package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Settlement holds the collectors emitted by the settlement pipeline.
type Settlement struct {
	OrdersCreated        *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	ReconciliationAlerts *prometheus.CounterVec
	GatewayDuration      *prometheus.HistogramVec
	OrdersExpired        prometheus.Counter
}

// NewSettlement registers the settlement collectors on reg.
func NewSettlement(reg prometheus.Registerer) *Settlement {
	m := &Settlement{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "orders_created_total",
			Help:      "Order creation attempts by outcome.",
		}, []string{"outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "payment_webhook_events_total",
			Help:      "Payment webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		ReconciliationAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "reconciliation_alerts_total",
			Help:      "Webhook events that need manual reconciliation.",
		}, []string{"reason"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "payment_gateway_request_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "orders_expired_total",
			Help:      "Pending orders cancelled by the expiry sweeper.",
		}),
	}
	reg.MustRegister(m.OrdersCreated, m.WebhookEvents, m.ReconciliationAlerts, m.GatewayDuration, m.OrdersExpired)
	return m
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Settlement {
	return NewSettlement(prometheus.NewRegistry())
}

// HTTP holds request collectors labelled by method, route pattern and status.
type HTTP struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.Requests, m.Duration)
	return m
}
