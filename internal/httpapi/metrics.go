package httpapi

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the webhook and reporting surfaces.
var (
	orderDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "howheard_order_deliveries_total",
			Help: "Order webhook deliveries by terminal outcome",
		},
		[]string{"outcome"},
	)

	orderProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "howheard_order_processing_duration_seconds",
			Help:    "Duration of order delivery processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	reportingRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "howheard_reporting_requests_total",
			Help: "Total reporting and export requests",
		},
	)
)

func init() {
	prometheus.MustRegister(orderDeliveriesTotal, orderProcessingDuration, reportingRequestsTotal)
}
