package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketudp_exchanges_total",
			Help: "Total number of request/response exchanges sent by the client",
		},
		[]string{"kind", "outcome"},
	)

	ExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketudp_exchange_seconds",
			Help:    "Round trip time of a single exchange",
			Buckets: prometheus.DefBuckets,
		},
	)

	ViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketudp_violations_total",
			Help: "Total protocol violations detected by the verifier",
		},
	)

	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketudp_server_requests_total",
			Help: "Total requests handled by the reference server",
		},
		[]string{"kind", "result"},
	)

	ExpiredReservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketudp_server_expired_reservations_total",
			Help: "Total reservations released after expiring unclaimed",
		},
	)

	OutboxRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketudp_outbox_relayed_total",
			Help: "Total outbox records relayed to the broker",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketudp_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers the collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ExchangesTotal, ExchangeDuration, ViolationsTotal, ServerRequestsTotal, ExpiredReservations, OutboxRelayed, OutboxLag)
	})
}
