package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "matches_total", Help: "Trips matched to a driver"})
	MatchExhausted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "match_exhausted_total", Help: "Matching runs that exhausted all candidates"})
	OffersTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_total", Help: "Offers extended to drivers"})
	OffersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_expired_total", Help: "Offers that timed out"})
	OffersRejected   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_rejected_total", Help: "Offers rejected by drivers"})
	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "escalations_total", Help: "Emergency escalations applied"})
	StaleReports     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "stale_reports_total", Help: "Location reports discarded as stale"})

	ActiveTrips      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "active_trips", Help: "Trips not yet in a terminal state"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_available", Help: "Drivers currently eligible for matching"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "match_latency_seconds", Help: "Wall time from submit to match outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
