package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "offers_issued_total", Help: "Total trip offers issued across all waves"})
	WavesRunTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "waves_run_total", Help: "Total dispatch waves run"}, []string{"wave"})
	AcceptsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "offer_accepts_total", Help: "Offer acceptance attempts by outcome"}, []string{"outcome"})
	RequestsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "requests_expired_total", Help: "On-demand trip requests expired by the background job"})
	TripsRematched    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "trips_rematched_total", Help: "Scheduled trips cancelled and reset by the auto-rematch job"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "freight_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	WalletTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "wallet_transactions_total", Help: "Ledger transactions appended by type"},
		[]string{"type"},
	)
	DriversLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "drivers_limited_total", Help: "Drivers pushed over their credit limit"})

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "job_runs_total", Help: "Background job runs by job and result"},
		[]string{"job", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "freight_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "freight_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
