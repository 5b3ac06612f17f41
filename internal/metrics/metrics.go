package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// SweepPasses counts sweep passes by outcome
	SweepPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_sweep_passes_total",
			Help: "Number of sweep passes by sweep and status",
		},
		[]string{"sweep", "status"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_sweep_duration_seconds",
			Help:    "Duration of sweep passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_claims_total",
			Help: "Units claimed by the claim coordinator",
		},
		[]string{"unit"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_deliveries_total",
			Help: "Claimed unit executions by outcome",
		},
		[]string{"unit", "outcome"},
	)

	EscalationsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_escalations_admitted_total",
			Help: "Escalation events admitted by tier",
		},
		[]string{"tier"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_rate_limit_decisions_total",
			Help: "Rate limit decisions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_request_transitions_total",
			Help: "Request status transitions",
		},
		[]string{"from", "to"},
	)
)

func Init() {
	prometheus.MustRegister(
		HTTPRequests, RequestDuration,
		SweepPasses, SweepDuration,
		ClaimsTotal, DeliveriesTotal, EscalationsAdmitted,
		RateLimitDecisions, Transitions,
	)
}
