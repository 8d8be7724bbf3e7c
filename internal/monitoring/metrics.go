package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// HTTP requests served by this process
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot2api_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot2api_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Probing
	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_probe_results_total",
			Help: "Total number of credential probe results by tier and status",
		},
		[]string{"tier", "status"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot2api_probe_duration_seconds",
			Help:    "Credential probe latency per tier in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"tier"},
	)

	ProbeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_probe_runs_total",
			Help: "Total number of probe-all runs",
		},
		[]string{"source", "outcome"}, // outcome: all_ok/partial/all_failed/empty
	)

	// Dispatch
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_dispatch_attempts_total",
			Help: "Total number of upstream dispatch attempts by outcome",
		},
		[]string{"outcome"}, // success/throttled/transport_error/auth_error
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copilot2api_dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency including failover, in seconds",
			Buckets: latencyBuckets,
		},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_pool_exhausted_total",
			Help: "Total number of synthesized throttling responses",
		},
		[]string{"reason"}, // empty/rate_limited
	)

	SelectorPicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_selector_picks_total",
			Help: "Total number of credential selections",
		},
		[]string{"result"}, // picked/none
	)

	// Credential pool
	CredentialScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copilot2api_credential_score",
			Help: "Current health score per credential (0-100)",
		},
		[]string{"credential"},
	)

	CredentialRateLimited = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copilot2api_credential_rate_limited",
			Help: "1 when the credential has an open rate-limit window",
		},
		[]string{"credential"},
	)

	ActiveCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot2api_active_credentials",
			Help: "Number of credentials in the pool",
		},
	)

	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_storage_operations_total",
			Help: "Total number of credential store operations",
		},
		[]string{"backend", "op", "result"},
	)

	// Management and rate limiting
	ManagementAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_management_access_total",
			Help: "Total number of management access decisions",
		},
		[]string{"route", "result"},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot2api_ratelimit_keys",
			Help: "Current number of per-key rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilot2api_ratelimit_sweeps_total",
			Help: "Total number of rate limiter TTL cache sweeps",
		},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot2api_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the local rate limiter",
		},
		[]string{"scope"}, // global/key
	)
)

// ObserveCredentialHealth mirrors one health record into the per-credential gauges.
func ObserveCredentialHealth(id string, score int, rateLimited bool) {
	CredentialScore.WithLabelValues(id).Set(float64(score))
	v := 0.0
	if rateLimited {
		v = 1
	}
	CredentialRateLimited.WithLabelValues(id).Set(v)
}

// ForgetCredential drops the per-credential series of a removed credential.
func ForgetCredential(id string) {
	CredentialScore.DeleteLabelValues(id)
	CredentialRateLimited.DeleteLabelValues(id)
}

// StatusClass buckets an HTTP status into "2xx".."5xx", or "error" when absent.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
