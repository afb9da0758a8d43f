package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_submissions_total", Help: "Vote submission outcomes"},
		[]string{"outcome"},
	)
	ContentionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "votedispatch_contention_retries_total", Help: "Vote inserts retried after storage contention"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_enqueue_total", Help: "Dispatch job enqueue results"},
		[]string{"result"},
	)
	StatusWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_status_writes_total", Help: "Status cache writes"},
		[]string{"result"},
	)
	LimiterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_limiter_decisions_total", Help: "Rate limit decisions"},
		[]string{"bucket", "result"},
	)
	LimiterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_limiter_errors_total", Help: "Rate limit store errors"},
		[]string{"bucket"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_dispatch_total", Help: "Dispatch job outcomes"},
		[]string{"channel", "outcome"},
	)
	ThrottleDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "votedispatch_throttle_delay_seconds",
			Help:    "Delay added by throttle reschedules",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_provider_send_total", Help: "Provider send outcomes"},
		[]string{"channel", "result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "votedispatch_provider_send_latency_seconds", Help: "Provider send latency"},
		[]string{"channel"},
	)
	FailureReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "votedispatch_failure_reports_total", Help: "Terminal failures recorded"},
		[]string{"kind", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Submissions, ContentionRetries, Enqueues, StatusWrites,
		LimiterDecisions, LimiterErrors, Dispatches, ThrottleDelay,
		ProviderSend, ProviderLatency, FailureReports,
	)
}
