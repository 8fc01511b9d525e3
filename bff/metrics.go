package bff

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the BFF's Prometheus instruments.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	UpstreamErrors  *prometheus.CounterVec
	RateLimitHits   prometheus.Counter
	LoginAttempts   *prometheus.CounterVec
	RefreshShared   prometheus.Counter
	FileResponses   *prometheus.CounterVec
}

// NewMetrics registers the BFF instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_http_requests_total",
				Help: "Total number of HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route and method",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		}),
		UpstreamErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_upstream_errors_total",
				Help: "Upstream calls that failed in transport or returned an unusable body",
			},
			[]string{"route"},
		),
		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "storefront_rate_limit_hits_total",
			Help: "Total number of requests that hit rate limits",
		}),
		LoginAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_login_attempts_total",
				Help: "Login attempts by flow (password, register, line) and result",
			},
			[]string{"flow", "result"},
		),
		RefreshShared: f.NewCounter(prometheus.CounterOpts{
			Name: "storefront_refresh_shared_total",
			Help: "Refresh requests answered by an already running upstream refresh",
		}),
		FileResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_file_responses_total",
				Help: "Proxied file responses by delivery mode and status",
			},
			[]string{"mode", "status"},
		),
	}
}

func (m *Metrics) observeRequest(route, method string, status int, d time.Duration) {
	m.Requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) recordLogin(flow string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.LoginAttempts.WithLabelValues(flow, result).Inc()
}
