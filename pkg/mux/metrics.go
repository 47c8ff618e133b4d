package mux

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
	}, []string{"method", "handler", "code"})
	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "The size of the HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"method", "handler", "code"})
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "The number of inflight requests being handled at the same time.",
	}, []string{"method"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpResponseSizeHistogram)
	registerer.MustRegister(HttpRequestsInflight)
}
