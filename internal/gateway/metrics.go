package gateway

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// gatewayReqs counts relay calls by endpoint and HTTP status ("error" for
	// transport failures).
	gatewayReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of Telegram gateway requests.",
		},
		[]string{"path", "status"},
	)

	gatewayLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of Telegram gateway requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(gatewayReqs, gatewayLat)
}

func observe(path string, resp *resty.Response, err error, d time.Duration) {
	gatewayReqs.WithLabelValues(path, statusLabel(resp, err)).Inc()
	gatewayLat.WithLabelValues(path).Observe(d.Seconds())
}
