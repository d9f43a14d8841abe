package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orders counts create-order calls by the path taken (local, provider, error).
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_orders_total",
			Help: "Create-order calls by path",
		},
		[]string{"path"},
	)

	// Webhooks counts webhook deliveries by reconciliation outcome.
	Webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// Verifications counts provider re-verification calls.
	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_verifications_total",
			Help: "Provider verification lookups by result",
		},
		[]string{"result"},
	)

	// FanOutCalls counts downstream confirm/upgrade calls.
	FanOutCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_fanout_calls_total",
			Help: "Downstream confirm/upgrade calls by target and result",
		},
		[]string{"target", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(Orders, Webhooks, Verifications, FanOutCalls, httpRequests, httpDuration)
	prometheus.MustRegister(collectors.NewBuildInfoCollector())
}

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
