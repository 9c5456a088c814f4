package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	echoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	echoRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "echo_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	echoSessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_session_events_total",
		Help: "Recording session events by kind and result.",
	}, []string{"event", "result"})

	echoVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_verifications_total",
		Help: "Chain verifications by verdict.",
	}, []string{"verdict"})

	echoWitnessProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_witness_probes_total",
		Help: "Witness endpoint reachability probes by endpoint and result.",
	}, []string{"endpoint", "result"})

	echoWitnessEndpointUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "echo_witness_endpoint_up",
		Help: "1 while a witness endpoint is below its failure threshold.",
	}, []string{"endpoint"})

	echoWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		echoRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		echoRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSessionEvent counts a session event. It has the shape of
// recorder.MetricsFunc.
func RecordSessionEvent(event string, ok bool) {
	echoSessionEventsTotal.WithLabelValues(event, result(ok)).Inc()
}

// RecordVerification counts a verification verdict.
func RecordVerification(verdict string) {
	echoVerificationsTotal.WithLabelValues(verdict).Inc()
}

// RecordWitnessProbe counts one endpoint probe.
func RecordWitnessProbe(endpoint string, ok bool) {
	echoWitnessProbesTotal.WithLabelValues(endpoint, result(ok)).Inc()
}

// SetWitnessEndpointUp records an endpoint state transition.
func SetWitnessEndpointUp(endpoint string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	echoWitnessEndpointUp.WithLabelValues(endpoint).Set(v)
}

// RecordWebhookDelivery counts one webhook delivery attempt.
func RecordWebhookDelivery(ok bool) {
	echoWebhookDeliveriesTotal.WithLabelValues(result(ok)).Inc()
}
