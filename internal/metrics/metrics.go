package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "downpour_ws_connections",
		Help: "Current number of admitted websocket connections",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "downpour_active_rooms",
		Help: "Rooms with at least one live connection",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downpour_messages_total",
		Help: "Total number of ciphertext messages persisted and fanned out",
	})
	AdmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "downpour_admissions_rejected_total",
		Help: "Websocket connections dropped at admission",
	}, []string{"reason"})
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downpour_persist_failures_total",
		Help: "Message appends that failed in the ciphertext store",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, ActiveRooms, WsMessagesTotal, AdmissionsRejected, PersistFailures, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
