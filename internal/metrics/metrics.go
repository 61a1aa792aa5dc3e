package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_ws_events_total",
		Help: "Total number of realtime events fanned out, by event type",
	}, []string{"type"})
	MessagesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_messages_created_total",
		Help: "Total number of messages accepted and persisted",
	})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_rate_limited_total",
		Help: "Total number of writes rejected by the rate limiter, by action",
	}, []string{"action"})
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_cache_hits_total",
		Help: "Total number of cache hits",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_cache_misses_total",
		Help: "Total number of cache misses",
	})
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_cache_invalidations_total",
		Help: "Total number of conversation cache invalidations",
	})
	PipelineJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_pipeline_jobs_total",
		Help: "Total number of pipeline jobs completed, by job and result",
	}, []string{"job", "result"})
	PipelineDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_pipeline_drops_total",
		Help: "Total number of pipeline jobs dropped because the queue was full",
	})
	WebhookAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts, by outcome",
	}, []string{"outcome"})
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
	prometheus.MustRegister(
		WsConnections, WsEventsTotal, MessagesCreatedTotal, RateLimitedTotal,
		CacheHits, CacheMisses, CacheInvalidations,
		PipelineJobsTotal, PipelineDropsTotal, WebhookAttemptsTotal,
		HttpRequestsTotal, HttpRequestDuration,
	)
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
