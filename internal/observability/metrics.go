package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_sync_http_requests_total",
			Help: "Total number of HTTP requests processed by the sync service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donation_sync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	busPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "donation_sync_bus_partitions",
			Help: "Number of partitions holding an open change stream.",
		},
	)
	busReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_sync_bus_reconnects_total",
			Help: "Total number of change stream reconnects.",
		},
	)
	busChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_sync_bus_changes_total",
			Help: "Total number of changes dispatched by the bus.",
		},
		[]string{"table", "kind"},
	)
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_sync_submissions_total",
			Help: "Total number of message submissions by result.",
		},
		[]string{"result"},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_sync_uploads_total",
			Help: "Total number of photo uploads by result.",
		},
		[]string{"result"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "donation_sync_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_sync_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_sync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		busPartitions,
		busReconnectsTotal,
		busChangesTotal,
		submissionsTotal,
		uploadsTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncBusPartition() {
	busPartitions.Inc()
}

func DecBusPartition() {
	busPartitions.Dec()
}

func IncBusReconnect() {
	busReconnectsTotal.Inc()
}

func IncBusChange(table, kind string) {
	busChangesTotal.WithLabelValues(table, kind).Inc()
}

// IncSubmission counts a submission outcome: ok, invalid, upload_failed or persist_failed.
func IncSubmission(result string) {
	submissionsTotal.WithLabelValues(result).Inc()
}

func IncUpload(result string) {
	uploadsTotal.WithLabelValues(result).Inc()
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
