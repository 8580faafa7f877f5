// Package metrics exposes Prometheus instrumentation for escrowd.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowd"

func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: namespace, Name: name, Help: help}
}

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts(
		opts("http_requests_total", "HTTP requests by method, route and status class.")),
		[]string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// RateLimitedTotal counts requests answered with 429.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts(
		opts("rate_limited_total", "Requests rejected with 429.")))
)

// Escrow operations. result is "ok" or an error kind.
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts(
		opts("transitions_total", "Escrow operations by operation and result.")),
		[]string{"operation", "result"})

	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transition_duration_seconds",
		Help:      "Escrow operation latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	FundsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts(
		opts("funds_moved_total", "Units moved between accounts by escrow operation.")),
		[]string{"operation"})

	// CompensationsTotal counts reversing transfers issued after a record
	// write failed; result reports whether the reversal landed.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts(
		opts("compensations_total", "Compensating transfers after record write failures.")),
		[]string{"operation", "result"})

	EventEmitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts(
		opts("event_emit_failures_total", "Events a sink refused.")),
		[]string{"event"})
)

// Runtime state
var (
	ActiveWebSocketClients = promauto.NewGauge(prometheus.GaugeOpts(
		opts("active_websocket_clients", "Connected stream clients.")))

	// ChainHeight is the last height read from the clock source.
	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts(
		opts("chain_height", "Last height observed from the clock source.")))
)

// ObserveTransition records one escrow operation.
func ObserveTransition(operation, result string, started time.Time, moved uint64) {
	TransitionsTotal.WithLabelValues(operation, result).Inc()
	TransitionDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if moved > 0 {
		FundsMovedTotal.WithLabelValues(operation).Add(float64(moved))
	}
}

// RegisterDB exports db's connection pool statistics. Registering the same
// pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	if are := (prometheus.AlreadyRegisteredError{}); errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket maps a status code to its class, e.g. 404 to "4xx".
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
