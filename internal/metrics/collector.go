// Package metrics exposes the Prometheus instruments of the queue, the
// event bus, the checkpoint store and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/stream"
)

const DefaultNamespace = "flowexec"

// Collector registers its instruments on a private registry, never on the
// global default registerer.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal   *prometheus.CounterVec
	jobsActive  prometheus.Gauge
	jobDuration *prometheus.HistogramVec

	busEvents   *prometheus.CounterVec
	busFailures *prometheus.CounterVec
	busDropped  *prometheus.CounterVec

	checkpointOps *prometheus.CounterVec

	queueJobs *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs finished by workers",
		},
		[]string{"status"},
	)
	c.jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently executing in this process",
		},
	)
	c.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	c.busEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Total number of stream events published",
		},
		[]string{"kind"},
	)
	c.busFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_failures_total",
			Help:      "Total number of stream events that failed to publish",
		},
		[]string{"kind"},
	)
	c.busDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Total number of stream events dropped because a client was too slow",
		},
		[]string{"kind"},
	)

	c.checkpointOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_ops_total",
			Help:      "Total number of checkpoint store operations",
		},
		[]string{"op", "status"},
	)

	c.queueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the queue by state, as last sampled",
		},
		[]string{"state"},
	)

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.registry.MustRegister(
		c.jobsTotal, c.jobsActive, c.jobDuration,
		c.busEvents, c.busFailures, c.busDropped,
		c.checkpointOps,
		c.queueJobs,
		c.httpRequestsTotal, c.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's instruments live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
		Registry: c.registry,
	})
}

func (c *Collector) JobStarted() {
	c.jobsActive.Inc()
}

func (c *Collector) JobFinished(status string, elapsed time.Duration) {
	c.jobsActive.Dec()
	c.jobsTotal.WithLabelValues(status).Inc()
	c.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveQueue(counts queue.Counts) {
	c.queueJobs.WithLabelValues(queue.StatusWaiting).Set(float64(counts.Waiting))
	c.queueJobs.WithLabelValues(queue.StatusActive).Set(float64(counts.Active))
	c.queueJobs.WithLabelValues(queue.StatusCompleted).Set(float64(counts.Completed))
	c.queueJobs.WithLabelValues(queue.StatusFailed).Set(float64(counts.Failed))
}

func (c *Collector) EventPublished(kind stream.Kind) {
	c.busEvents.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) PublishFailed(kind stream.Kind) {
	c.busFailures.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) EventDropped(kind stream.Kind) {
	c.busDropped.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) ObserveCheckpointOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpointOps.WithLabelValues(op, status).Inc()
}

// RecordHTTPRequest counts one request. route is the matched route template,
// never the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return strconv.Itoa(status)
	}
}

var (
	_ stream.Metrics            = (*Collector)(nil)
	_ state.OpObserver          = (*Collector)(nil)
	_ distributed.WorkerMetrics = (*Collector)(nil)
	_ distributed.QueueMetrics  = (*Collector)(nil)
)
