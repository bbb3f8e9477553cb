package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records Prometheus metrics for the HTTP surface and the
// workflow engine. A nil *Collector is a no-op, so components can take it
// as an optional dependency.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	workflowsTotal       *prometheus.CounterVec
	workflowDuration     *prometheus.HistogramVec
	stageExecutionsTotal *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	stageRetriesTotal    *prometheus.CounterVec
	validationRejections *prometheus.CounterVec

	// Session / HITL metrics
	activeSessions     prometheus.Gauge
	checkpointsCreated *prometheus.CounterVec
	feedbackTotal      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"mode", "status"},
	)

	c.workflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	c.stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		},
		[]string{"stage", "status"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	c.stageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of per-stage transient retries",
		},
		[]string{"stage"},
	)

	c.validationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Total number of validator rejections by reason code",
		},
		[]string{"reason"},
	)

	c.activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live query sessions",
		},
	)

	c.checkpointsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_created_total",
			Help:      "Total number of review checkpoints created",
		},
		[]string{"review_type"},
	)

	c.feedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_feedback_total",
			Help:      "Total number of review feedback payloads applied",
		},
		[]string{"action"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWorkflow records one finished workflow execution.
func (c *Collector) RecordWorkflow(mode, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsTotal.WithLabelValues(mode, status).Inc()
	c.workflowDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStageExecution records one stage run.
func (c *Collector) RecordStageExecution(stage, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageRetry records a transient retry of a stage.
func (c *Collector) RecordStageRetry(stage string) {
	if c == nil {
		return
	}
	c.stageRetriesTotal.WithLabelValues(stage).Inc()
}

// RecordValidationRejection records a validator rejection.
func (c *Collector) RecordValidationRejection(reason string) {
	if c == nil {
		return
	}
	c.validationRejections.WithLabelValues(reason).Inc()
}

// SessionStarted increments the live session gauge.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionEnded decrements the live session gauge.
func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

// RecordCheckpoint records a created review checkpoint.
func (c *Collector) RecordCheckpoint(reviewType string) {
	if c == nil {
		return
	}
	c.checkpointsCreated.WithLabelValues(reviewType).Inc()
}

// RecordFeedback records an applied feedback payload.
func (c *Collector) RecordFeedback(action string) {
	if c == nil {
		return
	}
	c.feedbackTotal.WithLabelValues(action).Inc()
}
