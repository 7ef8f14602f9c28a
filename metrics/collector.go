// Package metrics exposes batch engine and client request measurements as
// Prometheus collectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/client"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "recordkit"

// Collector records batch runs, chunks, records and retries. It implements
// batch.MetricsRecorder and can be passed to client.ClientOptions.Metrics.
type Collector struct {
	// Batch metrics
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	chunksTotal   *prometheus.CounterVec
	chunkAttempts *prometheus.HistogramVec
	chunkDuration *prometheus.HistogramVec
	recordsTotal  *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

var _ batch.MetricsRecorder = (*Collector)(nil)

// NewCollector registers the collectors on reg under namespace. A nil reg
// uses prometheus.DefaultRegisterer; an empty namespace uses DefaultNamespace.
func NewCollector(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Total number of batch runs by final state",
		},
		[]string{"kind", "state"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_run_duration_seconds",
			Help:      "Batch run duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	c.chunksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_chunks_total",
			Help:      "Total number of chunks submitted by outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.chunkAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_chunk_attempts",
			Help:      "Submission attempts per chunk",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 11},
		},
		[]string{"kind"},
	)

	c.chunkDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_chunk_duration_seconds",
			Help:      "Chunk duration in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	c.recordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_records_total",
			Help:      "Total number of records processed by outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Total number of chunk resubmissions by failure category",
		},
		[]string{"kind", "category"},
	)

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of platform requests",
		},
		[]string{"op", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Platform request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	return c
}

// RecordRun records a finished run.
func (c *Collector) RecordRun(kind batch.Kind, state batch.RunState, records int, elapsed time.Duration) {
	c.runsTotal.WithLabelValues(kind.String(), state.String()).Inc()
	c.runDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())

	c.logger.Debug("batch run recorded",
		zap.String("kind", kind.String()),
		zap.String("state", state.String()),
		zap.Int("records", records),
		zap.Duration("elapsed", elapsed),
	)
}

// RecordChunk records one chunk report.
func (c *Collector) RecordChunk(kind batch.Kind, report batch.ChunkReport) {
	c.chunksTotal.WithLabelValues(kind.String(), chunkOutcome(report)).Inc()
	c.chunkAttempts.WithLabelValues(kind.String()).Observe(float64(report.Attempts))
	c.chunkDuration.WithLabelValues(kind.String()).Observe(report.Elapsed.Seconds())
}

// RecordRecords adds per-record outcomes.
func (c *Collector) RecordRecords(kind batch.Kind, succeeded, failed int) {
	if succeeded > 0 {
		c.recordsTotal.WithLabelValues(kind.String(), "succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		c.recordsTotal.WithLabelValues(kind.String(), "failed").Add(float64(failed))
	}
}

// RecordRetry counts one resubmission.
func (c *Collector) RecordRetry(kind batch.Kind, category batch.ErrorCategory) {
	c.retriesTotal.WithLabelValues(kind.String(), string(category)).Inc()
}

// RecordRequest records one platform round trip.
func (c *Collector) RecordRequest(op string, failed bool, duration time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	c.requestsTotal.WithLabelValues(op, status).Inc()
	c.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Hook returns a client hook that feeds RecordRequest.
func (c *Collector) Hook() client.Hook {
	return &requestHook{collector: c}
}

func chunkOutcome(report batch.ChunkReport) string {
	switch {
	case report.Fatal:
		return "fatal"
	case report.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

type requestHook struct {
	collector *Collector
}

func (h *requestHook) Name() string {
	return "prometheus"
}

func (h *requestHook) Before(ctx context.Context, hookCtx *client.HookContext) error {
	return nil
}

func (h *requestHook) After(ctx context.Context, hookCtx *client.HookContext) error {
	h.collector.RecordRequest(string(hookCtx.Op()), hookCtx.Error != nil, hookCtx.Duration)
	return nil
}
