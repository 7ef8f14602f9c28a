package client

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dan-strohschein/recordkit/protocol"
)

// LoggingHook logs each request at debug level and failures at error level.
type LoggingHook struct {
	logger       Logger
	logRequests  bool
	logDurations bool
}

// NewLoggingHook creates a new logging hook with the given logger.
func NewLoggingHook(logger Logger, logRequests, logDurations bool) *LoggingHook {
	return &LoggingHook{
		logger:       logger,
		logRequests:  logRequests,
		logDurations: logDurations,
	}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if h.logRequests {
		h.logger.Debug("executing request",
			String("op", string(hookCtx.Op())),
			String("table", hookCtx.Request.Table),
			Int("sub_requests", len(hookCtx.Request.Requests)),
			String("trace_id", hookCtx.TraceID))
	}
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	fields := []Field{
		String("op", string(hookCtx.Op())),
		String("trace_id", hookCtx.TraceID),
	}
	if h.logDurations {
		fields = append(fields, Duration("duration", hookCtx.Duration))
	}

	if hookCtx.Error != nil {
		fields = append(fields, Error("error", hookCtx.Error))
		h.logger.Error("request failed", fields...)
		return nil
	}
	h.logger.Debug("request completed", fields...)
	return nil
}

// MetricsHook keeps in-process request counters.
type MetricsHook struct {
	TotalRequests   atomic.Uint64
	TotalErrors     atomic.Uint64
	TotalDurationNs atomic.Uint64
	SubRequests     atomic.Uint64

	mu    sync.Mutex
	perOp map[protocol.Op]uint64
}

// NewMetricsHook creates a new metrics collection hook.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{perOp: make(map[protocol.Op]uint64)}
}

func (h *MetricsHook) Name() string {
	return "metrics"
}

func (h *MetricsHook) Before(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

func (h *MetricsHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.TotalRequests.Add(1)
	h.TotalDurationNs.Add(uint64(hookCtx.Duration.Nanoseconds()))
	if hookCtx.Request != nil {
		h.SubRequests.Add(uint64(len(hookCtx.Request.Requests)))
	}
	if hookCtx.Error != nil {
		h.TotalErrors.Add(1)
	}

	h.mu.Lock()
	h.perOp[hookCtx.Op()]++
	h.mu.Unlock()
	return nil
}

// GetStats returns current metrics as a map.
func (h *MetricsHook) GetStats() map[string]interface{} {
	total := h.TotalRequests.Load()
	totalDur := h.TotalDurationNs.Load()

	avgDuration := int64(0)
	if total > 0 {
		avgDuration = int64(totalDur / total)
	}

	h.mu.Lock()
	perOp := make(map[string]uint64, len(h.perOp))
	for op, n := range h.perOp {
		perOp[string(op)] = n
	}
	h.mu.Unlock()

	return map[string]interface{}{
		"total_requests":    total,
		"total_errors":      h.TotalErrors.Load(),
		"sub_requests":      h.SubRequests.Load(),
		"by_op":             perOp,
		"total_duration_ns": totalDur,
		"avg_duration_ms":   float64(avgDuration) / 1_000_000,
	}
}

// Reset clears all metrics.
func (h *MetricsHook) Reset() {
	h.TotalRequests.Store(0)
	h.TotalErrors.Store(0)
	h.TotalDurationNs.Store(0)
	h.SubRequests.Store(0)
	h.mu.Lock()
	h.perOp = make(map[protocol.Op]uint64)
	h.mu.Unlock()
}

const spanKey = "otel_span"

// TracingHook opens a client span for every request.
type TracingHook struct {
	tracer trace.Tracer
}

// NewTracingHook creates a tracing hook. A nil provider uses the global one.
func NewTracingHook(tp trace.TracerProvider) *TracingHook {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingHook{tracer: tp.Tracer("github.com/dan-strohschein/recordkit/client")}
}

func (h *TracingHook) Name() string {
	return "tracing"
}

func (h *TracingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	_, span := h.tracer.Start(ctx, "recordkit."+string(hookCtx.Op()),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("recordkit.request_id", hookCtx.TraceID),
			attribute.String("recordkit.table", hookCtx.Request.Table),
			attribute.Int("recordkit.sub_requests", len(hookCtx.Request.Requests)),
		))
	hookCtx.Metadata[spanKey] = span
	return nil
}

func (h *TracingHook) After(ctx context.Context, hookCtx *HookContext) error {
	span, ok := hookCtx.Metadata[spanKey].(trace.Span)
	if !ok {
		return nil
	}
	if hookCtx.Error != nil {
		span.RecordError(hookCtx.Error)
		span.SetStatus(codes.Error, hookCtx.Error.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return nil
}
