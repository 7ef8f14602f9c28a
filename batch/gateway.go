package batch

import (
	"context"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// Gateway is the record service as seen by the engine.
type Gateway interface {
	// Execute sends a single request.
	Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	// ExecuteBatch sends a compound request and returns one sub-response per
	// sub-request. An error means the request as a whole failed.
	ExecuteBatch(ctx context.Context, compound *protocol.Request) ([]protocol.SubResponse, error)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordRun(kind Kind, state RunState, records int, elapsed time.Duration)
	RecordChunk(kind Kind, report ChunkReport)
	RecordRecords(kind Kind, succeeded, failed int)
	RecordRetry(kind Kind, category ErrorCategory)
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(Kind, RunState, int, time.Duration) {}
func (noopMetrics) RecordChunk(Kind, ChunkReport)               {}
func (noopMetrics) RecordRecords(Kind, int, int)                {}
func (noopMetrics) RecordRetry(Kind, ErrorCategory)             {}
