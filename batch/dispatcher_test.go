package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dan-strohschein/recordkit/protocol"
)

// countingGateway answers every compound request with plain successes.
type countingGateway struct {
	calls atomic.Int32
}

func (g *countingGateway) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return &protocol.Response{RequestID: req.ID, Success: true}, nil
}

func (g *countingGateway) ExecuteBatch(ctx context.Context, compound *protocol.Request) ([]protocol.SubResponse, error) {
	g.calls.Add(1)
	subs := make([]protocol.SubResponse, len(compound.Requests))
	for i := range subs {
		subs[i] = protocol.SubResponse{Index: i}
	}
	return subs, nil
}

func newTestDispatcher(gw Gateway, limiter *rate.Limiter) *dispatcher {
	return &dispatcher{
		gateway: gw,
		retrier: NewRetrier(DefaultRetryPolicy(), WithSleepFunc(func(context.Context, time.Duration) error { return nil })),
		limiter: limiter,
		logger:  zap.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer(tracerName),
		metrics: noopMetrics{},
		clock:   time.Now,
		runID:   "run-1",
		kind:    KindUpdate,
	}
}

func testChunk(index, size int) Chunk {
	ops := make([]Operation, size)
	for i := range ops {
		ops[i] = UpdateOp(Record{Table: "items", ID: "r" + string(rune('a'+i)), Fields: map[string]interface{}{"i": i}})
	}
	return Chunk{Index: index, Offset: index * size, Ops: ops}
}

func TestDispatch_SkipsChunkCancelledInLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.01), 1)
	require.True(t, limiter.Allow(), "drain the only token")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	gw := &countingGateway{}
	out := newTestDispatcher(gw, limiter).dispatch(ctx, testChunk(0, 3))

	assert.True(t, out.skipped)
	assert.Equal(t, CategoryCancelled, out.category)
	assert.Empty(t, out.failures)
	assert.Zero(t, gw.calls.Load())
}

func TestDispatch_SkipsChunkWhenAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &countingGateway{}
	out := newTestDispatcher(gw, nil).dispatch(ctx, testChunk(1, 2))

	assert.True(t, out.skipped)
	assert.Empty(t, out.failures)
	assert.Zero(t, gw.calls.Load())
}

func TestDispatch_SubmittedChunkIsNotSkipped(t *testing.T) {
	gw := &countingGateway{}
	out := newTestDispatcher(gw, rate.NewLimiter(rate.Inf, 1)).dispatch(context.Background(), testChunk(0, 4))

	assert.False(t, out.skipped)
	assert.Equal(t, 4, out.succeeded)
	assert.Equal(t, int32(1), gw.calls.Load())
}

func TestAggregator_CurrentBatchNeverDecreases(t *testing.T) {
	var got []int
	reporter := newProgressReporter(func(p Progress) { got = append(got, p.CurrentBatch) })

	start := time.Now()
	agg := newAggregator(6, 3, start, reporter)
	// Chunks finish out of order, as they do with concurrency.
	for _, index := range []int{2, 0, 1} {
		agg.add(chunkOutcome{chunk: testChunk(index, 2), succeeded: 2}, start.Add(time.Millisecond))
	}
	reporter.close()

	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
	assert.Equal(t, 3, got[len(got)-1])
}
