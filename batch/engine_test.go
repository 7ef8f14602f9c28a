package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/testutil"
)

func newEngine(gw batch.Gateway, sleep *testutil.SleepRecorder, opts ...batch.Option) *batch.Engine {
	opts = append([]batch.Option{
		batch.WithBackoffSleep(sleep.Sleep),
		batch.WithDefaults(batch.Defaults{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}),
	}, opts...)
	return batch.NewEngine(gw, opts...)
}

func TestRun_CreatesInChunks(t *testing.T) {
	gw := testutil.NewFakeGateway()
	progress := &testutil.ProgressRecorder{}
	engine := newEngine(gw, &testutil.SleepRecorder{})

	records := testutil.NewAccountFactory().BuildList(250)
	res, err := engine.Run(context.Background(), batch.KindCreate, records, &batch.Config{
		BatchSize:      100,
		ReportProgress: true,
		OnProgress:     progress.Record,
	})
	require.NoError(t, err)

	assert.Equal(t, batch.StateCompleted, res.State)
	assert.Equal(t, 250, res.Requested)
	assert.Equal(t, 250, res.Total)
	assert.Equal(t, 250, res.SuccessCount)
	assert.Zero(t, res.FailureCount())
	assert.True(t, res.Succeeded())
	assert.NotEmpty(t, res.RunID)

	batches := gw.Batches()
	require.Len(t, batches, 3)
	for i, want := range []int{100, 100, 50} {
		assert.Len(t, batches[i].Requests, want)
		assert.Equal(t, protocol.OpBatch, batches[i].Op)
		assert.NotEmpty(t, batches[i].IdempotencyKey)
	}

	require.Len(t, res.Created, 250)
	for i, c := range res.Created {
		assert.Equal(t, i, c.Position)
		assert.NotEmpty(t, c.ID)
	}
	id, ok := res.CreatedID(249)
	assert.True(t, ok)
	assert.Equal(t, res.Created[249].ID, id)

	require.Len(t, res.Chunks, 3)
	assert.Equal(t, 50, res.Chunks[2].Size)
	assert.Equal(t, 1, res.Chunks[2].Attempts)

	events := progress.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 250, last.Processed)
	assert.Equal(t, 250, last.Total)
	assert.Equal(t, 3, last.TotalBatches)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Processed, events[i-1].Processed)
	}
}

func TestRun_DeleteWithMissingRecords(t *testing.T) {
	records := testutil.NewAccountFactory().WithIDs().BuildList(10)
	missing := map[string]bool{records[3].ID: true, records[7].ID: true}

	gw := testutil.NewFakeGateway()
	gw.WithDefault(gw.FaultWhere(func(sub *protocol.Request) *protocol.Fault {
		if missing[sub.RecordID] {
			return testutil.NotFoundFault(sub.RecordID)
		}
		return nil
	}))

	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindDelete, records, &batch.Config{BatchSize: 5})
	require.NoError(t, err)

	assert.Equal(t, batch.StateCompleted, res.State)
	assert.Equal(t, 8, res.SuccessCount)
	require.Equal(t, 2, res.FailureCount())
	assert.Equal(t, []int{3, 7}, res.FailedPositions())

	first := res.Failures[0]
	assert.Equal(t, batch.CategoryRecordNotFound, first.Category)
	assert.Equal(t, protocol.FaultNotFound, first.Code)
	assert.Equal(t, 0, first.BatchIndex)
	assert.Equal(t, 3, first.RequestIndex)
	assert.Equal(t, records[3].ID, first.RecordID)

	second := res.Failures[1]
	assert.Equal(t, 1, second.BatchIndex)
	assert.Equal(t, 2, second.RequestIndex)
}

func TestRun_RetriesTransientChunkFailure(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(
		testutil.FailWith(protocol.TimeoutError("upstream timeout", nil)),
		testutil.FailWith(protocol.TimeoutError("upstream timeout", nil)),
	)
	sleep := &testutil.SleepRecorder{}

	records := testutil.NewAccountFactory().BuildList(20)
	res, err := newEngine(gw, sleep).Run(context.Background(), batch.KindCreate, records, &batch.Config{
		BatchSize:  20,
		MaxRetries: batch.IntPtr(3),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, gw.CallCount())
	assert.Equal(t, 20, res.SuccessCount)
	assert.Equal(t, 3, res.Chunks[0].Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleep.Delays())

	batches := gw.Batches()
	assert.Equal(t, batches[0].IdempotencyKey, batches[2].IdempotencyKey, "retries must resubmit the same request")
	assert.Equal(t, batches[0].ID, batches[2].ID)
}

func TestRun_RetriesExhausted(t *testing.T) {
	gw := testutil.NewFakeGateway().WithDefault(testutil.FailWith(protocol.ThrottledError(10)))
	sleep := &testutil.SleepRecorder{}

	records := testutil.NewAccountFactory().BuildList(4)
	res, err := newEngine(gw, sleep).Run(context.Background(), batch.KindCreate, records, &batch.Config{MaxRetries: batch.IntPtr(2)})
	require.NoError(t, err, "continue-on-error runs complete even when chunks fail")

	assert.Equal(t, 3, gw.CallCount())
	assert.Equal(t, batch.StateCompleted, res.State)
	assert.Equal(t, 4, res.FailureCount())
	assert.True(t, res.Chunks[0].Fatal)
	assert.Equal(t, batch.CategoryTimeout, res.Chunks[0].Category)
	for _, f := range res.Failures {
		assert.Equal(t, batch.CategoryChunkFatal, f.Category)
		assert.Equal(t, "E_RETRIES_EXHAUSTED", f.Code)
	}
}

func TestRun_AbortsOnFatalChunk(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(
		gw.SucceedAll(),
		testutil.FailWith(protocol.NewTransportError(protocol.ErrorCodeUnauthorized, "token revoked", nil)),
	)

	records := testutil.NewAccountFactory().BuildList(40)
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{
		BatchSize:       10,
		ContinueOnError: batch.BoolPtr(false),
	})

	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, errors.Is(err, batch.ErrChunkFatal))
	var ee *batch.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, batch.CategoryChunkFatal, ee.Category)

	assert.Equal(t, batch.StateAborted, res.State)
	assert.Equal(t, 2, gw.CallCount(), "chunks after the fatal one are never submitted")
	assert.Equal(t, 20, res.Total)
	assert.Equal(t, 10, res.SuccessCount)
	assert.Equal(t, 10, res.FailureCount())
	for _, f := range res.Failures {
		assert.Equal(t, 1, f.BatchIndex)
		assert.Equal(t, batch.CategoryChunkFatal, f.Category)
	}
	assert.Equal(t, 20, len(res.UnprocessedPositions()))
	assert.Len(t, res.Resubmit(mustOps(t, batch.KindCreate, records)), 30)
}

func TestRun_ContinuesPastFatalChunk(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(
		gw.SucceedAll(),
		testutil.FailWith(protocol.NewTransportError(protocol.ErrorCodeForbidden, "no", nil)),
	)

	records := testutil.NewAccountFactory().BuildList(40)
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, batch.StateCompleted, res.State)
	assert.Equal(t, 4, gw.CallCount())
	assert.Equal(t, 40, res.Total)
	assert.Equal(t, 30, res.SuccessCount)
	assert.Equal(t, 10, res.FailureCount())
	assert.False(t, res.Succeeded())
}

func TestRun_ResponseCountMismatch(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(gw.Truncated(1))

	records := testutil.NewAccountFactory().WithIDs().BuildList(5)
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindUpdate, records, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, res.FailureCount())
	assert.Zero(t, res.SuccessCount)
	assert.True(t, res.Chunks[0].Fatal)
	assert.Equal(t, protocol.FaultProtocol, res.Failures[0].Code)
}

func TestRun_AllRecordsFailStillCompletes(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.WithDefault(gw.FaultWhere(func(*protocol.Request) *protocol.Fault { return testutil.ValidationFault("email") }))

	records := testutil.NewAccountFactory().BuildList(12)
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{BatchSize: 5})
	require.NoError(t, err)

	assert.Equal(t, batch.StateCompleted, res.State)
	assert.Equal(t, 12, res.FailureCount())
	assert.Equal(t, batch.CategoryPermanent, res.Failures[0].Category)
	assert.Empty(t, res.Created)
}

func TestRunRetrieve(t *testing.T) {
	records := testutil.NewAccountFactory().WithIDs().BuildList(6)
	gone := records[4].ID

	gw := testutil.NewFakeGateway()
	gw.WithDefault(gw.FaultWhere(func(sub *protocol.Request) *protocol.Fault {
		if sub.RecordID == gone {
			return testutil.NotFoundFault(gone)
		}
		return nil
	}))

	res, err := newEngine(gw, &testutil.SleepRecorder{}).RunRetrieve(context.Background(), testutil.Refs(records), []string{"name"}, &batch.Config{BatchSize: 4})
	require.NoError(t, err)

	assert.Equal(t, batch.KindRetrieve, res.Kind)
	assert.Equal(t, 5, res.SuccessCount)
	assert.Zero(t, res.FailureCount())
	assert.Equal(t, 1, res.NotFoundCount)
	assert.Equal(t, res.Total, res.SuccessCount+res.FailureCount()+res.NotFoundCount)
	require.Len(t, res.Records, 5)
	require.Len(t, res.NotFound, 1)
	assert.Equal(t, gone, res.NotFound[0].ID)

	for i, rec := range res.Records {
		want := records[i]
		if i >= 4 {
			want = records[i+1]
		}
		assert.Equal(t, want.ID, rec.ID, "records stay in input order")
		assert.Equal(t, "name:"+want.ID, rec.Fields["name"])
	}

	for _, b := range gw.Batches() {
		for _, sub := range b.Requests {
			assert.Equal(t, []string{"name"}, sub.Columns)
			assert.Equal(t, protocol.OpRetrieve, sub.Op)
		}
	}
}

func TestRun_InvalidArguments(t *testing.T) {
	gw := testutil.NewFakeGateway()
	engine := newEngine(gw, &testutil.SleepRecorder{})
	records := testutil.NewAccountFactory().BuildList(3)

	tests := []struct {
		name string
		run  func() (*batch.Result, error)
	}{
		{"empty", func() (*batch.Result, error) {
			return engine.Run(context.Background(), batch.KindCreate, nil, nil)
		}},
		{"batch size above max", func() (*batch.Result, error) {
			return engine.Run(context.Background(), batch.KindCreate, records, &batch.Config{BatchSize: 1001})
		}},
		{"zero-valued operation", func() (*batch.Result, error) {
			return engine.RunOperations(context.Background(), []batch.Operation{{}}, nil)
		}},
		{"mixed kinds", func() (*batch.Result, error) {
			return engine.RunOperations(context.Background(), []batch.Operation{
				batch.CreateOp(records[0]),
				batch.DeleteOp(batch.Reference{Table: "accounts", ID: "1"}),
			}, nil)
		}},
		{"update without id", func() (*batch.Result, error) {
			return engine.Run(context.Background(), batch.KindUpdate, records, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.run()
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, batch.ErrInvalidArgument), "got %v", err)
		})
	}
	assert.Zero(t, gw.CallCount())
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := testutil.NewFakeGateway().WithDelay(5 * time.Millisecond)
	gw.OnBatch(func(call int, compound *protocol.Request) {
		if call == 2 {
			cancel()
		}
	})

	records := testutil.NewAccountFactory().BuildList(50)
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(ctx, batch.KindCreate, records, &batch.Config{BatchSize: 10})

	require.Error(t, err)
	assert.True(t, errors.Is(err, batch.ErrCancelled))
	require.NotNil(t, res)
	assert.Equal(t, batch.StateCancelled, res.State)
	assert.Equal(t, 2, gw.CallCount(), "no chunk may start after cancellation")
	assert.Equal(t, 20, res.Total, "the in-flight chunk is still aggregated")
	assert.Equal(t, 20, res.SuccessCount)
	assert.Equal(t, res.Total, res.SuccessCount+res.FailureCount())
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := testutil.NewFakeGateway().WithDefault(testutil.FailWith(protocol.TimeoutError("slow", nil)))
	engine := batch.NewEngine(gw,
		batch.WithDefaults(batch.Defaults{RetryDelay: time.Hour, MaxRetryDelay: time.Hour}),
	)
	gw.OnBatch(func(int, *protocol.Request) { cancel() })

	records := testutil.NewAccountFactory().BuildList(3)
	start := time.Now()
	res, err := engine.Run(ctx, batch.KindCreate, records, nil)

	assert.Less(t, time.Since(start), 5*time.Second, "backoff waits must be interruptible")
	assert.True(t, errors.Is(err, batch.ErrCancelled))
	require.NotNil(t, res)
	assert.Equal(t, 3, res.FailureCount())
	assert.Equal(t, batch.CategoryCancelled, res.Failures[0].Category)
}

func TestRun_CancelledWhileRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := testutil.NewFakeGateway()
	gw.OnBatch(func(call int, compound *protocol.Request) {
		if call == 1 {
			cancel()
		}
	})

	// Burst 1 at 0.5/s: the second chunk waits two seconds for a token.
	records := testutil.NewAccountFactory().BuildList(4)
	start := time.Now()
	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(ctx, batch.KindCreate, records, &batch.Config{
		BatchSize:   2,
		Concurrency: 2,
		RateLimit:   0.5,
	})

	assert.Less(t, time.Since(start), time.Second, "limiter waits must be interruptible")
	assert.True(t, errors.Is(err, batch.ErrCancelled))
	require.NotNil(t, res)
	assert.Equal(t, batch.StateCancelled, res.State)

	require.Equal(t, 1, gw.CallCount())
	assert.Len(t, gw.SubmittedRecordIDs(), 2)
	assert.Equal(t, 2, res.Total, "only the submitted chunk is processed")
	assert.Equal(t, 2, res.SuccessCount)
	assert.Empty(t, res.Failures, "records never sent must not be reported as failed")
	require.Len(t, res.Chunks, 1)
	assert.Len(t, res.UnprocessedPositions(), 2)
	assert.Equal(t, res.Total, res.SuccessCount+res.FailureCount()+res.NotFoundCount)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	gw := testutil.NewFakeGateway().WithDelay(10 * time.Millisecond)
	records := testutil.NewAccountFactory().BuildList(100)

	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{
		BatchSize:   10,
		Concurrency: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 100, res.SuccessCount)
	assert.Equal(t, 10, gw.CallCount())
	assert.LessOrEqual(t, gw.MaxInFlight(), 3)

	for i, c := range res.Chunks {
		assert.Equal(t, i, c.Index, "chunk reports are sorted")
	}
	for i, c := range res.Created {
		assert.Equal(t, i, c.Position)
	}
}

func TestRun_SequentialByDefault(t *testing.T) {
	gw := testutil.NewFakeGateway().WithDelay(2 * time.Millisecond)
	records := testutil.NewAccountFactory().BuildList(30)

	_, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, gw.MaxInFlight())

	var prev string
	for _, b := range gw.Batches() {
		assert.Greater(t, b.Requests[0].ID, prev)
		prev = b.Requests[0].ID
	}
}

func TestRun_IdempotentResubmission(t *testing.T) {
	records := testutil.NewAccountFactory().WithIDs().BuildList(30)
	flaky := map[string]bool{records[2].ID: true, records[11].ID: true, records[29].ID: true}

	var mu sync.Mutex
	applied := map[string]int{}

	gw := testutil.NewFakeGateway()
	gw.WithDefault(gw.FaultWhere(func(sub *protocol.Request) *protocol.Fault {
		mu.Lock()
		defer mu.Unlock()
		if flaky[sub.RecordID] {
			delete(flaky, sub.RecordID)
			return &protocol.Fault{Code: protocol.FaultConflict, Message: "version conflict"}
		}
		applied[sub.RecordID]++
		return nil
	}))

	engine := newEngine(gw, &testutil.SleepRecorder{})
	ops := mustOps(t, batch.KindUpdate, records)

	first, err := engine.RunOperations(context.Background(), ops, &batch.Config{BatchSize: 8})
	require.NoError(t, err)
	require.Equal(t, 3, first.FailureCount())

	retry := first.Resubmit(ops)
	require.Len(t, retry, 3)

	second, err := engine.RunOperations(context.Background(), retry, &batch.Config{BatchSize: 8})
	require.NoError(t, err)
	assert.True(t, second.Succeeded())

	assert.Len(t, applied, 30)
	for id, n := range applied {
		assert.Equal(t, 1, n, "record %s applied more than once", id)
	}
}

type countingMetrics struct {
	mu      sync.Mutex
	runs    []batch.RunState
	chunks  int
	ok      int
	failed  int
	retries int
}

func (m *countingMetrics) RecordRun(kind batch.Kind, state batch.RunState, records int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, state)
}

func (m *countingMetrics) RecordChunk(kind batch.Kind, report batch.ChunkReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks++
}

func (m *countingMetrics) RecordRecords(kind batch.Kind, succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ok += succeeded
	m.failed += failed
}

func (m *countingMetrics) RecordRetry(kind batch.Kind, category batch.ErrorCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func TestRun_MetricsTracingAndLogging(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(testutil.FailWith(protocol.TimeoutError("slow", nil)))

	metrics := &countingMetrics{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	logger, logs := testutil.ObservedLogger(zapcore.InfoLevel)

	engine := newEngine(gw, &testutil.SleepRecorder{},
		batch.WithMetrics(metrics),
		batch.WithTracerProvider(tp),
		batch.WithLogger(logger),
	)

	records := testutil.NewAccountFactory().BuildList(25)
	_, err := engine.Run(context.Background(), batch.KindCreate, records, &batch.Config{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, []batch.RunState{batch.StateCompleted}, metrics.runs)
	assert.Equal(t, 3, metrics.chunks)
	assert.Equal(t, 25, metrics.ok)
	assert.Equal(t, 1, metrics.retries)

	var runSpans, chunkSpans int
	for _, s := range spans.Ended() {
		switch s.Name() {
		case "batch.run":
			runSpans++
		case "batch.chunk":
			chunkSpans++
		}
	}
	assert.Equal(t, 1, runSpans)
	assert.Equal(t, 3, chunkSpans)

	assert.Equal(t, 1, logs.FilterMessage("batch run started").Len())
	assert.Equal(t, 1, logs.FilterMessage("batch run finished").Len())
}

func TestRun_RateLimit(t *testing.T) {
	gw := testutil.NewFakeGateway()
	records := testutil.NewAccountFactory().BuildList(4)

	start := time.Now()
	_, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{
		BatchSize: 1,
		RateLimit: 20,
	})
	require.NoError(t, err)

	// Burst of one, then 50ms between submissions.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestRun_MetadataCarried(t *testing.T) {
	gw := testutil.NewFakeGateway()
	records := testutil.NewAccountFactory().BuildList(2)

	res, err := newEngine(gw, &testutil.SleepRecorder{}).Run(context.Background(), batch.KindCreate, records, &batch.Config{
		Metadata: map[string]interface{}{"source": "import.csv"},
	})
	require.NoError(t, err)
	assert.Equal(t, "import.csv", res.Metadata["source"])
}

func mustOps(t *testing.T, kind batch.Kind, records []batch.Record) []batch.Operation {
	t.Helper()
	ops := make([]batch.Operation, len(records))
	for i, r := range records {
		op, err := batch.OperationFor(kind, r)
		require.NoError(t, err)
		ops[i] = op
	}
	return ops
}
