package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/dan-strohschein/recordkit/batch"

// Engine runs batch operations against a Gateway. An Engine holds only
// read-only configuration and may run any number of batches concurrently.
type Engine struct {
	gateway  Gateway
	defaults Defaults
	logger   *zap.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
	sleep    SleepFunc
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaults sets the engine-wide defaults. Zero fields keep the built-in values.
func WithDefaults(d Defaults) Option {
	return func(e *Engine) {
		e.defaults = d.normalize()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracerProvider sets the provider used for run and chunk spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithBackoffSleep replaces the retry wait, mainly for tests.
func WithBackoffSleep(fn SleepFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithClock replaces time.Now for elapsed and progress computations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// NewEngine creates an engine submitting through gw.
func NewEngine(gw Gateway, opts ...Option) *Engine {
	e := &Engine{
		gateway:  gw,
		defaults: StandardDefaults(),
		logger:   zap.NewNop(),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer(tracerName),
		sleep:    SleepContext,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "batch"))
	return e
}

// Defaults returns the engine defaults.
func (e *Engine) Defaults() Defaults {
	return e.defaults
}

// Run applies kind to every record. Retrieve runs go through RunRetrieve.
func (e *Engine) Run(ctx context.Context, kind Kind, records []Record, cfg *Config) (*Result, error) {
	if kind == KindRetrieve {
		refs := make([]Reference, len(records))
		for i, rec := range records {
			refs[i] = rec.Ref()
		}
		res, err := e.RunRetrieve(ctx, refs, nil, cfg)
		if res == nil {
			return nil, err
		}
		return &res.Result, err
	}

	ops := make([]Operation, len(records))
	for i, rec := range records {
		op, err := OperationFor(kind, rec)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}

	res, err := e.run(ctx, kind, ops, cfg)
	if res == nil {
		return nil, err
	}
	return &res.Result, err
}

// RunOperations runs prebuilt operations. All operations must share one kind.
func (e *Engine) RunOperations(ctx context.Context, ops []Operation, cfg *Config) (*Result, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyOperations()
	}
	kind := ops[0].kind
	for i, op := range ops {
		if op.kind != kind {
			return nil, ErrInvalidOperation(i, "mixed operation kinds in one run: "+kind.String()+" and "+op.kind.String())
		}
	}

	res, err := e.run(ctx, kind, ops, cfg)
	if res == nil {
		return nil, err
	}
	return &res.Result, err
}

// RunRetrieve fetches refs, restricted to columns when given.
func (e *Engine) RunRetrieve(ctx context.Context, refs []Reference, columns []string, cfg *Config) (*RetrieveResult, error) {
	ops := make([]Operation, len(refs))
	for i, ref := range refs {
		ops[i] = RetrieveOp(ref, columns...)
	}
	return e.run(ctx, KindRetrieve, ops, cfg)
}

func (e *Engine) run(ctx context.Context, kind Kind, ops []Operation, cfg *Config) (*RetrieveResult, error) {
	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID), zap.Stringer("kind", kind))
	state := newRunState(logger)

	s, err := e.defaults.resolve(cfg, logger)
	if err != nil {
		logger.Warn("invalid batch configuration", zap.Error(err))
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrEmptyOperations()
	}
	for i, op := range ops {
		if err := op.validate(i); err != nil {
			logger.Warn("invalid operation", zap.Error(err))
			return nil, err
		}
	}

	e.mustTransition(state, StatePartitioning)
	chunks, err := Partition(ops, s.batchSize, s.maxBatchSize)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("batch.run_id", runID),
		attribute.String("batch.kind", kind.String()),
		attribute.Int("batch.records", len(ops)),
		attribute.Int("batch.chunks", len(chunks)),
		attribute.Int("batch.size", s.batchSize),
	))
	defer span.End()

	logger.Info("batch run started",
		zap.Int("records", len(ops)),
		zap.Int("chunks", len(chunks)),
		zap.Int("batch_size", s.batchSize),
		zap.Int("concurrency", s.concurrency),
		zap.Bool("continue_on_error", s.continueOnError))

	var reporter *progressReporter
	if s.progress != nil {
		reporter = newProgressReporter(s.progress)
	}
	start := e.clock()
	agg := newAggregator(len(ops), len(chunks), start, reporter)

	d := &dispatcher{
		gateway: e.gateway,
		retrier: e.retrierFor(s.policy, kind, logger),
		logger:  logger,
		tracer:  e.tracer,
		metrics: e.metrics,
		clock:   e.clock,
		runID:   runID,
		kind:    kind,
	}
	if s.rateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(s.rateLimit), 1)
	}

	e.mustTransition(state, StateDispatching)
	summary := e.dispatchAll(ctx, d, chunks, s, agg)

	if reporter != nil {
		reporter.close()
	}

	var final RunState
	var runErr error
	switch {
	case summary.fatal != nil:
		final = StateAborted
		runErr = summary.fatal
	case summary.cancelled:
		final = StateCancelled
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		runErr = ErrRunCancelled(cause)
	default:
		e.mustTransition(state, StateAggregating)
		final = StateCompleted
	}
	e.mustTransition(state, final)

	res := agg.result(runID, kind, final, s.metadata, e.clock())

	e.metrics.RecordRun(kind, final, res.Total, res.Elapsed)
	span.SetAttributes(
		attribute.String("batch.state", final.String()),
		attribute.Int("batch.succeeded", res.SuccessCount),
		attribute.Int("batch.failed", res.FailureCount()),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, final.String())
	}

	logger.Info("batch run finished",
		zap.Stringer("state", final),
		zap.Int("requested", res.Requested),
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.SuccessCount),
		zap.Int("failed", res.FailureCount()),
		zap.Duration("elapsed", res.Elapsed))

	return res, runErr
}

type dispatchSummary struct {
	fatal     *EngineError
	cancelled bool
}

// dispatchAll submits chunks in order, at most s.concurrency at a time.
// No chunk is started once the run is aborted or ctx is done.
func (e *Engine) dispatchAll(ctx context.Context, d *dispatcher, chunks []Chunk, s settings, agg *aggregator) dispatchSummary {
	var (
		g         errgroup.Group
		sem       = semaphore.NewWeighted(int64(s.concurrency))
		aborted   atomic.Bool
		cancelled atomic.Bool
		fatalOnce sync.Once
		fatal     *EngineError
	)

	for _, chunk := range chunks {
		if aborted.Load() {
			break
		}
		if ctx.Err() != nil {
			cancelled.Store(true)
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled.Store(true)
			break
		}
		// Acquire may have waited on an in-flight chunk that aborted the run.
		if aborted.Load() {
			sem.Release(1)
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			cancelled.Store(true)
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			outcome := d.dispatch(ctx, chunk)
			if outcome.skipped {
				cancelled.Store(true)
				return nil
			}
			agg.add(outcome, e.clock())

			switch {
			case outcome.category == CategoryCancelled:
				cancelled.Store(true)
			case outcome.fatal != nil && !s.continueOnError:
				fatalOnce.Do(func() { fatal = outcome.fatal })
				aborted.Store(true)
			}
			return nil
		})
	}

	_ = g.Wait()

	if aborted.Load() {
		return dispatchSummary{fatal: fatal}
	}
	return dispatchSummary{cancelled: cancelled.Load()}
}

func (e *Engine) retrierFor(policy RetryPolicy, kind Kind, logger *zap.Logger) *Retrier {
	return NewRetrier(policy,
		WithSleepFunc(e.sleep),
		WithRetryLogger(logger),
		WithRetryHook(func(attempt int, err error, category ErrorCategory, delay time.Duration) {
			e.metrics.RecordRetry(kind, category)
		}),
	)
}

func (e *Engine) mustTransition(state *runState, next RunState) {
	if err := state.transition(next); err != nil {
		e.logger.DPanic("run state machine violated", zap.Error(err))
	}
}
