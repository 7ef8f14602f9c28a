package batch

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds the retry loop. Backoff has no jitter so schedules are
// reproducible.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryDelay,
		MaxDelay:   DefaultMaxRetryDelay,
		Multiplier: DefaultMultiplier,
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// MaxAttempts returns the total attempts the policy allows.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryHook observes each scheduled retry.
type RetryHook func(attempt int, err error, category ErrorCategory, delay time.Duration)

// Retrier runs operations under a RetryPolicy. It holds no per-call state
// and is safe for concurrent use.
type Retrier struct {
	policy   RetryPolicy
	sleep    SleepFunc
	classify func(error) ErrorCategory
	logger   *zap.Logger
	onRetry  RetryHook
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleepFunc replaces the backoff wait, mainly for tests.
func WithSleepFunc(fn SleepFunc) RetrierOption {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithClassifier replaces Classify.
func WithClassifier(fn func(error) ErrorCategory) RetrierOption {
	return func(r *Retrier) {
		if fn != nil {
			r.classify = fn
		}
	}
}

// WithRetryLogger sets the logger used for retry decisions.
func WithRetryLogger(logger *zap.Logger) RetrierOption {
	return func(r *Retrier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryHook registers a callback invoked before each backoff wait.
func WithRetryHook(hook RetryHook) RetrierOption {
	return func(r *Retrier) {
		r.onRetry = hook
	}
}

// NewRetrier creates a Retrier.
func NewRetrier(policy RetryPolicy, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		policy:   policy,
		sleep:    SleepContext,
		classify: Classify,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// WithPolicy returns a copy of r using policy.
func (r *Retrier) WithPolicy(policy RetryPolicy) *Retrier {
	cp := *r
	cp.policy = policy
	return &cp
}

// Outcome is the result of Execute. Err is nil on success.
type Outcome[T any] struct {
	Value    T
	Err      error
	Category ErrorCategory
	Attempts int
	Delays   []time.Duration
}

// OK reports whether the operation eventually succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Waited returns the total time spent in backoff.
func (o Outcome[T]) Waited() time.Duration {
	var total time.Duration
	for _, d := range o.Delays {
		total += d
	}
	return total
}

// Execute calls fn until it succeeds, fails permanently, exhausts the policy
// or ctx is done. fn must rebuild the same request on every call.
func Execute[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) Outcome[T] {
	var out Outcome[T]

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = ErrRunCancelled(err)
			out.Category = CategoryCancelled
			return out
		}

		out.Attempts = attempt
		value, err := fn(ctx)
		if err == nil {
			out.Value = value
			out.Err = nil
			out.Category = ""
			return out
		}

		category := r.classify(err)
		if ctxErr := ctx.Err(); ctxErr != nil && category == CategoryTransient {
			out.Err = ErrRunCancelled(err)
			out.Category = CategoryCancelled
			return out
		}

		if category != CategoryTransient {
			out.Err = err
			out.Category = category
			return out
		}

		if attempt > r.policy.MaxRetries {
			r.logger.Warn("retries exhausted",
				zap.Int("attempts", attempt),
				zap.Error(err))
			out.Err = ErrRetriesExhausted(attempt, err)
			out.Category = CategoryTimeout
			return out
		}

		delay := r.policy.Backoff(attempt)
		r.logger.Debug("transient failure, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if r.onRetry != nil {
			r.onRetry(attempt, err, category, delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			out.Err = ErrRunCancelled(err)
			out.Category = CategoryCancelled
			return out
		}
		out.Delays = append(out.Delays, delay)
	}
}
