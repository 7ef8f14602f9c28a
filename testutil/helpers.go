package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dan-strohschein/recordkit/batch"
)

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t *testing.T, timeout ...time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)

	return ctx, cancel
}

// ObservedLogger returns a logger whose entries at or above level are captured.
func ObservedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// SleepRecorder is a batch.SleepFunc that records requested delays and
// returns immediately, unless the context is already done.
type SleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep implements batch.SleepFunc.
func (s *SleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

// Delays returns the recorded delays in call order.
func (s *SleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Total returns the sum of recorded delays.
func (s *SleepRecorder) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Delays() {
		total += d
	}
	return total
}

// ProgressRecorder collects progress snapshots.
type ProgressRecorder struct {
	mu     sync.Mutex
	events []batch.Progress
}

// Record implements batch.ProgressFunc.
func (p *ProgressRecorder) Record(ev batch.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns the snapshots received so far.
func (p *ProgressRecorder) Events() []batch.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]batch.Progress(nil), p.events...)
}

// SkipUnlessEnv skips the test unless the environment variable is set and
// returns its value.
func SkipUnlessEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}
