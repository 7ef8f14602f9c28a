package client

import (
	"context"
	"sync"
	"time"

	"github.com/dan-strohschein/recordkit/batch"
)

// HealthMonitor pings the service on a fixed interval while the client is
// CONNECTED. Transient failures must repeat threshold times in a row before
// onUnhealthy fires; any other failure fires it immediately.
type HealthMonitor struct {
	client      *Client
	interval    time.Duration
	pingTimeout time.Duration
	threshold   int
	onUnhealthy func(err error)
	logger      Logger

	mu      sync.Mutex
	streak  int
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewHealthMonitor returns a stopped monitor. A nil onUnhealthy only logs.
func NewHealthMonitor(client *Client, interval time.Duration, threshold int, onUnhealthy func(err error)) *HealthMonitor {
	pingTimeout := 5 * time.Second
	if interval > 0 {
		pingTimeout = min(pingTimeout, interval)
	}
	return &HealthMonitor{
		client:      client,
		interval:    interval,
		pingTimeout: pingTimeout,
		threshold:   max(threshold, 1),
		onUnhealthy: onUnhealthy,
		logger:      client.logger.WithFields(String("component", "health_monitor")),
	}
}

// Start launches the ping loop. Calling Start on a running monitor is a no-op.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.stopped = make(chan struct{})
	go h.run(ctx, h.stopped)
	h.logger.Info("health monitor started", Duration("interval", h.interval))
}

// Stop ends the ping loop and waits for it to exit. It is safe to call twice.
func (h *HealthMonitor) Stop() {
	if stopped := h.halt(); stopped != nil {
		<-stopped
		h.logger.Info("health monitor stopped")
	}
}

// halt cancels the loop without waiting, so it may be called from
// onUnhealthy. It returns the loop's done channel, or nil when not running.
func (h *HealthMonitor) halt() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil
	return h.stopped
}

// Failures is the current run of consecutive failed pings.
func (h *HealthMonitor) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streak
}

func (h *HealthMonitor) run(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if h.client.GetState() == CONNECTED {
				h.check()
			}
		}
	}
}

func (h *HealthMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), h.pingTimeout)
	defer cancel()

	if err := h.client.Ping(ctx); err != nil {
		h.failed(err)
		return
	}

	h.mu.Lock()
	prev := h.streak
	h.streak = 0
	h.mu.Unlock()
	if prev > 0 {
		h.logger.Info("health check recovered", Int("previousFailures", prev))
	}
}

func (h *HealthMonitor) failed(err error) {
	h.mu.Lock()
	h.streak++
	streak := h.streak
	report := !batch.IsTransient(err) || streak >= h.threshold
	if report {
		h.streak = 0
	}
	h.mu.Unlock()

	h.logger.Warn("health check failed", Error("error", err), Int("failureCount", streak))
	if !report {
		return
	}

	h.logger.Error("client unhealthy", Int("failureCount", streak), Error("error", err))
	if h.onUnhealthy != nil {
		h.onUnhealthy(err)
	}
}
