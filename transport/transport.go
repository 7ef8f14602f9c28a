// Package transport abstracts how encoded frames reach the record service.
package transport

import (
	"context"
	"time"
)

// Transport moves one request frame to the service and returns its reply.
// Batch dispatch runs chunks in parallel over a single Transport, so every
// implementation must be safe for concurrent use.
type Transport interface {
	RoundTrip(ctx context.Context, frame []byte) ([]byte, error)
	Close() error

	// IsHealthy is false once closed or when no connection is open.
	IsHealthy() bool
	Metrics() Metrics
}

// Metrics is a point-in-time snapshot of transport counters.
type Metrics struct {
	TotalRequests  int64
	TotalErrors    int64
	AverageLatency time.Duration

	LastError     error
	LastErrorTime time.Time

	BytesSent     int64
	BytesReceived int64

	// ConnectionsCreated counts every dial; ConnectionsActive is the
	// number currently checked out.
	ConnectionsCreated int64
	ConnectionsActive  int

	HealthChecksPassed int64
	HealthChecksFailed int64
}

// Factory opens a Transport to address.
type Factory func(ctx context.Context, address string) (Transport, error)
