package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/transport"
)

// RequestHandler answers one decoded request. Returning an error fails the round trip.
type RequestHandler func(req *protocol.Request) (*protocol.Response, error)

// MockTransport implements transport.Transport for testing
type MockTransport struct {
	handler    RequestHandler
	err        error
	healthy    bool
	delay      time.Duration
	closed     bool
	history    []*protocol.Request
	codec      protocol.Codec
	mu         sync.RWMutex
	roundTrips atomic.Int32
	closeCalls atomic.Int32
	errors     atomic.Int64
	bytesSent  atomic.Int64
	bytesRecv  atomic.Int64
}

// NewMockTransport creates a mock that answers every request with success
func NewMockTransport() *MockTransport {
	return &MockTransport{
		healthy: true,
		codec:   protocol.NewCodec(),
		handler: func(req *protocol.Request) (*protocol.Response, error) {
			return &protocol.Response{RequestID: req.ID, Success: true}, nil
		},
	}
}

// WithHandler configures how requests are answered
func (m *MockTransport) WithHandler(h RequestHandler) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithError configures the transport to fail every round trip
func (m *MockTransport) WithError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithHealthy configures the health status
func (m *MockTransport) WithHealthy(healthy bool) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// WithDelay adds a delay to every round trip
func (m *MockTransport) WithDelay(delay time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
	return m
}

// RoundTrip implements transport.Transport
func (m *MockTransport) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	m.roundTrips.Add(1)

	m.mu.RLock()
	closed, delay, failErr, handler := m.closed, m.delay, m.err, m.handler
	m.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("transport is closed")
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if failErr != nil {
		m.errors.Add(1)
		return nil, failErr
	}

	m.bytesSent.Add(int64(len(frame)))

	if len(frame) > 0 && frame[len(frame)-1] == protocol.EOT {
		frame = frame[:len(frame)-1]
	}
	var req protocol.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		m.errors.Add(1)
		return nil, protocol.ProtocolError("mock could not decode request", map[string]interface{}{"error": err.Error()})
	}

	m.mu.Lock()
	m.history = append(m.history, &req)
	m.mu.Unlock()

	resp, err := handler(&req)
	if err != nil {
		m.errors.Add(1)
		return nil, err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	data = append(data, protocol.EOT)
	m.bytesRecv.Add(int64(len(data)))
	return data, nil
}

// Close implements transport.Transport
func (m *MockTransport) Close() error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsHealthy implements transport.Transport
func (m *MockTransport) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy && !m.closed
}

// Metrics implements transport.Transport
func (m *MockTransport) Metrics() transport.Metrics {
	return transport.Metrics{
		TotalRequests: int64(m.roundTrips.Load()),
		TotalErrors:   m.errors.Load(),
		BytesSent:     m.bytesSent.Load(),
		BytesReceived: m.bytesRecv.Load(),
	}
}

// RoundTripCount returns the number of times RoundTrip was called
func (m *MockTransport) RoundTripCount() int {
	return int(m.roundTrips.Load())
}

// CloseCount returns the number of times Close was called
func (m *MockTransport) CloseCount() int {
	return int(m.closeCalls.Load())
}

// Requests returns every decoded request in arrival order
func (m *MockTransport) Requests() []*protocol.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([]*protocol.Request, len(m.history))
	copy(history, m.history)
	return history
}

// RequestsFor returns the decoded requests with the given op
func (m *MockTransport) RequestsFor(op protocol.Op) []*protocol.Request {
	var out []*protocol.Request
	for _, req := range m.Requests() {
		if req.Op == op {
			out = append(out, req)
		}
	}
	return out
}

// IsClosed returns whether the transport has been closed
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Factory returns a transport.Factory that always hands out this mock
func (m *MockTransport) Factory() transport.Factory {
	return func(ctx context.Context, address string) (transport.Transport, error) {
		m.mu.Lock()
		m.closed = false
		m.mu.Unlock()
		return m, nil
	}
}
