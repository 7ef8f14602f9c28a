// Package tcp carries protocol frames to the record service over pooled
// TCP (optionally TLS) connections.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/transport"
)

// Options configures a Transport. Zero values take the defaults noted.
type Options struct {
	Address string

	// DialTimeout bounds dialing plus the version handshake. Default 10s.
	DialTimeout time.Duration

	UseTLS     bool
	CertPath   string
	KeyPath    string
	SkipVerify bool

	// PoolSize caps open connections (default 4); PoolMinSize are kept
	// warm (default 1).
	PoolSize        int
	PoolMinSize     int
	PoolIdleTimeout time.Duration

	HealthCheckInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PoolSize == 0 {
		o.PoolSize = 4
	}
	if o.PoolMinSize == 0 {
		o.PoolMinSize = 1
	}
	if o.PoolIdleTimeout == 0 {
		o.PoolIdleTimeout = 5 * time.Minute
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
}

// Transport implements transport.Transport. Each round trip borrows one
// link for its request and reply, so concurrent callers never interleave
// frames on a socket.
type Transport struct {
	opts  Options
	codec protocol.Codec
	tls   *tls.Config
	links *pool
	stats counters
}

type counters struct {
	requests     atomic.Int64
	failures     atomic.Int64
	sent         atomic.Int64
	received     atomic.Int64
	dials        atomic.Int64
	probesOK     atomic.Int64
	probesFailed atomic.Int64
	latencyNanos atomic.Int64

	mu      sync.Mutex
	lastErr error
	lastAt  time.Time
}

func (c *counters) fail(err error) {
	c.failures.Add(1)
	c.mu.Lock()
	c.lastErr, c.lastAt = err, time.Now()
	c.mu.Unlock()
}

// New dials the warm connections and returns a ready transport.
func New(ctx context.Context, opts Options) (*Transport, error) {
	if opts.Address == "" {
		return nil, errors.New("address is required")
	}
	opts.applyDefaults()

	t := &Transport{opts: opts, codec: protocol.NewCodec()}
	if opts.UseTLS {
		cfg, err := clientTLS(opts)
		if err != nil {
			return nil, err
		}
		t.tls = cfg
	}

	t.links = newPool(poolConfig{
		minIdle:    opts.PoolMinSize,
		maxOpen:    opts.PoolSize,
		idleTTL:    opts.PoolIdleTimeout,
		probeEvery: opts.HealthCheckInterval,
	}, t.open, t.probe)

	warmCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := t.links.warm(warmCtx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Address, err)
	}
	return t, nil
}

// Factory returns a transport.Factory that dials with base, substituting
// the requested address.
func Factory(base Options) transport.Factory {
	return func(ctx context.Context, address string) (transport.Transport, error) {
		opts := base
		opts.Address = address
		return New(ctx, opts)
	}
}

// RoundTrip implements transport.Transport.
func (t *Transport) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	t.stats.requests.Add(1)
	start := time.Now()

	l, err := t.links.acquire(ctx)
	if err != nil {
		t.stats.fail(err)
		return nil, err
	}
	reply, err := l.exchange(ctx, frame)
	t.links.release(l)
	if err != nil {
		t.stats.fail(err)
		return nil, err
	}

	t.stats.sent.Add(int64(len(frame)))
	t.stats.received.Add(int64(len(reply)))
	t.stats.latencyNanos.Add(int64(time.Since(start)))
	return reply, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.links.close()
	return nil
}

// IsHealthy implements transport.Transport.
func (t *Transport) IsHealthy() bool {
	return t.links.healthy()
}

// Metrics implements transport.Transport.
func (t *Transport) Metrics() transport.Metrics {
	t.stats.mu.Lock()
	lastErr, lastAt := t.stats.lastErr, t.stats.lastAt
	t.stats.mu.Unlock()

	m := transport.Metrics{
		TotalRequests:      t.stats.requests.Load(),
		TotalErrors:        t.stats.failures.Load(),
		LastError:          lastErr,
		LastErrorTime:      lastAt,
		BytesSent:          t.stats.sent.Load(),
		BytesReceived:      t.stats.received.Load(),
		ConnectionsCreated: t.stats.dials.Load(),
		ConnectionsActive:  int(t.links.inUse.Load()),
		HealthChecksPassed: t.stats.probesOK.Load(),
		HealthChecksFailed: t.stats.probesFailed.Load(),
	}
	if m.TotalRequests > 0 {
		m.AverageLatency = time.Duration(t.stats.latencyNanos.Load() / m.TotalRequests)
	}
	return m
}

// open dials a link, upgrades it to TLS when configured and negotiates the
// protocol version.
func (t *Transport) open(ctx context.Context) (*link, error) {
	t.stats.dials.Add(1)

	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", t.opts.Address)
	if err != nil {
		return nil, protocol.ConnectionError("failed to connect to "+t.opts.Address, map[string]interface{}{
			"address": t.opts.Address,
			"timeout": t.opts.DialTimeout.String(),
			"error":   err.Error(),
		})
	}
	if t.tls != nil {
		if nc, err = upgradeTLS(ctx, nc, t.tls); err != nil {
			return nil, err
		}
	}

	l := newLink(nc)
	if err := l.negotiate(ctx, t.codec); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

// probe re-negotiates on an idle link; a failure marks it broken.
func (t *Transport) probe(l *link) bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	defer cancel()

	if err := l.negotiate(ctx, t.codec); err != nil {
		t.stats.probesFailed.Add(1)
		l.fail()
		return false
	}
	t.stats.probesOK.Add(1)
	return true
}
