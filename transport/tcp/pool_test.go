package tcp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// pipeDialer returns links over net.Pipe; the far ends are closed at cleanup.
func pipeDialer(t *testing.T, dialed *atomic.Int32) func(context.Context) (*link, error) {
	return func(context.Context) (*link, error) {
		near, far := net.Pipe()
		t.Cleanup(func() { far.Close() })
		dialed.Add(1)
		return newLink(near), nil
	}
}

func TestPoolReusesIdleLinks(t *testing.T) {
	var dialed atomic.Int32
	p := newPool(poolConfig{minIdle: 1, maxOpen: 2}, pipeDialer(t, &dialed), nil)
	if err := p.warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	defer p.close()

	l, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.release(l)

	again, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.release(again)

	if again != l {
		t.Error("expected the idle link to be reused")
	}
	if dialed.Load() != 1 || p.reused.Load() != 2 {
		t.Errorf("dialed=%d reused=%d", dialed.Load(), p.reused.Load())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	var dialed atomic.Int32
	p := newPool(poolConfig{maxOpen: 1}, pipeDialer(t, &dialed), nil)
	if err := p.warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	defer p.close()

	held, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	p.release(held)
	if dialed.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", dialed.Load())
	}
}

func TestPoolDiscardsBrokenLinks(t *testing.T) {
	var dialed atomic.Int32
	p := newPool(poolConfig{maxOpen: 2}, pipeDialer(t, &dialed), nil)
	if err := p.warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	defer p.close()

	l, _ := p.acquire(context.Background())
	l.fail()
	p.release(l)

	if p.open.Load() != 0 {
		t.Errorf("expected broken link to be closed, open=%d", p.open.Load())
	}
}

func TestPoolEvictStaleKeepsMinIdle(t *testing.T) {
	var dialed atomic.Int32
	p := newPool(poolConfig{minIdle: 1, maxOpen: 3, idleTTL: time.Minute}, pipeDialer(t, &dialed), nil)
	defer p.close()

	for i := 0; i < 3; i++ {
		l, _ := p.dial(context.Background())
		p.open.Add(1)
		p.idle = append(p.idle, l)
	}

	p.evictStale(time.Now().Add(2 * time.Minute))

	if len(p.idle) != 1 || p.open.Load() != 1 {
		t.Errorf("expected one idle link to remain, idle=%d open=%d", len(p.idle), p.open.Load())
	}
}

func TestPoolProbeDropsFailures(t *testing.T) {
	var dialed atomic.Int32
	var calls atomic.Int32
	probe := func(*link) bool { return calls.Add(1) != 1 }
	p := newPool(poolConfig{maxOpen: 4}, pipeDialer(t, &dialed), probe)
	defer p.close()

	for i := 0; i < 4; i++ {
		l, _ := p.dial(context.Background())
		p.open.Add(1)
		p.idle = append(p.idle, l)
	}

	p.probeIdle()

	if calls.Load() != 2 {
		t.Errorf("expected half of the idle links probed, got %d", calls.Load())
	}
	if len(p.idle) != 3 || p.open.Load() != 3 {
		t.Errorf("idle=%d open=%d", len(p.idle), p.open.Load())
	}
}

func TestPoolAcquireAfterClose(t *testing.T) {
	var dialed atomic.Int32
	p := newPool(poolConfig{maxOpen: 1}, pipeDialer(t, &dialed), nil)
	if err := p.warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	p.close()

	if _, err := p.acquire(context.Background()); !errors.Is(err, errPoolClosed) {
		t.Errorf("expected errPoolClosed, got %v", err)
	}
	if p.healthy() {
		t.Error("closed pool reported healthy")
	}
}
