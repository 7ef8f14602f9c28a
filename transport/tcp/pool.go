package tcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var errPoolClosed = errors.New("connection pool is closed")

type poolConfig struct {
	minIdle    int
	maxOpen    int
	idleTTL    time.Duration
	probeEvery time.Duration
}

// pool lends links to one server. The semaphore bounds checked-out links
// at maxOpen; a new link is dialed only when the idle stack is empty, so
// open links never exceed maxOpen outside of a probe sweep.
type pool struct {
	cfg   poolConfig
	dial  func(ctx context.Context) (*link, error)
	probe func(*link) bool
	slots *semaphore.Weighted

	mu     sync.Mutex
	idle   []*link // oldest first
	closed bool

	open   atomic.Int32
	inUse  atomic.Int32
	reused atomic.Int64

	quit chan struct{}
	bg   sync.WaitGroup
}

func newPool(cfg poolConfig, dial func(ctx context.Context) (*link, error), probe func(*link) bool) *pool {
	cfg.maxOpen = max(cfg.maxOpen, 1)
	cfg.minIdle = max(0, min(cfg.minIdle, cfg.maxOpen))
	if cfg.idleTTL <= 0 {
		cfg.idleTTL = 5 * time.Minute
	}
	if cfg.probeEvery <= 0 {
		cfg.probeEvery = 30 * time.Second
	}

	return &pool{
		cfg:   cfg,
		dial:  dial,
		probe: probe,
		slots: semaphore.NewWeighted(int64(cfg.maxOpen)),
		quit:  make(chan struct{}),
	}
}

// warm dials minIdle links up front and starts the maintenance loop.
func (p *pool) warm(ctx context.Context) error {
	for i := 0; i < p.cfg.minIdle; i++ {
		l, err := p.dial(ctx)
		if err != nil {
			p.close()
			return fmt.Errorf("dial initial connection %d/%d: %w", i+1, p.cfg.minIdle, err)
		}
		p.open.Add(1)
		p.mu.Lock()
		p.idle = append(p.idle, l)
		p.mu.Unlock()
	}

	p.bg.Add(1)
	go p.maintain()
	return nil
}

// acquire blocks until a slot is free, then reuses the newest idle link or
// dials a fresh one.
func (p *pool) acquire(ctx context.Context) (*link, error) {
	if p.isClosed() {
		return nil, errPoolClosed
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		l, ok := p.popNewest()
		if !ok {
			break
		}
		if l.usable() {
			p.reused.Add(1)
			p.inUse.Add(1)
			return l, nil
		}
		p.discard(l)
	}

	if p.isClosed() {
		p.slots.Release(1)
		return nil, errPoolClosed
	}

	l, err := p.dial(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	p.open.Add(1)
	p.inUse.Add(1)
	return l, nil
}

// release hands a link back. Broken links and links returned after close
// are discarded.
func (p *pool) release(l *link) {
	if l == nil {
		return
	}
	defer p.slots.Release(1)
	p.inUse.Add(-1)

	p.mu.Lock()
	if p.closed || !l.usable() {
		p.mu.Unlock()
		p.discard(l)
		return
	}
	p.idle = append(p.idle, l)
	p.mu.Unlock()
}

func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.quit)
	p.mu.Unlock()

	p.bg.Wait()
	for _, l := range idle {
		p.discard(l)
	}
}

func (p *pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pool) healthy() bool {
	return !p.isClosed() && p.open.Load() > 0
}

func (p *pool) popNewest() (*link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if p.closed || n == 0 {
		return nil, false
	}
	l := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return l, true
}

func (p *pool) discard(l *link) {
	l.close()
	p.open.Add(-1)
}

func (p *pool) maintain() {
	defer p.bg.Done()

	sweep := time.NewTicker(p.cfg.idleTTL / 2)
	defer sweep.Stop()
	probe := time.NewTicker(p.cfg.probeEvery)
	defer probe.Stop()

	for {
		select {
		case <-p.quit:
			return
		case now := <-sweep.C:
			p.evictStale(now)
		case <-probe.C:
			p.probeIdle()
		}
	}
}

// evictStale drops links idle longer than idleTTL, keeping the newest minIdle.
func (p *pool) evictStale(now time.Time) {
	var stale []*link

	p.mu.Lock()
	for len(p.idle) > p.cfg.minIdle && now.Sub(p.idle[0].lastUsed()) > p.cfg.idleTTL {
		stale = append(stale, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, l := range stale {
		p.discard(l)
	}
}

// probeIdle re-checks the older half of the idle stack off-lock and puts
// the survivors back.
func (p *pool) probeIdle() {
	if p.probe == nil {
		return
	}

	p.mu.Lock()
	n := len(p.idle)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	take := max(1, n/2)
	batch := append([]*link(nil), p.idle[:take]...)
	p.idle = p.idle[take:]
	p.mu.Unlock()

	var alive []*link
	for _, l := range batch {
		if p.probe(l) {
			alive = append(alive, l)
			continue
		}
		p.discard(l)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, l := range alive {
			p.discard(l)
		}
		return
	}
	p.idle = append(alive, p.idle...)
	p.mu.Unlock()
}
