package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// BatchResponder answers one compound request. call is 1-based across the
// gateway's lifetime.
type BatchResponder func(call int, compound *protocol.Request) ([]protocol.SubResponse, error)

// ExecuteHandler answers one single request.
type ExecuteHandler func(req *protocol.Request) (*protocol.Response, error)

// FakeGateway is a scripted record service. Scripted responders are used in
// order, one per compound call; once exhausted the default responder answers.
type FakeGateway struct {
	mu          sync.Mutex
	script      []BatchResponder
	fallback    BatchResponder
	execute     ExecuteHandler
	delay       time.Duration
	hook        func(call int, compound *protocol.Request)
	batches     []*protocol.Request
	singles     []*protocol.Request
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	issued      atomic.Int64
}

// NewFakeGateway creates a gateway where every sub-request succeeds.
func NewFakeGateway() *FakeGateway {
	g := &FakeGateway{}
	g.fallback = g.SucceedAll()
	g.execute = func(req *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{RequestID: req.ID, Success: true}, nil
	}
	return g
}

// Script appends responders consumed one per compound call.
func (g *FakeGateway) Script(steps ...BatchResponder) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, steps...)
	return g
}

// WithDefault sets the responder used once the script is exhausted.
func (g *FakeGateway) WithDefault(r BatchResponder) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = r
	return g
}

// WithExecute sets the handler for single requests.
func (g *FakeGateway) WithExecute(h ExecuteHandler) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.execute = h
	return g
}

// WithDelay makes every compound call take at least d.
func (g *FakeGateway) WithDelay(d time.Duration) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
	return g
}

// OnBatch registers a hook run at the start of every compound call.
func (g *FakeGateway) OnBatch(hook func(call int, compound *protocol.Request)) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = hook
	return g
}

// ExecuteBatch implements batch.Gateway.
func (g *FakeGateway) ExecuteBatch(ctx context.Context, compound *protocol.Request) ([]protocol.SubResponse, error) {
	call := int(g.calls.Add(1))

	current := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.maxInFlight.Load()
		if current <= peak || g.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	g.mu.Lock()
	g.batches = append(g.batches, compound)
	responder := g.fallback
	if len(g.script) > 0 {
		responder = g.script[0]
		g.script = g.script[1:]
	}
	delay, hook := g.delay, g.hook
	g.mu.Unlock()

	if hook != nil {
		hook(call, compound)
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return responder(call, compound)
}

// Execute implements batch.Gateway.
func (g *FakeGateway) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	g.mu.Lock()
	g.singles = append(g.singles, req)
	h := g.execute
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(req)
}

// CallCount returns the number of compound calls, retries included.
func (g *FakeGateway) CallCount() int {
	return int(g.calls.Load())
}

// MaxInFlight returns the highest number of concurrent compound calls observed.
func (g *FakeGateway) MaxInFlight() int {
	return int(g.maxInFlight.Load())
}

// Batches returns every compound request received, in arrival order.
func (g *FakeGateway) Batches() []*protocol.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.Request(nil), g.batches...)
}

// Singles returns every single request received, in arrival order.
func (g *FakeGateway) Singles() []*protocol.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.Request(nil), g.singles...)
}

// SubmittedRecordIDs returns the record IDs of every sub-request received,
// in submission order.
func (g *FakeGateway) SubmittedRecordIDs() []string {
	var ids []string
	for _, b := range g.Batches() {
		for _, sub := range b.Requests {
			ids = append(ids, sub.RecordID)
		}
	}
	return ids
}

// SucceedAll answers every sub-request with success. Creates without a
// client-chosen ID get a generated one.
func (g *FakeGateway) SucceedAll() BatchResponder {
	return g.FaultWhere(func(*protocol.Request) *protocol.Fault { return nil })
}

// FaultWhere answers with the fault returned by pick, or success when pick
// returns nil.
func (g *FakeGateway) FaultWhere(pick func(sub *protocol.Request) *protocol.Fault) BatchResponder {
	return func(call int, compound *protocol.Request) ([]protocol.SubResponse, error) {
		out := make([]protocol.SubResponse, len(compound.Requests))
		for i, sub := range compound.Requests {
			out[i] = protocol.SubResponse{Index: i}
			if f := pick(sub); f != nil {
				out[i].Fault = f
				continue
			}
			out[i].Data = g.successData(sub)
		}
		return out, nil
	}
}

func (g *FakeGateway) successData(sub *protocol.Request) map[string]interface{} {
	switch sub.Op {
	case protocol.OpCreate:
		id := sub.RecordID
		if id == "" {
			id = fmt.Sprintf("gen-%d", g.issued.Add(1))
		}
		return map[string]interface{}{"id": id}
	case protocol.OpRetrieve:
		data := map[string]interface{}{"id": sub.RecordID, "table": sub.Table}
		for _, col := range sub.Columns {
			data[col] = col + ":" + sub.RecordID
		}
		return data
	default:
		return map[string]interface{}{"id": sub.RecordID}
	}
}

// FailWith fails the whole compound request with err.
func FailWith(err error) BatchResponder {
	return func(int, *protocol.Request) ([]protocol.SubResponse, error) {
		return nil, err
	}
}

// Truncated answers with n fewer sub-responses than requested.
func (g *FakeGateway) Truncated(n int) BatchResponder {
	ok := g.SucceedAll()
	return func(call int, compound *protocol.Request) ([]protocol.SubResponse, error) {
		subs, err := ok(call, compound)
		if err != nil || n >= len(subs) {
			return nil, err
		}
		return subs[:len(subs)-n], nil
	}
}

// NotFoundFault returns the fault the service reports for a missing record.
func NotFoundFault(id string) *protocol.Fault {
	return &protocol.Fault{Code: protocol.FaultNotFound, Message: "record " + id + " not found"}
}

// ValidationFault returns a validation fault for field.
func ValidationFault(field string) *protocol.Fault {
	return &protocol.Fault{
		Code:    protocol.FaultValidation,
		Message: "field " + field + " is invalid",
		Details: map[string]interface{}{"field": field},
	}
}
