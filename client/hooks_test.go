package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/transport/mock"
)

// recordingHook records the ops it saw.
type recordingHook struct {
	name        string
	beforeError error
	afterError  error

	mu     sync.Mutex
	before []protocol.Op
	after  []protocol.Op
	errs   []error
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, hookCtx.Op())
	return h.beforeError
}

func (h *recordingHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, hookCtx.Op())
	h.errs = append(h.errs, hookCtx.Error)
	return h.afterError
}

func TestHookRegistration(t *testing.T) {
	c, _ := newUnconnectedClient(t, mock.NewMockTransport())

	c.RegisterHook(&recordingHook{name: "first"})
	c.RegisterHook(&recordingHook{name: "second"})
	assert.Equal(t, []string{"first", "second"}, c.GetHooks())

	c.RegisterHook(&recordingHook{name: "first"})
	assert.Equal(t, []string{"first", "second"}, c.GetHooks(), "re-registering replaces in place")

	assert.True(t, c.UnregisterHook("first"))
	assert.False(t, c.UnregisterHook("first"))
	assert.Equal(t, []string{"second"}, c.GetHooks())
}

func TestHooks_RunAroundRequests(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		if req.RecordID == "missing" {
			return faultResponse(req, protocol.FaultNotFound, "no such record"), nil
		}
		return okResponse(req, nil), nil
	})
	hook := &recordingHook{name: "recorder"}
	c.RegisterHook(hook)

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "missing"})
	require.Error(t, err)

	assert.Equal(t, []protocol.Op{protocol.OpDelete, protocol.OpDelete}, hook.before)
	assert.Equal(t, []protocol.Op{protocol.OpDelete, protocol.OpDelete}, hook.after)
	assert.NoError(t, hook.errs[0])
	assert.True(t, IsNotFound(hook.errs[1]))
}

func TestHooks_BeforeErrorSkipsRoundTrip(t *testing.T) {
	c, m := newTestClient(t, nil)
	blocked := errors.New("writes are frozen")
	c.RegisterHook(&recordingHook{name: "freeze", beforeError: blocked})
	sentBefore := m.RoundTripCount()

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	assert.ErrorIs(t, err, blocked)
	assert.Equal(t, sentBefore, m.RoundTripCount())
}

func TestHooks_AfterErrorReplacesResult(t *testing.T) {
	c, _ := newTestClient(t, nil)
	rejected := errors.New("audit sink unavailable")
	c.RegisterHook(&recordingHook{name: "audit", afterError: rejected})

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	assert.ErrorIs(t, err, rejected)
}

func TestMetricsHook(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		if req.Op == protocol.OpBatch {
			subs := make([]protocol.SubResponse, len(req.Requests))
			for i := range subs {
				subs[i] = protocol.SubResponse{Index: i}
			}
			return &protocol.Response{RequestID: req.ID, Success: true, Responses: subs}, nil
		}
		return faultResponse(req, protocol.FaultForbidden, "read only"), nil
	})
	metrics := NewMetricsHook()
	c.RegisterHook(metrics)

	_, err := c.ExecuteBatch(context.Background(), &protocol.Request{
		Op: protocol.OpBatch,
		Requests: []*protocol.Request{
			{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"},
			{Op: protocol.OpDelete, Table: "accounts", RecordID: "a2"},
		},
	})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a3"})
	require.Error(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, uint64(2), stats["total_requests"])
	assert.Equal(t, uint64(1), stats["total_errors"])
	assert.Equal(t, uint64(2), stats["sub_requests"])
	assert.Equal(t, map[string]uint64{"batch": 1, "delete": 1}, stats["by_op"])

	metrics.Reset()
	assert.Equal(t, uint64(0), metrics.GetStats()["total_requests"])
}

func TestTracingHook(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		if req.RecordID == "bad" {
			return faultResponse(req, protocol.FaultValidation, "bad record"), nil
		}
		return okResponse(req, nil), nil
	})
	c.RegisterHook(NewTracingHook(tp))

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpUpdate, Table: "accounts", RecordID: "a1", Fields: map[string]interface{}{"x": 1}})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "bad"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "recordkit.update", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("recordkit.table", "accounts"))

	assert.Equal(t, "recordkit.delete", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestLoggingHook(t *testing.T) {
	c, _ := newTestClient(t, nil)
	c.RegisterHook(NewLoggingHook(NewNoopLogger(), true, true))

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	assert.NoError(t, err)
}
