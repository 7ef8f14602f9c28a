package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/testutil"
	"github.com/dan-strohschein/recordkit/transport/mock"
)

const testConnStr = "recordkit://records.test:7632/acme"

func okResponse(req *protocol.Request, data interface{}) *protocol.Response {
	return &protocol.Response{RequestID: req.ID, Success: true, Data: data}
}

func faultResponse(req *protocol.Request, code, message string) *protocol.Response {
	return &protocol.Response{RequestID: req.ID, Success: false, Code: code, Error: message}
}

// newUnconnectedClient returns a client whose transport is m and whose
// backoff sleeps are recorded instead of waited.
func newUnconnectedClient(t *testing.T, m *mock.MockTransport) (*Client, *testutil.SleepRecorder) {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = NewNoopLogger()
	opts.TransportFactory = m.Factory()
	c := New(&opts)
	sleeper := &testutil.SleepRecorder{}
	c.sleep = sleeper.Sleep
	return c, sleeper
}

// newTestClient returns a client connected to tenant acme. whoami is
// answered by the helper; every other request goes to handler.
func newTestClient(t *testing.T, handler mock.RequestHandler) (*Client, *mock.MockTransport) {
	t.Helper()
	m := mock.NewMockTransport().WithHandler(func(req *protocol.Request) (*protocol.Response, error) {
		if req.Op == protocol.OpWhoAmI {
			return okResponse(req, map[string]interface{}{"tenant": "acme", "user": "tester"}), nil
		}
		if handler == nil {
			return okResponse(req, nil), nil
		}
		return handler(req)
	})

	c, _ := newUnconnectedClient(t, m)
	require.NoError(t, c.Connect(context.Background(), testConnStr))
	t.Cleanup(func() {
		if c.GetState() == CONNECTED {
			c.Disconnect(context.Background())
		}
	})
	return c, m
}

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name    string
		connStr string
		want    Target
		wantErr bool
	}{
		{"valid", "recordkit://db.internal:7632/acme", Target{Address: "db.internal:7632", Tenant: "acme"}, false},
		{"with params", "recordkit://db.internal:7632/acme?tls=true", Target{Address: "db.internal:7632", Tenant: "acme"}, false},
		{"wrong scheme", "http://db.internal:7632/acme", Target{}, true},
		{"missing port", "recordkit://db.internal/acme", Target{}, true},
		{"missing tenant", "recordkit://db.internal:7632/", Target{}, true},
		{"nested tenant", "recordkit://db.internal:7632/acme/eu", Target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionString(tt.connStr)
			if tt.wantErr {
				var connErr *ConnectionError
				require.ErrorAs(t, err, &connErr)
				assert.Equal(t, "E_INVALID_CONN_STRING", connErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Address, got.Address)
			assert.Equal(t, tt.want.Tenant, got.Tenant)
		})
	}

	target, err := ParseConnectionString("recordkit://db.internal:7632/acme?tls=true")
	require.NoError(t, err)
	assert.Equal(t, "true", target.Params.Get("tls"))
}

func TestConnect_VerifiesTenant(t *testing.T) {
	c, m := newTestClient(t, nil)

	assert.Equal(t, CONNECTED, c.GetState())
	assert.Equal(t, "tester", c.Identity()["user"])
	assert.Len(t, m.RequestsFor(protocol.OpWhoAmI), 1)

	last := c.GetLastTransition()
	assert.Equal(t, CONNECTING, last.From)
	assert.Equal(t, "acme", last.Metadata["tenant"])
}

func TestConnect_TenantMismatchIsNotRetried(t *testing.T) {
	m := mock.NewMockTransport().WithHandler(func(req *protocol.Request) (*protocol.Response, error) {
		return okResponse(req, map[string]interface{}{"tenant": "globex"}), nil
	})
	c, sleeper := newUnconnectedClient(t, m)

	err := c.Connect(context.Background(), testConnStr)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "records.test:7632", connErr.Address)
	assert.Contains(t, err.Error(), "globex")
	assert.Equal(t, 1, m.RoundTripCount())
	assert.Empty(t, sleeper.Delays())
	assert.True(t, m.IsClosed())
	assert.Equal(t, DISCONNECTED, c.GetState())
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	m := mock.NewMockTransport().WithHandler(func(req *protocol.Request) (*protocol.Response, error) {
		if calls.Add(1) < 3 {
			return faultResponse(req, protocol.FaultServerBusy, "warming up"), nil
		}
		return okResponse(req, map[string]interface{}{"tenant": "acme"}), nil
	})
	c, sleeper := newUnconnectedClient(t, m)

	require.NoError(t, c.Connect(context.Background(), testConnStr))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.Delays())
}

func TestConnect_GivesUpAfterMaxRetries(t *testing.T) {
	m := mock.NewMockTransport().WithError(protocol.TimeoutError("dial timeout", nil))
	c, sleeper := newUnconnectedClient(t, m)

	err := c.Connect(context.Background(), testConnStr)
	require.Error(t, err)
	assert.Equal(t, 4, m.RoundTripCount())
	assert.Len(t, sleeper.Delays(), 3)
	assert.Equal(t, DISCONNECTED, c.GetState())

	last := c.GetLastTransition()
	assert.Equal(t, "error", last.Metadata["reason"])
	assert.Error(t, last.Error)
}

func TestConnect_CallbacksFire(t *testing.T) {
	m := mock.NewMockTransport().WithHandler(func(req *protocol.Request) (*protocol.Response, error) {
		return okResponse(req, map[string]interface{}{"tenant": "acme"}), nil
	})

	var connected, disconnected atomic.Int32
	opts := DefaultOptions()
	opts.Logger = NewNoopLogger()
	opts.TransportFactory = m.Factory()
	opts.OnConnected = func(StateTransition) { connected.Add(1) }
	opts.OnDisconnected = func(StateTransition) { disconnected.Add(1) }
	c := New(&opts)

	require.NoError(t, c.Connect(context.Background(), testConnStr))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, int32(1), connected.Load())
	assert.Equal(t, int32(1), disconnected.Load())
	assert.True(t, m.IsClosed())
}

func TestDisconnect_RequiresConnection(t *testing.T) {
	c, _ := newTestClient(t, nil)
	require.NoError(t, c.Disconnect(context.Background()))

	err := c.Disconnect(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, DISCONNECTED, c.GetState())
}

func TestExecute_RequiresConnection(t *testing.T) {
	c, _ := newUnconnectedClient(t, mock.NewMockTransport())

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpWhoAmI})
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "INVALID_STATE", stateErr.Code)
}

func TestExecute_AssignsRequestID(t *testing.T) {
	c, m := newTestClient(t, nil)

	req := &protocol.Request{Op: protocol.OpUpdate, Table: "accounts", RecordID: "a1", Fields: map[string]interface{}{"active": false}}
	_, err := c.Execute(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, req.ID)
	sent := m.RequestsFor(protocol.OpUpdate)
	require.Len(t, sent, 1)
	assert.Equal(t, req.ID, sent[0].ID)
}

func TestExecute_FaultBecomesRecordError(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return faultResponse(req, protocol.FaultValidation, "email is required"), nil
	})

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpCreate, Table: "accounts", Fields: map[string]interface{}{"name": "x"}})

	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, protocol.FaultValidation, recErr.Code)
	assert.Equal(t, protocol.OpCreate, recErr.Op)
	assert.Equal(t, "accounts", recErr.Table)
	assert.Equal(t, batch.CategoryPermanent, batch.Classify(err))

	var te *protocol.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrorCodeValidation, te.Code)
}

func TestExecute_ThrottleIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return faultResponse(req, protocol.FaultThrottled, "slow down"), nil
	})

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	require.Error(t, err)
	assert.True(t, batch.IsTransient(err))
}

func TestExecute_RejectsMismatchedResponse(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{RequestID: "someone-else", Success: true}, nil
	})

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "E_MALFORMED_RESPONSE", protoErr.Code)
}

func TestExecute_TransportFailure(t *testing.T) {
	c, m := newTestClient(t, nil)
	m.WithError(errors.New("connection reset by peer"))

	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "E_REQUEST_FAILED", recErr.Code)
	assert.True(t, batch.IsTransient(err))
}

func TestExecuteBatch(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		subs := make([]protocol.SubResponse, len(req.Requests))
		for i := range req.Requests {
			subs[i] = protocol.SubResponse{Index: i, Data: map[string]interface{}{"id": req.Requests[i].RecordID}}
		}
		return &protocol.Response{RequestID: req.ID, Success: true, Responses: subs}, nil
	})

	_, err := c.ExecuteBatch(context.Background(), &protocol.Request{Op: protocol.OpCreate})
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)

	subs, err := c.ExecuteBatch(context.Background(), &protocol.Request{
		Op: protocol.OpBatch,
		Requests: []*protocol.Request{
			{ID: "s0", Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"},
			{ID: "s1", Op: protocol.OpDelete, Table: "accounts", RecordID: "a2"},
		},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a2", subs[1].Data["id"])
}

func TestPing(t *testing.T) {
	c, m := newTestClient(t, nil)

	require.NoError(t, c.Ping(context.Background()))
	assert.Len(t, m.RequestsFor(protocol.OpWhoAmI), 2)
}

func TestRequestTimeout(t *testing.T) {
	c, m := newTestClient(t, nil)
	c.opts.RequestTimeout = 20 * time.Millisecond
	m.WithDelay(time.Second)

	start := time.Now()
	_, err := c.Execute(context.Background(), &protocol.Request{Op: protocol.OpDelete, Table: "accounts", RecordID: "a1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDebugInfo(t *testing.T) {
	c, _ := newTestClient(t, nil)
	c.EnableDebugMode()
	defer c.DisableDebugMode()

	require.NoError(t, c.Ping(context.Background()))

	info := c.GetDebugInfo()
	assert.Equal(t, "CONNECTED", info["state"])
	assert.Equal(t, true, info["debugMode"])

	transportInfo, ok := info["transport"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "acme", transportInfo["tenant"])
	assert.Equal(t, int64(2), transportInfo["totalRequests"])

	assert.Contains(t, c.DumpDebugInfoJSON(), `"templateCache"`)
}
