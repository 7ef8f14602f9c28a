package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/recordkit/protocol"
)

var accountsTable = map[string]interface{}{
	"name":       "accounts",
	"primaryKey": "id",
	"columns": []interface{}{
		map[string]interface{}{"name": "id", "type": "STRING", "required": true},
		map[string]interface{}{"name": "email", "type": "STRING", "required": true},
		map[string]interface{}{"name": "balance", "type": "INT"},
		map[string]interface{}{"name": "active", "type": "BOOLEAN", "defaultValue": true},
		map[string]interface{}{"name": "created_at", "type": "DATETIME"},
	},
}

func TestCreate_ReturnsIssuedID(t *testing.T) {
	c, m := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return okResponse(req, map[string]interface{}{"id": "acct-7"}), nil
	})

	id, err := c.Create(context.Background(), "accounts", map[string]interface{}{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "acct-7", id)

	sent := m.RequestsFor(protocol.OpCreate)
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].IdempotencyKey)
	assert.Equal(t, "a@example.com", sent[0].Fields["email"])
}

func TestCreate_RetriesUnderSameKey(t *testing.T) {
	var calls atomic.Int32
	c, m := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		if calls.Add(1) == 1 {
			return faultResponse(req, protocol.FaultThrottled, "slow down"), nil
		}
		return okResponse(req, map[string]interface{}{"id": "acct-8"}), nil
	})

	id, err := c.Create(context.Background(), "accounts", map[string]interface{}{"email": "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "acct-8", id)

	sent := m.RequestsFor(protocol.OpCreate)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].ID, sent[1].ID)
	assert.Equal(t, sent[0].IdempotencyKey, sent[1].IdempotencyKey)
}

func TestCreate_Rejections(t *testing.T) {
	c, _ := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return okResponse(req, map[string]interface{}{"status": "ok"}), nil
	})

	_, err := c.Create(context.Background(), "accounts", nil)
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "E_INVALID_RECORD", recErr.Code)

	_, err = c.Create(context.Background(), "accounts", map[string]interface{}{"email": "c@example.com"})
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRetrieve_MapsColumnTypes(t *testing.T) {
	c, m := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		switch req.Op {
		case protocol.OpDescribeTable:
			return okResponse(req, accountsTable), nil
		case protocol.OpRetrieve:
			return okResponse(req, map[string]interface{}{
				"id":         req.RecordID,
				"balance":    float64(1250),
				"active":     "false",
				"created_at": "2024-03-01T12:30:00Z",
			}), nil
		}
		return okResponse(req, nil), nil
	})

	record, err := c.Retrieve(context.Background(), "accounts", "acct-1", "balance", "active", "created_at")
	require.NoError(t, err)

	assert.Equal(t, "acct-1", record["id"])
	assert.Equal(t, int64(1250), record["balance"])
	assert.Equal(t, false, record["active"])
	createdAt, ok := record["created_at"].(time.Time)
	require.True(t, ok, "created_at is %T", record["created_at"])
	assert.True(t, createdAt.Equal(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)))

	sent := m.RequestsFor(protocol.OpRetrieve)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"balance", "active", "created_at"}, sent[0].Columns)
}

func TestRetrieve_NotFoundIsNotRetried(t *testing.T) {
	c, m := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return faultResponse(req, protocol.FaultNotFound, "no such record"), nil
	})

	_, err := c.Retrieve(context.Background(), "accounts", "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Len(t, m.RequestsFor(protocol.OpRetrieve), 1)
}

func TestUpdateAndDelete(t *testing.T) {
	c, m := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Update(ctx, "accounts", "acct-1", map[string]interface{}{"balance": 10}))
	require.NoError(t, c.Delete(ctx, "accounts", "acct-1"))

	updates := m.RequestsFor(protocol.OpUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "acct-1", updates[0].RecordID)
	assert.Len(t, m.RequestsFor(protocol.OpDelete), 1)

	assert.Error(t, c.Update(ctx, "accounts", "", map[string]interface{}{"balance": 10}))
	assert.Error(t, c.Update(ctx, "accounts", "acct-1", nil))
	assert.Error(t, c.Delete(ctx, "accounts", ""))
}

func TestSingleRecordRetriesExhausted(t *testing.T) {
	c, m := newTestClient(t, func(req *protocol.Request) (*protocol.Response, error) {
		return faultResponse(req, protocol.FaultServerBusy, "busy"), nil
	})

	err := c.Delete(context.Background(), "accounts", "acct-1")
	require.Error(t, err)
	assert.Len(t, m.RequestsFor(protocol.OpDelete), c.opts.MaxRetries+1)
}
