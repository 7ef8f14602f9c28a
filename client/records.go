package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/mapper"
	"github.com/dan-strohschein/recordkit/protocol"
)

// IsNotFound reports whether err is a record-not-found fault.
func IsNotFound(err error) bool {
	var te *protocol.TransportError
	return errors.As(err, &te) && te.Code == protocol.ErrorCodeNotFound
}

// Create creates one record and returns the ID the service issued. A
// transient failure is retried under the same idempotency key.
func (c *Client) Create(ctx context.Context, table string, fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "", ErrInvalidRecord(table, []string{"create requires at least one field"})
	}
	req := &protocol.Request{
		Op:             protocol.OpCreate,
		Table:          table,
		Fields:         fields,
		IdempotencyKey: uuid.NewString(),
	}
	resp, err := c.executeWithRetry(ctx, req)
	if err != nil {
		return "", err
	}

	data, _ := resp.Data.(map[string]interface{})
	for _, key := range []string{"id", "_id", "recordId"} {
		if id, ok := data[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", ErrMalformedResponse(protocol.OpCreate, "create response carries no record id")
}

// Retrieve fetches one record. With columns only those fields are returned.
// Values are mapped to the declared column types when the table
// definition is available.
func (c *Client) Retrieve(ctx context.Context, table, id string, columns ...string) (map[string]interface{}, error) {
	if id == "" {
		return nil, ErrInvalidRecord(table, []string{"retrieve requires a record id"})
	}
	resp, err := c.executeWithRetry(ctx, &protocol.Request{
		Op:       protocol.OpRetrieve,
		Table:    table,
		RecordID: id,
		Columns:  columns,
	})
	if err != nil {
		return nil, err
	}

	record, ok := resp.Data.(map[string]interface{})
	if !ok {
		return nil, ErrMalformedResponse(protocol.OpRetrieve, "retrieve response is not a record")
	}

	def, err := c.DescribeTable(ctx, table)
	if err != nil {
		c.logger.Debug("returning unmapped record", String("table", table), Error("error", err))
		return record, nil
	}
	return mapper.NewResponseMapper().MapRecord(record, def.ColumnTypes())
}

// Update replaces the given fields of an existing record.
func (c *Client) Update(ctx context.Context, table, id string, fields map[string]interface{}) error {
	if id == "" || len(fields) == 0 {
		return ErrInvalidRecord(table, []string{"update requires a record id and at least one field"})
	}
	_, err := c.executeWithRetry(ctx, &protocol.Request{
		Op:       protocol.OpUpdate,
		Table:    table,
		RecordID: id,
		Fields:   fields,
	})
	return err
}

// Delete deletes one record.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	if id == "" {
		return ErrInvalidRecord(table, []string{"delete requires a record id"})
	}
	_, err := c.executeWithRetry(ctx, &protocol.Request{
		Op:       protocol.OpDelete,
		Table:    table,
		RecordID: id,
	})
	return err
}

// executeWithRetry sends req, retrying transient failures with the client
// retry policy. Every attempt reuses the request ID.
func (c *Client) executeWithRetry(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	retrier := batch.NewRetrier(c.retryPolicy(),
		batch.WithSleepFunc(c.sleep),
		batch.WithRetryLogger(c.logger.Zap()),
		batch.WithRetryHook(func(attempt int, err error, category batch.ErrorCategory, delay time.Duration) {
			c.logger.Debug("retrying request",
				String("op", string(req.Op)),
				String("table", req.Table),
				Int("attempt", attempt),
				String("category", string(category)),
				Duration("backoff", delay),
				Error("error", err))
		}))

	outcome := batch.Execute(ctx, retrier, func(ctx context.Context) (*protocol.Response, error) {
		return c.Execute(ctx, req)
	})
	return outcome.Value, outcome.Err
}
