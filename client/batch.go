package client

import (
	"context"

	"github.com/dan-strohschein/recordkit/batch"
)

// Engine returns the batch engine bound to this client. It is built on
// first use from BatchDefaults, Metrics and TracerProvider.
func (c *Client) Engine() *batch.Engine {
	c.engineOnce.Do(func() {
		opts := []batch.Option{
			batch.WithDefaults(c.opts.BatchDefaults),
			batch.WithLogger(c.logger.Zap()),
			batch.WithBackoffSleep(c.sleep),
		}
		if c.opts.Metrics != nil {
			opts = append(opts, batch.WithMetrics(c.opts.Metrics))
		}
		if c.opts.TracerProvider != nil {
			opts = append(opts, batch.WithTracerProvider(c.opts.TracerProvider))
		}
		c.engine = batch.NewEngine(c, opts...)
	})
	return c.engine
}

// RunBatch applies one operation kind to every record. The client must be
// connected; per-record failures are reported on the result, not as an error.
func (c *Client) RunBatch(ctx context.Context, kind batch.Kind, records []batch.Record, cfg *batch.Config) (*batch.Result, error) {
	if state := c.GetState(); state != CONNECTED {
		return nil, ErrInvalidState("RunBatch", CONNECTED, state)
	}
	return c.Engine().Run(ctx, kind, records, cfg)
}

// RunOperations runs a mixed list of operations.
func (c *Client) RunOperations(ctx context.Context, ops []batch.Operation, cfg *batch.Config) (*batch.Result, error) {
	if state := c.GetState(); state != CONNECTED {
		return nil, ErrInvalidState("RunOperations", CONNECTED, state)
	}
	return c.Engine().RunOperations(ctx, ops, cfg)
}

// RunBatchRetrieve fetches every referenced record. Missing records are
// listed in NotFound.
func (c *Client) RunBatchRetrieve(ctx context.Context, refs []batch.Reference, columns []string, cfg *batch.Config) (*batch.RetrieveResult, error) {
	if state := c.GetState(); state != CONNECTED {
		return nil, ErrInvalidState("RunBatchRetrieve", CONNECTED, state)
	}
	return c.Engine().RunRetrieve(ctx, refs, columns, cfg)
}
