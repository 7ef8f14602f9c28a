package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dan-strohschein/recordkit/protocol"
)

// dispatcher submits chunks of one run.
type dispatcher struct {
	gateway Gateway
	retrier *Retrier
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics MetricsRecorder
	clock   func() time.Time
	runID   string
	kind    Kind
}

// dispatch submits chunk as one compound request and decomposes the response.
// It never returns an error; whole-chunk failures are reported in the outcome.
// A chunk cancelled before its first submission comes back skipped.
func (d *dispatcher) dispatch(ctx context.Context, chunk Chunk) chunkOutcome {
	start := d.clock()
	ctx, span := d.tracer.Start(ctx, "batch.chunk", trace.WithAttributes(
		attribute.String("batch.run_id", d.runID),
		attribute.Int("batch.chunk.index", chunk.Index),
		attribute.Int("batch.chunk.size", chunk.Size()),
	))
	defer span.End()

	compound := d.compoundRequest(chunk)
	submitted := false
	outcome := Execute(ctx, d.retrier, func(ctx context.Context) ([]protocol.SubResponse, error) {
		if d.limiter != nil {
			// Wait fails only when ctx is done or its deadline is too close.
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, ErrRunCancelled(err)
			}
		}
		submitted = true
		// The call itself is not interrupted by cancellation so a submitted
		// chunk always yields a definite answer.
		return d.gateway.ExecuteBatch(context.WithoutCancel(ctx), compound)
	})

	if !submitted && outcome.Category == CategoryCancelled {
		span.SetAttributes(attribute.Bool("batch.chunk.skipped", true))
		d.logger.Debug("chunk cancelled before submission", zap.Int("chunk", chunk.Index))
		return chunkOutcome{chunk: chunk, category: CategoryCancelled, skipped: true}
	}

	var res chunkOutcome
	if outcome.OK() {
		res = d.decompose(chunk, outcome.Value)
	} else {
		res = d.failChunk(chunk, outcome.Err, outcome.Category)
	}
	res.attempts = outcome.Attempts
	res.elapsed = d.clock().Sub(start)

	span.SetAttributes(
		attribute.Int("batch.chunk.attempts", res.attempts),
		attribute.Int("batch.chunk.succeeded", res.succeeded),
		attribute.Int("batch.chunk.failed", len(res.failures)),
	)
	if res.fatal != nil {
		span.RecordError(res.fatal)
		span.SetStatus(codes.Error, res.fatal.Message)
	}

	d.metrics.RecordChunk(d.kind, res.report())
	d.metrics.RecordRecords(d.kind, res.succeeded, len(res.failures))
	return res
}

// compoundRequest builds the request for chunk. It is built once so every
// retry resubmits identical bytes under the same idempotency key.
func (d *dispatcher) compoundRequest(chunk Chunk) *protocol.Request {
	base := d.runID + "-" + strconv.Itoa(chunk.Index)
	subs := make([]*protocol.Request, chunk.Size())
	for i, op := range chunk.Ops {
		subs[i] = op.request(base + "-" + strconv.Itoa(i))
	}
	return &protocol.Request{
		ID:              base,
		Op:              protocol.OpBatch,
		Requests:        subs,
		ContinueOnError: true,
		IdempotencyKey:  d.runID + ":" + Fingerprint(chunk.Ops),
	}
}

// Fingerprint returns a stable hash of the operations' content. Two chunks
// carrying the same operations in the same order share a fingerprint.
func Fingerprint(ops []Operation) string {
	type entry struct {
		Op      protocol.Op            `json:"op"`
		Table   string                 `json:"table"`
		ID      string                 `json:"id,omitempty"`
		Fields  map[string]interface{} `json:"fields,omitempty"`
		Columns []string               `json:"columns,omitempty"`
	}
	entries := make([]entry, len(ops))
	for i, op := range ops {
		entries[i] = entry{Op: op.kind.Op(), Table: op.table, ID: op.id, Fields: op.fields, Columns: op.columns}
	}
	// encoding/json sorts map keys, so the encoding is deterministic.
	data, err := json.Marshal(entries)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", entries))
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

func (d *dispatcher) decompose(chunk Chunk, subs []protocol.SubResponse) chunkOutcome {
	res := chunkOutcome{chunk: chunk}

	if len(subs) != chunk.Size() {
		err := protocol.ProtocolError(
			fmt.Sprintf("expected %d sub-responses, got %d", chunk.Size(), len(subs)),
			map[string]interface{}{"chunkIndex": chunk.Index},
		)
		return d.failChunk(chunk, err, CategoryPermanent)
	}

	ordered := make([]*protocol.SubResponse, chunk.Size())
	for i := range subs {
		idx := subs[i].Index
		if idx < 0 || idx >= len(ordered) || ordered[idx] != nil {
			err := protocol.ProtocolError(
				fmt.Sprintf("sub-response index %d out of range or repeated", idx),
				map[string]interface{}{"chunkIndex": chunk.Index},
			)
			return d.failChunk(chunk, err, CategoryPermanent)
		}
		ordered[idx] = &subs[i]
	}

	for i, op := range chunk.Ops {
		sub := ordered[i]
		position := chunk.Position(i)

		if !sub.Faulted() {
			res.succeeded++
			switch op.kind {
			case KindCreate:
				res.created = append(res.created, CreatedRecord{Position: position, ID: issuedID(op, sub.Data)})
			case KindRetrieve:
				res.records = append(res.records, recordAt{position: position, record: Record{
					Table:  op.table,
					ID:     op.id,
					Fields: sub.Data,
				}})
			}
			continue
		}

		cause := protocol.FaultError(sub.Fault)
		category := Classify(cause)
		if category == CategoryRecordNotFound && op.kind == KindRetrieve {
			res.notFound = append(res.notFound, referenceAt{position: position, ref: op.Ref()})
			continue
		}

		res.failures = append(res.failures, BatchError{
			BatchIndex:   chunk.Index,
			RequestIndex: i,
			Position:     position,
			Table:        op.table,
			RecordID:     op.id,
			Category:     category,
			Code:         sub.Fault.Code,
			Message:      sub.Fault.Message,
		})
	}

	if len(res.failures) > 0 {
		d.logger.Debug("chunk completed with record faults",
			zap.Int("chunk", chunk.Index),
			zap.Int("failed", len(res.failures)),
			zap.Int("succeeded", res.succeeded))
	}
	return res
}

// failChunk marks every record of chunk as failed with a shared cause.
func (d *dispatcher) failChunk(chunk Chunk, cause error, category ErrorCategory) chunkOutcome {
	res := chunkOutcome{chunk: chunk, category: category}

	recordCategory := CategoryChunkFatal
	if category == CategoryCancelled {
		recordCategory = CategoryCancelled
	}
	code := errorCode(cause, category)
	message := cause.Error()

	res.failures = make([]BatchError, chunk.Size())
	for i, op := range chunk.Ops {
		res.failures[i] = BatchError{
			BatchIndex:   chunk.Index,
			RequestIndex: i,
			Position:     chunk.Position(i),
			Table:        op.table,
			RecordID:     op.id,
			Category:     recordCategory,
			Code:         code,
			Message:      message,
		}
	}
	res.fatal = ErrChunkFailed(chunk.Index, category, cause)

	d.logger.Warn("chunk failed",
		zap.Int("chunk", chunk.Index),
		zap.Int("size", chunk.Size()),
		zap.String("category", string(category)),
		zap.Error(cause))
	return res
}

// issuedID reads the service-issued ID from a create sub-response, falling
// back to the client-chosen ID.
func issuedID(op Operation, data map[string]interface{}) string {
	for _, key := range []string{"id", "_id", "recordId"} {
		if v, ok := data[key]; ok && v != nil {
			switch id := v.(type) {
			case string:
				return id
			case float64:
				return strconv.FormatFloat(id, 'f', -1, 64)
			default:
				return fmt.Sprint(id)
			}
		}
	}
	return op.id
}
