package batch

import (
	"sort"
	"sync"
	"time"
)

// chunkOutcome is everything the dispatcher learned from one chunk.
type chunkOutcome struct {
	chunk     Chunk
	succeeded int
	failures  []BatchError
	created   []CreatedRecord
	records   []recordAt
	notFound  []referenceAt
	attempts  int
	elapsed   time.Duration
	// fatal is set when the chunk failed as a whole.
	fatal    *EngineError
	category ErrorCategory
	// skipped is set when the run was cancelled before the chunk was sent.
	// Skipped chunks are never aggregated.
	skipped bool
}

func (o chunkOutcome) report() ChunkReport {
	return ChunkReport{
		Index:     o.chunk.Index,
		Offset:    o.chunk.Offset,
		Size:      o.chunk.Size(),
		Attempts:  o.attempts,
		Succeeded: o.succeeded,
		Failed:    len(o.failures),
		NotFound:  len(o.notFound),
		Elapsed:   o.elapsed,
		Fatal:     o.fatal != nil,
		Category:  o.category,
	}
}

// aggregator folds chunk outcomes arriving in any order.
type aggregator struct {
	mu          sync.Mutex
	requested   int
	totalChunks int
	start       time.Time
	last        time.Time
	total       int
	succeeded   int
	failures    []BatchError
	created     []CreatedRecord
	records     []recordAt
	notFound    []referenceAt
	chunks      []ChunkReport
	reporter    *progressReporter
}

type recordAt struct {
	position int
	record   Record
}

type referenceAt struct {
	position int
	ref      Reference
}

func newAggregator(requested, totalChunks int, start time.Time, reporter *progressReporter) *aggregator {
	return &aggregator{
		requested:   requested,
		totalChunks: totalChunks,
		start:       start,
		reporter:    reporter,
	}
}

// add folds o into the totals and publishes a progress snapshot.
func (a *aggregator) add(o chunkOutcome, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total += o.chunk.Size()
	a.succeeded += o.succeeded
	a.failures = append(a.failures, o.failures...)
	a.created = append(a.created, o.created...)
	a.chunks = append(a.chunks, o.report())
	if now.After(a.last) {
		a.last = now
	}

	a.records = append(a.records, o.records...)
	a.notFound = append(a.notFound, o.notFound...)

	if a.reporter != nil {
		a.reporter.publish(snapshot(a.total, a.requested, len(a.chunks), a.totalChunks, now.Sub(a.start)))
	}
}

// processed returns the number of records folded so far.
func (a *aggregator) processed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// result builds the final, sorted result.
func (a *aggregator) result(runID string, kind Kind, state RunState, metadata map[string]interface{}, now time.Time) *RetrieveResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.last
	if end.IsZero() {
		end = now
	}

	failures := append([]BatchError(nil), a.failures...)
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].BatchIndex != failures[j].BatchIndex {
			return failures[i].BatchIndex < failures[j].BatchIndex
		}
		return failures[i].RequestIndex < failures[j].RequestIndex
	})

	created := append([]CreatedRecord(nil), a.created...)
	sort.Slice(created, func(i, j int) bool { return created[i].Position < created[j].Position })

	chunks := append([]ChunkReport(nil), a.chunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	res := &RetrieveResult{
		Result: Result{
			RunID:         runID,
			Kind:          kind,
			State:         state,
			Requested:     a.requested,
			Total:         a.total,
			SuccessCount:  a.succeeded,
			NotFoundCount: len(a.notFound),
			Failures:      failures,
			Created:       created,
			Chunks:        chunks,
			Elapsed:       end.Sub(a.start),
			Metadata:      metadata,
		},
	}

	if kind == KindRetrieve {
		recs := append([]recordAt(nil), a.records...)
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].position < recs[j].position })
		res.Records = make([]Record, 0, len(recs))
		for _, r := range recs {
			res.Records = append(res.Records, r.record)
		}

		missing := append([]referenceAt(nil), a.notFound...)
		sort.SliceStable(missing, func(i, j int) bool { return missing[i].position < missing[j].position })
		for _, m := range missing {
			res.NotFound = append(res.NotFound, m.ref)
		}
	}

	return res
}
