package batch

import (
	"sort"
	"time"
)

// CreatedRecord maps a create operation to the ID the service issued.
type CreatedRecord struct {
	Position int    `json:"position"`
	ID       string `json:"id"`
}

// ChunkReport summarizes one dispatched chunk.
type ChunkReport struct {
	Index     int           `json:"index"`
	Offset    int           `json:"offset"`
	Size      int           `json:"size"`
	Attempts  int           `json:"attempts"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	NotFound  int           `json:"notFound,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Fatal     bool          `json:"fatal"`
	Category  ErrorCategory `json:"category,omitempty"`
}

// Result is the outcome of a run. SuccessCount counts records the service
// answered without a fault and NotFoundCount the retrieve targets it reported
// absent. SuccessCount + FailureCount() + NotFoundCount == Total always holds;
// Total == Requested once the run completed.
type Result struct {
	RunID         string                 `json:"runId"`
	Kind          Kind                   `json:"kind"`
	State         RunState               `json:"state"`
	Requested     int                    `json:"requested"`
	Total         int                    `json:"total"`
	SuccessCount  int                    `json:"successCount"`
	NotFoundCount int                    `json:"notFoundCount,omitempty"`
	Failures      []BatchError           `json:"failures,omitempty"`
	Created       []CreatedRecord        `json:"created,omitempty"`
	Chunks        []ChunkReport          `json:"chunks"`
	Elapsed       time.Duration          `json:"elapsed"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// FailureCount returns the number of failed records.
func (r *Result) FailureCount() int {
	return len(r.Failures)
}

// Succeeded reports whether the run completed without a single failure.
func (r *Result) Succeeded() bool {
	return r.State == StateCompleted && len(r.Failures) == 0
}

// FailedPositions returns the input positions of failed records in ascending order.
func (r *Result) FailedPositions() []int {
	positions := make([]int, 0, len(r.Failures))
	for _, f := range r.Failures {
		positions = append(positions, f.Position)
	}
	sort.Ints(positions)
	return positions
}

// UnprocessedPositions returns the input positions never submitted because
// the run was aborted or cancelled.
func (r *Result) UnprocessedPositions() []int {
	processed := make([]bool, r.Requested)
	for _, c := range r.Chunks {
		for i := c.Offset; i < c.Offset+c.Size && i < r.Requested; i++ {
			processed[i] = true
		}
	}
	var out []int
	for i, done := range processed {
		if !done {
			out = append(out, i)
		}
	}
	return out
}

// Resubmit returns the operations that should be sent again: failed records
// followed by the unprocessed ones, in input order. ops must be the run input.
func (r *Result) Resubmit(ops []Operation) []Operation {
	positions := append(r.FailedPositions(), r.UnprocessedPositions()...)
	sort.Ints(positions)

	out := make([]Operation, 0, len(positions))
	for _, p := range positions {
		if p >= 0 && p < len(ops) {
			out = append(out, ops[p])
		}
	}
	return out
}

// CreatedID returns the issued ID for the create at position.
func (r *Result) CreatedID(position int) (string, bool) {
	i := sort.Search(len(r.Created), func(i int) bool { return r.Created[i].Position >= position })
	if i < len(r.Created) && r.Created[i].Position == position {
		return r.Created[i].ID, true
	}
	return "", false
}

// RetrieveResult is the outcome of a retrieve run.
type RetrieveResult struct {
	Result
	Records  []Record    `json:"records"`
	NotFound []Reference `json:"notFound,omitempty"`
}

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	Processed    int           `json:"processed"`
	Total        int           `json:"total"`
	CurrentBatch int           `json:"currentBatch"`
	TotalBatches int           `json:"totalBatches"`
	Elapsed      time.Duration `json:"elapsed"`
	Rate         float64       `json:"rate"`
	Remaining    time.Duration `json:"remaining"`
}

// Percent returns completion in the range 0..100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Processed) * 100 / float64(p.Total)
}
