package batch

import "time"

// progressReporter delivers snapshots to a ProgressFunc on its own
// goroutine. The channel holds one pending snapshot; a newer snapshot
// replaces an undelivered one so publishers never block.
type progressReporter struct {
	events chan Progress
	done   chan struct{}
}

func newProgressReporter(sink ProgressFunc) *progressReporter {
	r := &progressReporter{
		events: make(chan Progress, 1),
		done:   make(chan struct{}),
	}
	go r.loop(sink)
	return r
}

func (r *progressReporter) loop(sink ProgressFunc) {
	defer close(r.done)
	for p := range r.events {
		sink(p)
	}
}

// publish must not be called concurrently or after close.
func (r *progressReporter) publish(p Progress) {
	for {
		select {
		case r.events <- p:
			return
		default:
		}
		select {
		case <-r.events:
		default:
		}
	}
}

// close stops accepting snapshots and waits for the sink to drain.
func (r *progressReporter) close() {
	close(r.events)
	<-r.done
}

// snapshot computes a Progress from running totals.
func snapshot(processed, total, currentBatch, totalBatches int, elapsed time.Duration) Progress {
	p := Progress{
		Processed:    processed,
		Total:        total,
		CurrentBatch: currentBatch,
		TotalBatches: totalBatches,
		Elapsed:      elapsed,
	}
	if elapsed > 0 && processed > 0 {
		p.Rate = float64(processed) / elapsed.Seconds()
		if remaining := total - processed; remaining > 0 {
			p.Remaining = time.Duration(float64(remaining) / p.Rate * float64(time.Second))
		}
	}
	return p
}
