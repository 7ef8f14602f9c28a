// Package batch runs large collections of record operations against the
// record service as bounded compound requests.
//
// A run validates its input, partitions the operations into chunks of at
// most the configured batch size, submits each chunk as one compound request
// through a retrying executor, and folds the per-record outcomes into a
// single Result. Faults reported for individual sub-operations never abort a
// run; a chunk that cannot be submitted at all marks every record in it as
// failed and aborts the run only when ContinueOnError is false.
//
// Basic usage:
//
//	engine := batch.NewEngine(gateway, batch.WithDefaults(batch.Defaults{BatchSize: 200}))
//	result, err := engine.Run(ctx, batch.KindCreate, records, &batch.Config{
//	    ReportProgress: true,
//	    OnProgress: func(p batch.Progress) {
//	        log.Printf("%d/%d records", p.Processed, p.Total)
//	    },
//	})
//
// Cancelling ctx stops new chunks from being submitted; chunks already in
// flight complete and are included in the returned result.
package batch
