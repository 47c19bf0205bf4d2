// Package pipeline runs transfers with bounded concurrency.
//
// Items are pre-filtered with transfer.Item.Validate; rejected items become
// Skipped results without reaching a worker. The rest are dispatched to a
// fixed pool of workers, each built once by Options.NewWorker so that no
// worker shares its HTTP connection pool with another.
//
// # Usage
//
//	snap := pipeline.Run(ctx, items, pipeline.Options{
//	    Workers:   25,
//	    NewWorker: func() pipeline.Transferer { ... },
//	    Reporter:  reporter,
//	})
//
// # Ordering
//
// Results are produced in completion order. Every item yields exactly one
// result: a panicking worker produces a Failed result and keeps serving.
//
// # Cancellation
//
// When ctx is cancelled the dispatcher stops handing out work; every item
// not yet dispatched becomes Skipped with transfer.ErrCancelled. In-flight
// transfers observe ctx through their own I/O.
package pipeline
