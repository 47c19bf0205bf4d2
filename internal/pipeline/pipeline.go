package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ligustah/cdnmigrate/internal/outcome"
	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// DefaultWorkers is the pool size used when Options.Workers is not positive.
const DefaultWorkers = 25

// Transferer processes one item. *transfer.Worker implements it.
type Transferer interface {
	Transfer(ctx context.Context, it transfer.Item) transfer.Result
}

// Reporter receives progress events. Methods may be called concurrently.
type Reporter interface {
	Dispatched(it transfer.Item)
	Finished(r transfer.Result)
}

// Options configures the pipeline.
type Options struct {
	// Workers is the number of concurrent transfers.
	Workers int

	// NewWorker builds the Transferer for one pool goroutine. It is called
	// once per goroutine. If the returned value has a Close method it is
	// called when the goroutine exits.
	NewWorker func() Transferer

	// RateLimit caps dispatches per second. Zero means unlimited.
	RateLimit rate.Limit

	// Burst is the limiter burst size.
	// Default: 1
	Burst int

	// Reporter is an optional progress reporter.
	Reporter Reporter

	Logger *slog.Logger
}

// Stream dispatches items as they arrive on in and returns results in
// completion order. The returned channel is closed after in is closed and
// every item has produced its result.
func Stream(ctx context.Context, in <-chan transfer.Item, opts Options) <-chan transfer.Result {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	jobs := make(chan transfer.Item)
	results := make(chan transfer.Result, opts.Workers)

	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := opts.NewWorker()
			if c, ok := w.(interface{ Close() }); ok {
				defer c.Close()
			}
			for it := range jobs {
				results <- safeTransfer(ctx, w, it)
			}
		}()
	}

	// Feed jobs to workers
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for it := range in {
			if err := it.Validate(); err != nil {
				results <- transfer.Skipped(it, err)
				continue
			}
			if ctx.Err() != nil {
				results <- transfer.Skipped(it, transfer.ErrCancelled)
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					results <- transfer.Skipped(it, transfer.ErrCancelled)
					continue
				}
			}
			select {
			case jobs <- it:
				if opts.Reporter != nil {
					opts.Reporter.Dispatched(it)
				}
			case <-ctx.Done():
				results <- transfer.Skipped(it, transfer.ErrCancelled)
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// Run processes items and returns the partitioned outcome once every item
// has settled.
func Run(ctx context.Context, items []transfer.Item, opts Options) outcome.Snapshot {
	in := make(chan transfer.Item)
	go func() {
		defer close(in)
		for _, it := range items {
			in <- it
		}
	}()

	var p outcome.Partitioner
	for r := range Stream(ctx, in, opts) {
		p.Observe(r)
		if opts.Reporter != nil {
			opts.Reporter.Finished(r)
		}
	}
	return p.Snapshot()
}

// safeTransfer turns a worker panic into a Failed result.
func safeTransfer(ctx context.Context, w Transferer, it transfer.Item) (res transfer.Result) {
	defer func() {
		if v := recover(); v != nil {
			res = transfer.Failed(it, fmt.Errorf("%w: %v", transfer.ErrPanic, v))
		}
	}()
	return w.Transfer(ctx, it)
}
