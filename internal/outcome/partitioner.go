// Package outcome accumulates transfer results into success, failure and
// skip buckets.
package outcome

import (
	"sync"

	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// Snapshot is a point-in-time copy of the buckets.
type Snapshot struct {
	Successes []transfer.Result
	Failures  []transfer.Result
	Skips     []transfer.Result

	// Submitted counts dispatched items: len(Successes) + len(Failures).
	Submitted int

	// Skipped counts items rejected before dispatch: len(Skips).
	Skipped int
}

// Total is the number of results observed.
func (s Snapshot) Total() int {
	return s.Submitted + s.Skipped
}

// Update is one row for settlement.
type Update struct {
	ID  string
	URL string
}

// Updates returns the settlement input for every success, in arrival order.
func (s Snapshot) Updates() []Update {
	updates := make([]Update, 0, len(s.Successes))
	for _, r := range s.Successes {
		updates = append(updates, Update{ID: r.ID, URL: r.DestinationURL})
	}
	return updates
}

// Partitioner routes results into buckets as they arrive. It is safe for
// concurrent use and the final buckets do not depend on arrival order beyond
// the order within each bucket.
type Partitioner struct {
	mu   sync.Mutex
	snap Snapshot
}

// Observe records one result in the bucket named by its Kind.
func (p *Partitioner) Observe(r transfer.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.Kind {
	case transfer.KindSucceeded:
		p.snap.Successes = append(p.snap.Successes, r)
		p.snap.Submitted++
	case transfer.KindFailed:
		p.snap.Failures = append(p.snap.Failures, r)
		p.snap.Submitted++
	default:
		p.snap.Skips = append(p.snap.Skips, r)
		p.snap.Skipped++
	}
}

// Snapshot returns a copy of the current buckets.
func (p *Partitioner) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Successes: append([]transfer.Result(nil), p.snap.Successes...),
		Failures:  append([]transfer.Result(nil), p.snap.Failures...),
		Skips:     append([]transfer.Result(nil), p.snap.Skips...),
		Submitted: p.snap.Submitted,
		Skipped:   p.snap.Skipped,
	}
}
