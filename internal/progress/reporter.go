package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/cdnmigrate/internal/outcome"
	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// Options configures the progress reporter.
type Options struct {
	// Total is the number of input items.
	Total int

	// Workers is the number of parallel workers.
	Workers int

	// Destination is the store being written to (for display).
	Destination string

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to print a status line. Zero disables the
	// periodic line; per-item lines are always printed.
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress information. Its methods are safe
// for concurrent use.
type Reporter struct {
	opts Options

	mu      sync.Mutex // serializes writes and guards stopped
	stopped bool

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	bytes      atomic.Int64

	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return &Reporter{
		opts:      opts,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start prints the header and begins the periodic status line.
func (r *Reporter) Start() {
	r.startTime = time.Now()
	r.printf("[cdnmigrate] Migrating %d items to %s | Workers: %d\n",
		r.opts.Total, r.opts.Destination, r.opts.Workers)

	if r.opts.UpdateInterval <= 0 {
		close(r.doneCh)
		return
	}
	go r.updateLoop()
}

// Stop ends the periodic status line and waits for it to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// Dispatched records an item handed to a worker.
func (r *Reporter) Dispatched(it transfer.Item) {
	n := r.dispatched.Add(1)
	r.printf("[cdnmigrate] [%d/%d] id=%s %s\n", n, r.opts.Total, it.ID, it.SourceURL)
}

// Uploading records the destination an item is being written to.
func (r *Reporter) Uploading(id, location string) {
	r.printf("[upload] id=%s -> %s\n", id, location)
}

// Finished records a settled item and prints one line naming its id.
func (r *Reporter) Finished(res transfer.Result) {
	switch res.Kind {
	case transfer.KindSucceeded:
		r.succeeded.Add(1)
		r.bytes.Add(res.Bytes)
		r.printf("[cdnmigrate] OK id=%s -> %s\n", res.ID, res.DestinationURL)
	case transfer.KindFailed:
		r.failed.Add(1)
		r.printf("[cdnmigrate] ERROR id=%s row=%d: %s\n", res.ID, res.Row, res.Reason())
	default:
		r.skipped.Add(1)
		r.printf("[cdnmigrate] SKIP id=%s row=%d: %s\n", res.ID, res.Row, res.Reason())
	}
}

// Summary prints the final tally for s.
func (r *Reporter) Summary(s outcome.Snapshot) {
	duration := time.Since(r.startTime)
	r.printf("[cdnmigrate] Summary: success=%d failed=%d skipped=%d submitted=%d\n",
		len(s.Successes), len(s.Failures), s.Skipped, s.Submitted)
	r.printf("[cdnmigrate] Transferred %s in %s\n",
		FormatBytes(r.bytes.Load()), formatDuration(duration))
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.printStatus()
		}
	}
}

func (r *Reporter) printStatus() {
	ok := r.succeeded.Load()
	failed := r.failed.Load()
	inFlight := max(r.dispatched.Load()-ok-failed, 0)
	done := ok + failed + r.skipped.Load()

	var percent float64
	if r.opts.Total > 0 {
		percent = float64(done) / float64(r.opts.Total) * 100
	}

	r.printf("[cdnmigrate] Progress: %.1f%% | %d ok | %d failed | %d in-flight | %s | %s\n",
		percent, ok, failed, inFlight,
		FormatBytes(r.bytes.Load()),
		formatDuration(time.Since(r.startTime)),
	)
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.opts.Output, format, args...)
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
