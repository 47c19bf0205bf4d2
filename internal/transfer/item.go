package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds.
var (
	ErrValidation = errors.New("missing id or source url")
	ErrProbe      = errors.New("probe failed")
	ErrTransfer   = errors.New("transfer failed")
	ErrStoreWrite = errors.New("store write failed")
	ErrCancelled  = errors.New("cancelled before dispatch")
	ErrPanic      = errors.New("worker panic")
)

// Item is one record whose audio file should be migrated.
type Item struct {
	ID        string
	Title     string
	SourceURL string

	// Row is the 1-based input row, for reporting.
	Row int
}

// Validate reports whether the item can be dispatched. The pipeline uses it
// as a pre-filter and the worker checks it again before doing any I/O.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" || strings.TrimSpace(it.SourceURL) == "" {
		return ErrValidation
	}
	return nil
}

// Kind classifies a Result.
type Kind int

const (
	KindSucceeded Kind = iota
	KindFailed
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of one Item.
type Result struct {
	Kind      Kind
	ID        string
	Row       int
	SourceURL string

	// Key and DestinationURL are set once the destination is derived, so a
	// failed upload still reports where it was headed.
	Key            string
	DestinationURL string

	// Err is the cause for Failed and Skipped results.
	Err error

	Bytes    int64
	Duration time.Duration
}

// Reason returns a human-readable cause, or "" for successes.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Succeeded builds a success result.
func Succeeded(it Item, key, url string, n int64) Result {
	return Result{Kind: KindSucceeded, ID: it.ID, Row: it.Row, SourceURL: it.SourceURL, Key: key, DestinationURL: url, Bytes: n}
}

// Failed builds a failure result.
func Failed(it Item, err error) Result {
	return Result{Kind: KindFailed, ID: it.ID, Row: it.Row, SourceURL: it.SourceURL, Err: err}
}

// Skipped builds a skip result.
func Skipped(it Item, err error) Result {
	return Result{Kind: KindSkipped, ID: it.ID, Row: it.Row, SourceURL: it.SourceURL, Err: err}
}
