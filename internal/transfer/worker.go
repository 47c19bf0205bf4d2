package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cdnhttp "github.com/ligustah/cdnmigrate/internal/http"
	"github.com/ligustah/cdnmigrate/internal/store"
	"github.com/ligustah/cdnmigrate/pkg/cdnkey"
)

// Fetcher retrieves source files. *cdnhttp.Client implements it.
type Fetcher interface {
	Probe(ctx context.Context, url string) (*cdnhttp.FileInfo, error)
	Get(ctx context.Context, url string) (*cdnhttp.Response, error)
}

// Observer is notified right before bytes start flowing into the store.
type Observer interface {
	Uploading(id, location string)
}

// Options configures a Worker.
type Options struct {
	Deriver cdnkey.Deriver

	// NoProbe skips the HEAD request; the extension then comes from the URL
	// or the default.
	NoProbe bool

	// CacheControl is set on every object.
	// Default: cdnkey.CacheControl
	CacheControl string

	Observer Observer
	Logger   *slog.Logger
}

// Worker transfers items one at a time. A Worker is not shared between
// goroutines; its Fetcher owns the worker's connection pool.
type Worker struct {
	fetch Fetcher
	store store.Store
	opts  Options
}

// NewWorker creates a worker writing to s.
func NewWorker(f Fetcher, s store.Store, opts Options) *Worker {
	if opts.CacheControl == "" {
		opts.CacheControl = cdnkey.CacheControl
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{fetch: f, store: s, opts: opts}
}

// Close releases the worker's idle connections.
func (w *Worker) Close() {
	if c, ok := w.fetch.(interface{ Close() }); ok {
		c.Close()
	}
}

// Transfer fetches one item and uploads it. It always returns a Result.
func (w *Worker) Transfer(ctx context.Context, it Item) (res Result) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if err := it.Validate(); err != nil {
		return Skipped(it, err)
	}
	id := strings.TrimSpace(it.ID)
	src := strings.TrimSpace(it.SourceURL)

	var probed string
	if !w.opts.NoProbe {
		info, err := w.fetch.Probe(ctx, src)
		if err != nil {
			w.opts.Logger.Debug("probe failed", "id", id, "error", fmt.Errorf("%w: %w", ErrProbe, err))
		} else {
			probed = info.ContentType
		}
	}

	dest := w.opts.Deriver.Derive(id, strings.TrimSpace(it.Title), src, probed)

	fail := func(kind, err error) Result {
		r := Failed(it, fmt.Errorf("%w: %w", kind, err))
		r.Key = dest.Key
		r.DestinationURL = dest.URL
		return r
	}

	resp, err := w.fetch.Get(ctx, src)
	if err != nil {
		return fail(ErrTransfer, err)
	}
	defer resp.Body.Close()

	resolved := cdnkey.MediaType(resp.ContentType)
	if resolved == "" {
		resolved = cdnkey.MediaType(probed)
	}
	contentType := cdnkey.ContentType(resolved, dest.Filename)

	if w.opts.Observer != nil {
		w.opts.Observer.Uploading(id, w.store.Location(dest.Key))
	}

	body := &errTrackingReader{r: resp.Body}
	n, err := w.store.Put(ctx, dest.Key, body, store.PutOptions{
		ContentType:  contentType,
		CacheControl: w.opts.CacheControl,
		Size:         resp.ContentLength,
	})
	if err != nil {
		// A failed read of the source surfaces through Put; classify it as a
		// transfer fault rather than a store rejection.
		if body.err != nil {
			return fail(ErrTransfer, body.err)
		}
		return fail(ErrStoreWrite, err)
	}

	w.opts.Logger.Debug("uploaded", "id", id, "key", dest.Key, "bytes", n, "content_type", contentType)
	return Succeeded(Item{ID: id, Title: it.Title, SourceURL: src, Row: it.Row}, dest.Key, dest.URL, n)
}

// errTrackingReader remembers the first non-EOF read error.
type errTrackingReader struct {
	r   io.Reader
	err error
}

func (e *errTrackingReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && e.err == nil && !errors.Is(err, io.EOF) {
		e.err = err
	}
	return n, err
}
