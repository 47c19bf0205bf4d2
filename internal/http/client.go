package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
	ErrTimeout      = errors.New("http: read timeout")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http: unexpected status %s", e.Status)
	}
	return fmt.Sprintf("http: unexpected status %d", e.Code)
}

// Is reports whether target is the sentinel matching this status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrServerError:
		return e.Code >= 500
	}
	return false
}

// Timeouts bounds a single request.
type Timeouts struct {
	// Connect bounds establishing the TCP/TLS connection.
	Connect time.Duration

	// Read bounds waiting for headers and each gap between body reads.
	Read time.Duration
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 4
	MaxIdleConnsPerHost int

	// Probe applies to HEAD requests.
	// Default: 5s connect, 15s read
	Probe Timeouts

	// Fetch applies to GET requests.
	// Default: 15s connect, 120s read
	Fetch Timeouts

	// RetryAttempts is the maximum number of retries for a GET.
	// Default: 2
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 4,
		Probe:               Timeouts{Connect: 5 * time.Second, Read: 15 * time.Second},
		Fetch:               Timeouts{Connect: 15 * time.Second, Read: 120 * time.Second},
		RetryAttempts:       2,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "cdnmigrate/1.0",
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Response is a streaming GET response. Body must be closed.
type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

type timeoutsKey struct{}

// Client is an HTTP client for fetching source files. It is safe for
// concurrent use, but is meant to be owned by a single worker.
type Client struct {
	client    *http.Client
	transport *http.Transport
	opts      Options
}

// NewClient creates a new HTTP client with its own connection pool.
func NewClient(opts Options) *Client {
	c := &Client{opts: opts}
	c.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         c.dial,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: opts.Fetch.Connect,
		ForceAttemptHTTP2:   true,
	}
	c.client = &http.Client{Transport: c.transport}
	return c
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// dial applies the connect timeout carried by the request context.
func (c *Client) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.Fetch.Connect, KeepAlive: 30 * time.Second}
	if t, ok := ctx.Value(timeoutsKey{}).(Timeouts); ok && t.Connect > 0 {
		d.Timeout = t.Connect
	}
	return d.DialContext(ctx, network, addr)
}

// Probe performs a HEAD request to learn the file's metadata. Probes are not
// retried.
func (c *Client) Probe(ctx context.Context, url string) (*FileInfo, error) {
	resp, release, err := c.do(ctx, http.MethodHead, url, c.opts.Probe)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	release()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:        resp.ContentLength,
		ETag:        cleanETag(resp.Header.Get("ETag")),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Get performs a streaming GET. Server errors and connection failures are
// retried before any body byte is handed to the caller.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, release, err := c.do(ctx, http.MethodGet, url, c.opts.Fetch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		if err := checkStatus(resp); err != nil {
			resp.Body.Close()
			release()
			if errors.Is(err, ErrServerError) {
				lastErr = err
				continue
			}
			return nil, err
		}

		return &Response{
			Body:          &idleReader{rc: resp.Body, release: release},
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
		}, nil
	}

	if c.opts.RetryAttempts == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("get request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// do sends a request whose lifetime is bounded by t. The returned release
// function arms the read timeout for body reads; it must be called exactly
// once, either through idleReader.Close or directly.
func (c *Client) do(ctx context.Context, method, url string, t Timeouts) (*http.Response, func(), error) {
	ctx = context.WithValue(ctx, timeoutsKey{}, t)
	ctx, cancel := context.WithCancel(ctx)

	w := &watchdog{cancel: cancel, read: t.Read}
	w.arm(t.Connect + t.Read)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		w.stop()
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		fired := w.stop()
		if fired {
			return nil, nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, url)
		}
		return nil, nil, err
	}

	w.arm(t.Read)
	resp.Body = &watchedBody{ReadCloser: resp.Body, w: w}
	return resp, func() { w.stop() }, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// watchdog cancels a request when no progress happens within its window.
type watchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	read   time.Duration
	fired  atomic.Bool
	done   bool
}

func (w *watchdog) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || d <= 0 {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() {
		w.fired.Store(true)
		w.cancel()
	})
}

func (w *watchdog) kick() {
	w.arm(w.read)
}

// stop disarms the watchdog, cancels the request context and reports
// whether the timeout had fired.
func (w *watchdog) stop() bool {
	w.mu.Lock()
	if !w.done {
		w.done = true
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	w.mu.Unlock()
	w.cancel()
	return w.fired.Load()
}

// watchedBody resets the read timeout on every read.
type watchedBody struct {
	io.ReadCloser
	w *watchdog
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && b.w.fired.Load() {
		return n, fmt.Errorf("%w: no data for %s", ErrTimeout, b.w.read)
	}
	b.w.kick()
	return n, err
}

// idleReader closes the body and disarms its watchdog.
type idleReader struct {
	rc      io.ReadCloser
	release func()
	once    sync.Once
}

func (r *idleReader) Read(p []byte) (int, error) {
	return r.rc.Read(p)
}

func (r *idleReader) Close() error {
	err := r.rc.Close()
	r.once.Do(r.release)
	return err
}

// checkStatus returns a *StatusError for non-success responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}
