// Package http provides the HTTP client used to fetch source audio files.
//
// This package handles:
//   - Metadata probes (HEAD) to learn the source content type
//   - Streaming GETs with separate connect and read timeouts
//   - Retry with exponential backoff for server errors
//   - Typed status errors that match the package sentinels via errors.Is
//
// A Client owns its own http.Transport. Create one Client per worker so that
// keep-alive pools are never shared between concurrent workers.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//	defer client.Close()
//
//	info, err := client.Probe(ctx, url) // info.ContentType
//
//	resp, err := client.Get(ctx, url)
//	defer resp.Body.Close()
//
// # Timeouts
//
// Connect bounds dialing the source. Read bounds the wait for response
// headers and every gap between body reads; a stalled body fails with
// ErrTimeout instead of hanging the worker.
package http
