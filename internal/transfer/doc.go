// Package transfer moves a single audio file from its source URL into the
// object store.
//
// A [Worker] probes the source for its content type, derives the
// destination with [cdnkey.Deriver], streams the GET body straight into the
// store and reports exactly one [Result] per [Item]. Errors never escape a
// Worker: they are returned as Failed or Skipped results carrying a cause
// that matches one of the package sentinels.
//
// # Error kinds
//
//   - ErrValidation: empty id or source URL (Skipped)
//   - ErrProbe: metadata request failed (swallowed)
//   - ErrTransfer: non-2xx status, network error or timeout (Failed)
//   - ErrStoreWrite: the store rejected the object (Failed)
package transfer
