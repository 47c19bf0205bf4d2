package store

import (
	"context"
	"errors"
	"fmt"
)

// VerifyResult contains the results of checking a set of keys.
type VerifyResult struct {
	Valid   bool     // true if every key exists and is non-empty
	Checked int      // number of keys checked
	Missing []string // keys with no object
	Empty   []string // keys whose object has zero bytes
	Errors  []string // detailed messages
}

// Verify checks that every key exists in s without downloading any data.
//
// Missing or empty objects are NOT returned as errors; they are reported in
// the VerifyResult with Valid=false. An error is returned only when the store
// cannot be queried or ctx is cancelled.
func Verify(ctx context.Context, s Store, keys []string) (*VerifyResult, error) {
	result := &VerifyResult{Valid: true}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Checked++

		info, err := s.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotExist) {
				result.Valid = false
				result.Missing = append(result.Missing, key)
				result.Errors = append(result.Errors, fmt.Sprintf("missing: %s", s.Location(key)))
				continue
			}
			return nil, fmt.Errorf("store: verify %s: %w", key, err)
		}

		if info.Size == 0 {
			result.Valid = false
			result.Empty = append(result.Empty, key)
			result.Errors = append(result.Errors, fmt.Sprintf("empty: %s", s.Location(key)))
		}
	}

	return result, nil
}
