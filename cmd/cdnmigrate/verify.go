package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	cdnhttp "github.com/ligustah/cdnmigrate/internal/http"
	"github.com/ligustah/cdnmigrate/internal/store"
)

// runVerify checks that the destination of every valid row exists in the
// bucket.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cf := registerConfigFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cdnmigrate verify [options]

Check that every row's destination object exists and is non-empty. Keys are
derived the way migrate derives them: a HEAD request to each source supplies
the content type, so extensionless URLs resolve to the same key. With
-no-probe the extension comes from the URL alone.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitInvalidArgs
	}
	if cfg.Store.URL == "" && cfg.Store.Bucket == "" {
		fmt.Fprintln(os.Stderr, "Error: -store-url or -bucket is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	logger, err := newLogger(os.Stderr, *cf.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	items, err := readItems(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return ExitInputError
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(ctx, storeOptions(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	var client *cdnhttp.Client
	if !cfg.NoProbe {
		client = cdnhttp.NewClient(httpOptions(cfg))
		defer client.Close()
	}

	d := deriver(cfg)
	var keys []string
	for _, it := range items {
		if it.Validate() != nil {
			continue
		}
		id := strings.TrimSpace(it.ID)
		src := strings.TrimSpace(it.SourceURL)

		var contentType string
		if client != nil {
			info, err := client.Probe(ctx, src)
			if err != nil {
				logger.Debug("head request failed", "id", id, "error", err)
			} else {
				contentType = info.ContentType
			}
		}
		keys = append(keys, d.Derive(id, strings.TrimSpace(it.Title), src, contentType).Key)
	}

	fmt.Fprintf(os.Stderr, "[cdnmigrate] Verifying %d objects in %s\n", len(keys), st.Location(""))

	result, err := store.Verify(ctx, st, keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error verifying: %v\n", err)
		return ExitStorageError
	}

	if !result.Valid {
		fmt.Fprintln(os.Stderr, "[cdnmigrate] Verification FAILED:")
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		fmt.Fprintf(os.Stderr, "[cdnmigrate] %d missing, %d empty of %d checked\n",
			len(result.Missing), len(result.Empty), result.Checked)
		return ExitVerifyFailed
	}

	fmt.Fprintf(os.Stderr, "[cdnmigrate] Verification PASSED: %d objects present\n", result.Checked)
	return ExitSuccess
}
