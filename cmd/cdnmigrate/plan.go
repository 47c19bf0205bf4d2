package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ligustah/cdnmigrate/internal/settle"
	"github.com/ligustah/cdnmigrate/internal/transfer"
	"github.com/ligustah/cdnmigrate/pkg/cdnkey"
)

// runPlan prints where every row would go. Nothing is fetched, written or
// updated.
func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	cf := registerConfigFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cdnmigrate plan [options]

Print each row's destination key and URL and the UPDATE that migrate would
run. The file extension is taken from the source URL since no HEAD request
is made, so migrate may pick a different one when the server reports a
content type.

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
	if cfg.Store.CDNBase == "" {
		fmt.Fprintln(os.Stderr, "Error: -cdn-base is required")
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

	settler, err := settle.New(nil, settle.Options{
		Table:     cfg.Database.Table,
		IDColumn:  cfg.Database.IDColumn,
		URLColumn: cfg.Database.URLColumn,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	writePlan(os.Stdout, deriver(cfg), items, settler.Query())
	return ExitSuccess
}

func writePlan(w io.Writer, d cdnkey.Deriver, items []transfer.Item, query string) {
	var planned, skipped int
	for _, it := range items {
		if err := it.Validate(); err != nil {
			skipped++
			fmt.Fprintf(w, "skip  row=%d id=%q: missing id or source url\n", it.Row, it.ID)
			continue
		}
		planned++
		dest := d.Derive(it.ID, it.Title, it.SourceURL, "")
		fmt.Fprintf(w, "copy  id=%s %s -> %s\n", it.ID, it.SourceURL, dest.URL)
	}

	fmt.Fprintf(w, "\n%d to copy, %d skipped\n", planned, skipped)
	fmt.Fprintf(w, "on success, per row: %s\n", query)
}
