// Package input reads work items from a CSV export of the table being
// migrated.
//
// The header row names the columns. "id" and "title" are read by name and
// the source URL comes from the first non-empty column in
// Options.SourceColumns. Missing columns are reported as warnings and the
// affected fields are left empty, so rows without an id or source URL are
// later skipped rather than aborting the run.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// Column names read besides the source columns.
const (
	ColumnID    = "id"
	ColumnTitle = "title"
)

// DefaultSourceColumn is used when Options.SourceColumns is empty.
const DefaultSourceColumn = "audio_url"

// Options configures Read.
type Options struct {
	// SourceColumns lists the source URL columns in order of preference.
	// Default: ["audio_url"]
	SourceColumns []string

	Logger *slog.Logger
}

// Result is the outcome of reading one input.
type Result struct {
	Items []transfer.Item

	// Warnings lists header problems, e.g. missing columns.
	Warnings []string
}

// Read parses r as CSV with a header row.
func Read(r io.Reader, opts Options) (Result, error) {
	if len(opts.SourceColumns) == 0 {
		opts.SourceColumns = []string{DefaultSourceColumn}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("input: read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	var res Result
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		opts.Logger.Warn(msg)
	}

	idCol, ok := index[ColumnID]
	if !ok {
		idCol = -1
		warn("input: missing column %q, every row will be skipped", ColumnID)
	}
	titleCol, ok := index[ColumnTitle]
	if !ok {
		titleCol = -1
		warn("input: missing column %q, filenames fall back to the id", ColumnTitle)
	}

	var sourceCols []int
	for _, name := range opts.SourceColumns {
		if i, ok := index[strings.ToLower(name)]; ok {
			sourceCols = append(sourceCols, i)
		} else {
			warn("input: missing source column %q", name)
		}
	}
	if len(sourceCols) == 0 {
		warn("input: no source column present, every row will be skipped")
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("input: %w", err)
		}
		line, _ := cr.FieldPos(0)

		it := transfer.Item{
			ID:    field(record, idCol),
			Title: field(record, titleCol),
			Row:   line,
		}
		for _, i := range sourceCols {
			if v := field(record, i); v != "" {
				it.SourceURL = v
				break
			}
		}
		res.Items = append(res.Items, it)
	}

	return res, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
