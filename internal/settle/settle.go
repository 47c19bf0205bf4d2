package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/ligustah/cdnmigrate/internal/outcome"
)

// DefaultPageSize is the number of statements sent per round trip.
const DefaultPageSize = 500

// Tx is a database transaction able to run one statement many times.
type Tx interface {
	// ExecBatch runs query once per argument row and returns the number of
	// rows affected by each execution.
	ExecBatch(ctx context.Context, query string, rows [][]any) ([]int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend starts transactions.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
}

// Options configures a Settler.
type Options struct {
	// Table may be schema-qualified, e.g. "public.episodes".
	Table     string
	IDColumn  string
	URLColumn string

	// PageSize bounds statements per round trip.
	// Default: 500
	PageSize int

	Logger *slog.Logger
}

// Report summarises a committed settlement.
type Report struct {
	// Updated is the total number of rows changed.
	Updated int64

	// Unmatched lists ids whose UPDATE matched no row.
	Unmatched []string

	// Pages is the number of round trips made.
	Pages int
}

// SettlementError is returned when the batch could not be committed. The
// transaction has been rolled back.
type SettlementError struct {
	Op  string // "begin", "update" or "commit"
	Err error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle: %s: %v", e.Op, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// SQLState returns the Postgres error code behind e, or "".
func (e *SettlementError) SQLState() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(e.Err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// Settler writes destination URLs for successful transfers.
type Settler struct {
	backend Backend
	opts    Options
	query   string
}

// New validates opts and prepares the UPDATE statement.
func New(b Backend, opts Options) (*Settler, error) {
	if opts.Table == "" || opts.IDColumn == "" || opts.URLColumn == "" {
		return nil, errors.New("settle: table, id column and url column are required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	table := pgx.Identifier(strings.Split(opts.Table, ".")).Sanitize()
	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2",
		table,
		pgx.Identifier{opts.URLColumn}.Sanitize(),
		pgx.Identifier{opts.IDColumn}.Sanitize(),
	)

	return &Settler{backend: b, opts: opts, query: query}, nil
}

// Query returns the UPDATE statement used for each row.
func (s *Settler) Query() string {
	return s.query
}

// Settle applies every update in one transaction.
func (s *Settler) Settle(ctx context.Context, updates []outcome.Update) (Report, error) {
	var report Report
	if len(updates) == 0 {
		return report, nil
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return report, &SettlementError{Op: "begin", Err: err}
	}

	for start := 0; start < len(updates); start += s.opts.PageSize {
		end := min(start+s.opts.PageSize, len(updates))
		page := updates[start:end]

		rows := make([][]any, len(page))
		for i, u := range page {
			rows[i] = []any{u.URL, u.ID}
		}

		affected, err := tx.ExecBatch(ctx, s.query, rows)
		if err != nil {
			return Report{}, s.rollback(ctx, tx, &SettlementError{Op: "update", Err: err})
		}
		report.Pages++

		for i, n := range affected {
			report.Updated += n
			if n == 0 {
				report.Unmatched = append(report.Unmatched, page[i].ID)
			}
		}
		s.opts.Logger.Debug("settled page", "page", report.Pages, "rows", len(page))
	}

	if err := tx.Commit(ctx); err != nil {
		return Report{}, s.rollback(ctx, tx, &SettlementError{Op: "commit", Err: err})
	}
	return report, nil
}

// rollback aborts tx and returns cause, joined with any rollback error.
func (s *Settler) rollback(ctx context.Context, tx Tx, cause *SettlementError) error {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.opts.Logger.Error("rollback failed", "error", err)
		cause.Err = errors.Join(cause.Err, fmt.Errorf("rollback: %w", err))
	}
	return cause
}
