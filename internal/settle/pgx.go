package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxBackend runs settlements on a pgx connection pool.
type PgxBackend struct {
	pool *pgxpool.Pool
}

// OpenPgx connects a pool to dsn. With viaBouncer set, statements use the
// simple protocol so they work through transaction-mode PgBouncer.
func OpenPgx(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*PgxBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("settle: parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("settle: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("settle: ping: %w", err)
	}
	return &PgxBackend{pool: pool}, nil
}

// NewPgxBackend wraps an existing pool.
func NewPgxBackend(pool *pgxpool.Pool) *PgxBackend {
	return &PgxBackend{pool: pool}
}

// Begin implements Backend.
func (b *PgxBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

// Close closes the pool.
func (b *PgxBackend) Close() error {
	b.pool.Close()
	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) ExecBatch(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, args := range rows {
		batch.Queue(query, args...)
	}

	br := t.tx.SendBatch(ctx, batch)
	affected := make([]int64, 0, len(rows))
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, err
		}
		affected = append(affected, tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return affected, nil
}

func (t pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t pgxTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
