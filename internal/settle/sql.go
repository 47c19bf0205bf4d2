package settle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLBackend runs settlements through database/sql with the lib/pq driver.
type SQLBackend struct {
	db *sql.DB
}

// OpenSQL opens a lib/pq connection pool and checks it with a ping.
func OpenSQL(ctx context.Context, dsn string, maxConns int) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("settle: open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 2
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("settle: ping database: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

// NewSQLBackend wraps an existing handle.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Begin implements Backend.
func (b *SQLBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{tx: tx}, nil
}

// Close closes the database handle.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) ExecBatch(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	affected := make([]int64, 0, len(rows))
	for _, args := range rows {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		affected = append(affected, n)
	}
	return affected, nil
}

func (t sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
