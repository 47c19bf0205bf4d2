package settle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/ligustah/cdnmigrate/internal/outcome"
)

// fakeDB is a single table of id -> url with transactional staging.
type fakeDB struct {
	rows map[string]string

	failAt     int // 1-based statement that fails; 0 disables
	failBegin  bool
	failCommit bool

	begun      int
	committed  int
	rolledBack int
	batches    int
	executed   int
}

func newFakeDB(ids ...string) *fakeDB {
	db := &fakeDB{rows: make(map[string]string)}
	for _, id := range ids {
		db.rows[id] = "https://old.example.com/" + id
	}
	return db
}

func (db *fakeDB) Begin(ctx context.Context) (Tx, error) {
	if db.failBegin {
		return nil, errors.New("connection refused")
	}
	db.begun++
	staged := make(map[string]string, len(db.rows))
	for k, v := range db.rows {
		staged[k] = v
	}
	return &fakeTx{db: db, staged: staged}, nil
}

type fakeTx struct {
	db     *fakeDB
	staged map[string]string
	done   bool
}

func (tx *fakeTx) ExecBatch(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	tx.db.batches++
	affected := make([]int64, 0, len(rows))
	for _, args := range rows {
		tx.db.executed++
		if tx.db.failAt > 0 && tx.db.executed == tx.db.failAt {
			return nil, fmt.Errorf("statement %d: value too long", tx.db.executed)
		}
		url, id := args[0].(string), args[1].(string)
		if _, ok := tx.staged[id]; !ok {
			affected = append(affected, 0)
			continue
		}
		tx.staged[id] = url
		affected = append(affected, 1)
	}
	return affected, nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	if tx.db.failCommit {
		return errors.New("serialization failure")
	}
	tx.db.rows = tx.staged
	tx.db.committed++
	tx.done = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if !tx.done {
		tx.db.rolledBack++
		tx.done = true
	}
	return nil
}

func updatesFor(ids ...string) []outcome.Update {
	out := make([]outcome.Update, len(ids))
	for i, id := range ids {
		out[i] = outcome.Update{ID: id, URL: "https://cdn.example.com/" + id}
	}
	return out
}

func newSettler(t *testing.T, db *fakeDB, pageSize int) *Settler {
	t.Helper()
	s, err := New(db, Options{Table: "episodes", IDColumn: "id", URLColumn: "audio_url", PageSize: pageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSettleCommitsAll(t *testing.T) {
	db := newFakeDB("1", "2", "3")
	s := newSettler(t, db, 0)

	report, err := s.Settle(context.Background(), updatesFor("1", "3"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if report.Updated != 2 {
		t.Errorf("expected 2 rows updated, got %d", report.Updated)
	}
	if db.committed != 1 || db.rolledBack != 0 {
		t.Errorf("expected one commit and no rollback, got %d/%d", db.committed, db.rolledBack)
	}
	if db.rows["1"] != "https://cdn.example.com/1" || db.rows["3"] != "https://cdn.example.com/3" {
		t.Errorf("rows not updated: %v", db.rows)
	}
	if db.rows["2"] != "https://old.example.com/2" {
		t.Errorf("row 2 should be untouched, got %s", db.rows["2"])
	}
}

func TestSettleRollsBackMidBatch(t *testing.T) {
	db := newFakeDB("1", "2", "3", "4", "5")
	db.failAt = 4 // second page
	s := newSettler(t, db, 2)

	_, err := s.Settle(context.Background(), updatesFor("1", "2", "3", "4", "5"))
	if err == nil {
		t.Fatal("expected error")
	}

	var se *SettlementError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SettlementError, got %T", err)
	}
	if se.Op != "update" {
		t.Errorf("expected op update, got %s", se.Op)
	}
	if db.committed != 0 || db.rolledBack != 1 {
		t.Errorf("expected rollback only, got commits=%d rollbacks=%d", db.committed, db.rolledBack)
	}
	for id, url := range db.rows {
		if url != "https://old.example.com/"+id {
			t.Errorf("row %s modified despite rollback: %s", id, url)
		}
	}
}

func TestSettlePaging(t *testing.T) {
	db := newFakeDB("a", "b", "c", "d", "e")
	s := newSettler(t, db, 2)

	report, err := s.Settle(context.Background(), updatesFor("a", "b", "c", "d", "e"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if db.batches != 3 || report.Pages != 3 {
		t.Errorf("expected 3 pages, got batches=%d pages=%d", db.batches, report.Pages)
	}
	if db.begun != 1 {
		t.Errorf("expected a single transaction, got %d", db.begun)
	}
}

func TestSettleReportsUnmatched(t *testing.T) {
	db := newFakeDB("1")
	s := newSettler(t, db, 0)

	report, err := s.Settle(context.Background(), updatesFor("1", "ghost"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(report.Unmatched) != 1 || report.Unmatched[0] != "ghost" {
		t.Errorf("expected unmatched [ghost], got %v", report.Unmatched)
	}
	if db.committed != 1 {
		t.Error("unmatched ids should not prevent commit")
	}
}

func TestSettleEmpty(t *testing.T) {
	db := newFakeDB("1")
	s := newSettler(t, db, 0)

	if _, err := s.Settle(context.Background(), nil); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if db.begun != 0 {
		t.Error("expected no transaction for an empty batch")
	}
}

func TestSettleBeginError(t *testing.T) {
	db := newFakeDB("1")
	db.failBegin = true
	s := newSettler(t, db, 0)

	_, err := s.Settle(context.Background(), updatesFor("1"))
	var se *SettlementError
	if !errors.As(err, &se) || se.Op != "begin" {
		t.Errorf("expected begin SettlementError, got %v", err)
	}
}

func TestSettleCommitError(t *testing.T) {
	db := newFakeDB("1")
	db.failCommit = true
	s := newSettler(t, db, 0)

	_, err := s.Settle(context.Background(), updatesFor("1"))
	var se *SettlementError
	if !errors.As(err, &se) || se.Op != "commit" {
		t.Errorf("expected commit SettlementError, got %v", err)
	}
	if db.rows["1"] != "https://old.example.com/1" {
		t.Error("row modified despite failed commit")
	}
	if db.rolledBack != 1 {
		t.Errorf("expected rollback after failed commit, got %d", db.rolledBack)
	}
}

func TestNewQuoting(t *testing.T) {
	tests := []struct {
		opts     Options
		expected string
	}{
		{
			Options{Table: "episodes", IDColumn: "id", URLColumn: "audio_url"},
			`UPDATE "episodes" SET "audio_url" = $1 WHERE "id" = $2`,
		},
		{
			Options{Table: "public.episodes", IDColumn: "id", URLColumn: "audio_url"},
			`UPDATE "public"."episodes" SET "audio_url" = $1 WHERE "id" = $2`,
		},
		{
			Options{Table: `we"ird`, IDColumn: "id", URLColumn: "url"},
			`UPDATE "we""ird" SET "url" = $1 WHERE "id" = $2`,
		},
	}

	for _, tt := range tests {
		s, err := New(newFakeDB(), tt.opts)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if s.Query() != tt.expected {
			t.Errorf("Query() = %s, want %s", s.Query(), tt.expected)
		}
	}
}

func TestNewRequiresIdentifiers(t *testing.T) {
	if _, err := New(newFakeDB(), Options{Table: "episodes", IDColumn: "id"}); err == nil {
		t.Error("expected error for missing url column")
	}
}

func TestSQLState(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&pgconn.PgError{Code: "23514"}, "23514"},
		{&pq.Error{Code: "22001"}, "22001"},
		{errors.New("plain"), ""},
	}

	for _, tt := range tests {
		se := &SettlementError{Op: "update", Err: fmt.Errorf("wrapped: %w", tt.err)}
		if got := se.SQLState(); got != tt.expected {
			t.Errorf("SQLState() = %q, want %q", got, tt.expected)
		}
	}
}
