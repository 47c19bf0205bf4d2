package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/cdnmigrate/internal/config"
	cdnhttp "github.com/ligustah/cdnmigrate/internal/http"
	"github.com/ligustah/cdnmigrate/internal/outcome"
	"github.com/ligustah/cdnmigrate/internal/settle"
	"github.com/ligustah/cdnmigrate/internal/store"
	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// memTable is a fake episodes table behind settle.Backend.
type memTable struct {
	rows map[string]string
	fail bool
}

func (m *memTable) Begin(context.Context) (settle.Tx, error) {
	staged := make(map[string]string, len(m.rows))
	for k, v := range m.rows {
		staged[k] = v
	}
	return &memTx{table: m, staged: staged}, nil
}

type memTx struct {
	table  *memTable
	staged map[string]string
}

func (tx *memTx) ExecBatch(_ context.Context, _ string, rows [][]any) ([]int64, error) {
	if tx.table.fail {
		return nil, errors.New("deadlock detected")
	}
	out := make([]int64, len(rows))
	for i, args := range rows {
		id := args[1].(string)
		if _, ok := tx.staged[id]; ok {
			tx.staged[id] = args[0].(string)
			out[i] = 1
		}
	}
	return out, nil
}

func (tx *memTx) Commit(context.Context) error {
	tx.table.rows = tx.staged
	return nil
}

func (tx *memTx) Rollback(context.Context) error { return nil }

type recordingPublisher struct {
	updates []outcome.Update
}

func (p *recordingPublisher) PublishUpdates(_ context.Context, _, _ string, updates []outcome.Update) (int, error) {
	p.updates = append(p.updates, updates...)
	return len(updates), nil
}

func audioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shiur.mp3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		if r.Method == http.MethodHead {
			return
		}
		io.WriteString(w, "ID3 audio bytes")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMigration(t *testing.T, table *memTable, out io.Writer) (*migration, *blob.Bucket, *recordingPublisher) {
	t.Helper()

	bkt, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bkt.Close() })

	cfg := config.Default()
	cfg.Store.CDNBase = "https://cdn.example.com"
	cfg.Workers = 2

	settler, err := settle.New(table, settle.Options{Table: "episodes", IDColumn: "id", URLColumn: "audio_url"})
	if err != nil {
		t.Fatalf("settle.New: %v", err)
	}

	httpOpts := cdnhttp.DefaultOptions()
	httpOpts.RetryAttempts = 0

	pub := &recordingPublisher{}
	m := &migration{
		cfg:        cfg,
		runID:      "test-run",
		store:      store.NewBlobStore(bkt, "mem://"),
		newFetcher: func() transfer.Fetcher { return cdnhttp.NewClient(httpOpts) },
		settler:    settler,
		publisher:  pub,
		out:        out,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return m, bkt, pub
}

func TestMigrationRun(t *testing.T) {
	srv := audioServer(t)
	table := &memTable{rows: map[string]string{
		"1": srv.URL + "/shiur.mp3",
		"2": "",
		"3": srv.URL + "/gone.mp3",
	}}

	var out bytes.Buffer
	m, bkt, pub := newTestMigration(t, table, &out)

	items := []transfer.Item{
		{ID: "1", Title: "Daily Chizuk", SourceURL: srv.URL + "/shiur.mp3", Row: 2},
		{ID: "2", Title: "No Audio", SourceURL: "", Row: 3},
		{ID: "3", Title: "Gone", SourceURL: srv.URL + "/gone.mp3", Row: 4},
	}

	if code := m.run(context.Background(), items); code != ExitSuccess {
		t.Fatalf("expected exit %d, got %d\n%s", ExitSuccess, code, out.String())
	}

	const key = "chizuk/audio/1-daily-chizuk.mp3"
	data, err := bkt.ReadAll(context.Background(), key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	if string(data) != "ID3 audio bytes" {
		t.Errorf("unexpected object content %q", data)
	}
	if ok, _ := bkt.Exists(context.Background(), "chizuk/audio/3-gone.mp3"); ok {
		t.Error("failed item should leave no object")
	}

	if table.rows["1"] != "https://cdn.example.com/"+key {
		t.Errorf("row 1 not updated: %s", table.rows["1"])
	}
	if table.rows["3"] != srv.URL+"/gone.mp3" {
		t.Errorf("row 3 should be untouched: %s", table.rows["3"])
	}

	if len(pub.updates) != 1 || pub.updates[0].ID != "1" {
		t.Errorf("expected one published update for id 1, got %v", pub.updates)
	}

	for _, want := range []string{
		"[upload] id=1 -> mem://" + key,
		"[cdnmigrate] ERROR id=3 row=4:",
		"[cdnmigrate] Summary: success=1 failed=1 skipped=1 submitted=2",
		"[cdnmigrate] Updated 1 rows in episodes",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestMigrationSettlementFailure(t *testing.T) {
	srv := audioServer(t)
	table := &memTable{rows: map[string]string{"1": "old"}, fail: true}

	var out bytes.Buffer
	m, _, pub := newTestMigration(t, table, &out)

	items := []transfer.Item{{ID: "1", Title: "Daily Chizuk", SourceURL: srv.URL + "/shiur.mp3", Row: 2}}

	if code := m.run(context.Background(), items); code != ExitSettlementFailed {
		t.Fatalf("expected exit %d, got %d", ExitSettlementFailed, code)
	}
	if table.rows["1"] != "old" {
		t.Errorf("row modified despite failed settlement: %s", table.rows["1"])
	}
	if len(pub.updates) != 0 {
		t.Errorf("events published for a rolled back settlement: %v", pub.updates)
	}

	got := out.String()
	summary := strings.Index(got, "Summary:")
	fatal := strings.Index(got, "FATAL")
	if summary < 0 || fatal < 0 || summary > fatal {
		t.Errorf("summary must be printed before the fatal error:\n%s", got)
	}
}

func TestMigrationInterrupted(t *testing.T) {
	table := &memTable{rows: map[string]string{"1": "old"}}

	var out bytes.Buffer
	m, _, _ := newTestMigration(t, table, &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []transfer.Item{{ID: "1", Title: "t", SourceURL: "http://127.0.0.1:1/a.mp3", Row: 2}}
	if code := m.run(ctx, items); code != ExitGeneralError {
		t.Fatalf("expected exit %d, got %d", ExitGeneralError, code)
	}
	if table.rows["1"] != "old" {
		t.Error("database touched after interrupt")
	}
	if !strings.Contains(out.String(), "success=0 failed=0 skipped=1 submitted=0") {
		t.Errorf("unexpected summary:\n%s", out.String())
	}
}
