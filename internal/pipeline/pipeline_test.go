package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	cdnhttp "github.com/ligustah/cdnmigrate/internal/http"
	"github.com/ligustah/cdnmigrate/internal/progress"
	"github.com/ligustah/cdnmigrate/internal/store"
	"github.com/ligustah/cdnmigrate/internal/transfer"
	"github.com/ligustah/cdnmigrate/pkg/cdnkey"
)

// fakeWorker records calls and tracks concurrency.
type fakeWorker struct {
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
	calls    *sync.Map
	delay    time.Duration
	fail     map[string]bool
	panicID  string
}

func (f *fakeWorker) Transfer(ctx context.Context, it transfer.Item) transfer.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Store(it.ID, true)

	if it.ID == f.panicID {
		panic("boom")
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return transfer.Failed(it, ctx.Err())
	}
	if f.fail[it.ID] {
		return transfer.Failed(it, errors.New("nope"))
	}
	return transfer.Succeeded(it, "k/"+it.ID, "https://cdn/k/"+it.ID, 1)
}

func newFake() *fakeWorker {
	return &fakeWorker{
		inFlight: &atomic.Int32{},
		maxSeen:  &atomic.Int32{},
		calls:    &sync.Map{},
		fail:     map[string]bool{},
	}
}

func makeItems(n int) []transfer.Item {
	items := make([]transfer.Item, n)
	for i := range items {
		items[i] = transfer.Item{ID: fmt.Sprint(i), Title: "t", SourceURL: "https://example.com/a.mp3", Row: i + 1}
	}
	return items
}

func TestRunBoundsConcurrency(t *testing.T) {
	fw := newFake()
	fw.delay = 10 * time.Millisecond

	snap := Run(context.Background(), makeItems(50), Options{
		Workers:   4,
		NewWorker: func() Transferer { return fw },
	})

	if got := fw.maxSeen.Load(); got > 4 {
		t.Errorf("expected at most 4 in flight, saw %d", got)
	}
	if len(snap.Successes) != 50 {
		t.Errorf("expected 50 successes, got %d", len(snap.Successes))
	}
	if snap.Submitted != 50 {
		t.Errorf("expected submitted 50, got %d", snap.Submitted)
	}
}

func TestRunSkipsBeforeDispatch(t *testing.T) {
	fw := newFake()
	items := []transfer.Item{
		{ID: "ok", SourceURL: "https://example.com/a.mp3"},
		{ID: "", SourceURL: "https://example.com/b.mp3"},
		{ID: "nourl", SourceURL: "  "},
	}

	snap := Run(context.Background(), items, Options{
		Workers:   2,
		NewWorker: func() Transferer { return fw },
	})

	if snap.Skipped != 2 || len(snap.Skips) != 2 {
		t.Fatalf("expected 2 skips, got %d", snap.Skipped)
	}
	for _, r := range snap.Skips {
		if !errors.Is(r.Err, transfer.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", r.Err)
		}
	}
	if _, called := fw.calls.Load("nourl"); called {
		t.Error("skipped item reached a worker")
	}
	if _, called := fw.calls.Load(""); called {
		t.Error("skipped item reached a worker")
	}
	if snap.Submitted != 1 {
		t.Errorf("expected submitted 1, got %d", snap.Submitted)
	}
}

func TestRunReportsEveryItemByID(t *testing.T) {
	fw := newFake()
	fw.fail["bad"] = true
	items := []transfer.Item{
		{ID: "good", SourceURL: "https://example.com/a.mp3", Row: 2},
		{ID: "blank", SourceURL: " ", Row: 3},
		{ID: "bad", SourceURL: "https://example.com/c.mp3", Row: 4},
	}

	var out bytes.Buffer
	rep := progress.NewReporter(progress.Options{Total: len(items), Workers: 1, Output: &out})
	rep.Start()
	Run(context.Background(), items, Options{
		Workers:   1,
		NewWorker: func() Transferer { return fw },
		Reporter:  rep,
	})
	rep.Stop()

	got := out.String()
	for _, want := range []string{
		"[cdnmigrate] OK id=good -> https://cdn/k/good\n",
		"[cdnmigrate] SKIP id=blank row=3: ",
		"[cdnmigrate] ERROR id=bad row=4: nope\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunPartitionComplete(t *testing.T) {
	fw := newFake()
	items := makeItems(40)
	for i := 0; i < 40; i += 4 {
		fw.fail[items[i].ID] = true
	}
	items = append(items, transfer.Item{ID: "x"}, transfer.Item{SourceURL: "https://e.com/"})

	snap := Run(context.Background(), items, Options{
		Workers:   8,
		NewWorker: func() Transferer { return fw },
	})

	if len(snap.Successes)+len(snap.Failures)+len(snap.Skips) != len(items) {
		t.Errorf("partition incomplete: %d+%d+%d != %d",
			len(snap.Successes), len(snap.Failures), len(snap.Skips), len(items))
	}
	if len(snap.Successes)+len(snap.Failures) != snap.Submitted {
		t.Errorf("successes+failures != submitted")
	}
	if len(snap.Failures) != 10 {
		t.Errorf("expected 10 failures, got %d", len(snap.Failures))
	}
}

func TestRunRecoversPanic(t *testing.T) {
	fw := newFake()
	fw.panicID = "3"

	snap := Run(context.Background(), makeItems(6), Options{
		Workers:   1,
		NewWorker: func() Transferer { return fw },
	})

	if len(snap.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(snap.Failures))
	}
	if !errors.Is(snap.Failures[0].Err, transfer.ErrPanic) {
		t.Errorf("expected ErrPanic, got %v", snap.Failures[0].Err)
	}
	if len(snap.Successes) != 5 {
		t.Errorf("expected the worker to keep serving, got %d successes", len(snap.Successes))
	}
}

type closingWorker struct {
	*fakeWorker
	closed *atomic.Int32
}

func (c closingWorker) Close() { c.closed.Add(1) }

func TestRunBuildsOneWorkerPerGoroutine(t *testing.T) {
	var built, closed atomic.Int32
	fw := newFake()

	Run(context.Background(), makeItems(20), Options{
		Workers: 5,
		NewWorker: func() Transferer {
			built.Add(1)
			return closingWorker{fakeWorker: fw, closed: &closed}
		},
	})

	if built.Load() != 5 {
		t.Errorf("expected 5 workers built, got %d", built.Load())
	}
	if closed.Load() != 5 {
		t.Errorf("expected 5 workers closed, got %d", closed.Load())
	}
}

func TestRunCancelledSkipsUndispatched(t *testing.T) {
	fw := newFake()
	fw.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	rep := &countingReporter{}
	rep.onFinish = func(n int32) {
		if n == 3 {
			cancel()
		}
	}

	items := makeItems(100)
	snap := Run(ctx, items, Options{
		Workers:   2,
		NewWorker: func() Transferer { return fw },
		Reporter:  rep,
	})
	cancel()

	if snap.Total() != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), snap.Total())
	}
	if len(snap.Skips) == 0 {
		t.Fatal("expected undispatched items to be skipped")
	}
	for _, r := range snap.Skips {
		if !errors.Is(r.Err, transfer.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", r.Err)
		}
	}
	if int(rep.dispatched.Load()) != snap.Submitted {
		t.Errorf("dispatched %d != submitted %d", rep.dispatched.Load(), snap.Submitted)
	}
}

func TestRunRateLimit(t *testing.T) {
	fw := newFake()
	start := time.Now()

	Run(context.Background(), makeItems(5), Options{
		Workers:   5,
		NewWorker: func() Transferer { return fw },
		RateLimit: 50,
	})

	// 1 immediate + 4 spaced 20ms apart.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected rate limiting to take at least 60ms, took %v", elapsed)
	}
}

type countingReporter struct {
	dispatched atomic.Int32
	finished   atomic.Int32
	onFinish   func(n int32)
}

func (r *countingReporter) Dispatched(transfer.Item) { r.dispatched.Add(1) }

func (r *countingReporter) Finished(transfer.Result) {
	n := r.finished.Add(1)
	if r.onFinish != nil {
		r.onFinish(n)
	}
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/one.mp3" {
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte("one"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()
	s := store.NewBlobStore(bucket, "mem://assets/")

	items := []transfer.Item{
		{ID: "1", Title: "Reachable", SourceURL: server.URL + "/one.mp3"},
		{ID: "2", Title: "Missing", SourceURL: server.URL + "/two.mp3"},
		{ID: "3", Title: "Empty", SourceURL: ""},
	}

	snap := Run(ctx, items, Options{
		Workers: 3,
		NewWorker: func() Transferer {
			opts := cdnhttp.DefaultOptions()
			opts.RetryAttempts = 0
			return transfer.NewWorker(cdnhttp.NewClient(opts), s, transfer.Options{
				Deriver: cdnkey.Deriver{Prefix: "audio", BaseURL: "https://cdn.example.com"},
			})
		},
	})

	if len(snap.Successes) != 1 || snap.Successes[0].ID != "1" {
		t.Errorf("expected successes=[1], got %+v", snap.Successes)
	}
	if len(snap.Failures) != 1 || snap.Failures[0].ID != "2" {
		t.Errorf("expected failures=[2], got %+v", snap.Failures)
	}
	if len(snap.Skips) != 1 || snap.Skips[0].ID != "3" {
		t.Errorf("expected skips=[3], got %+v", snap.Skips)
	}

	var keys []string
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) != 1 || keys[0] != "audio/1-reachable.mp3" {
		t.Errorf("expected only item 1 in the store, got %v", keys)
	}

	updates := snap.Updates()
	if len(updates) != 1 || updates[0].ID != "1" || updates[0].URL != "https://cdn.example.com/audio/1-reachable.mp3" {
		t.Errorf("unexpected settlement input %+v", updates)
	}
}
