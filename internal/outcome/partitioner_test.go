package outcome

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ligustah/cdnmigrate/internal/transfer"
)

func results(n int) []transfer.Result {
	out := make([]transfer.Result, 0, n)
	for i := 0; i < n; i++ {
		it := transfer.Item{ID: fmt.Sprint(i), SourceURL: "https://example.com/a.mp3"}
		switch i % 3 {
		case 0:
			out = append(out, transfer.Succeeded(it, "k", "https://cdn/k"+it.ID, 1))
		case 1:
			out = append(out, transfer.Failed(it, errors.New("boom")))
		default:
			out = append(out, transfer.Skipped(it, transfer.ErrValidation))
		}
	}
	return out
}

func TestObserveRoutesByKind(t *testing.T) {
	var p Partitioner
	for _, r := range results(9) {
		p.Observe(r)
	}

	snap := p.Snapshot()
	if len(snap.Successes) != 3 || len(snap.Failures) != 3 || len(snap.Skips) != 3 {
		t.Fatalf("unexpected buckets: %d/%d/%d", len(snap.Successes), len(snap.Failures), len(snap.Skips))
	}
	if snap.Submitted != 6 {
		t.Errorf("expected submitted 6, got %d", snap.Submitted)
	}
	if snap.Skipped != 3 {
		t.Errorf("expected skipped 3, got %d", snap.Skipped)
	}
	if snap.Total() != 9 {
		t.Errorf("expected total 9, got %d", snap.Total())
	}
}

func TestObserveConcurrentOrderIndependent(t *testing.T) {
	in := results(300)
	rand.Shuffle(len(in), func(i, j int) { in[i], in[j] = in[j], in[i] })

	var p Partitioner
	var wg sync.WaitGroup
	for _, r := range in {
		wg.Add(1)
		go func(r transfer.Result) {
			defer wg.Done()
			p.Observe(r)
		}(r)
	}
	wg.Wait()

	snap := p.Snapshot()
	if len(snap.Successes)+len(snap.Failures) != snap.Submitted {
		t.Errorf("successes+failures (%d) != submitted (%d)", len(snap.Successes)+len(snap.Failures), snap.Submitted)
	}
	if len(snap.Successes)+len(snap.Failures)+len(snap.Skips) != len(in) {
		t.Errorf("partition incomplete: %d of %d", snap.Total(), len(in))
	}

	seen := make(map[string]bool)
	for _, bucket := range [][]transfer.Result{snap.Successes, snap.Failures, snap.Skips} {
		for _, r := range bucket {
			if seen[r.ID] {
				t.Fatalf("id %s counted twice", r.ID)
			}
			seen[r.ID] = true
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	var p Partitioner
	p.Observe(transfer.Succeeded(transfer.Item{ID: "1"}, "k", "u", 0))

	snap := p.Snapshot()
	snap.Successes[0].ID = "changed"

	if p.Snapshot().Successes[0].ID != "1" {
		t.Error("expected snapshot mutation not to affect partitioner")
	}
}

func TestUpdates(t *testing.T) {
	var p Partitioner
	p.Observe(transfer.Succeeded(transfer.Item{ID: "1"}, "a", "https://cdn/a", 0))
	p.Observe(transfer.Failed(transfer.Item{ID: "2"}, errors.New("x")))
	p.Observe(transfer.Succeeded(transfer.Item{ID: "3"}, "b", "https://cdn/b", 0))

	updates := p.Snapshot().Updates()
	want := []Update{{ID: "1", URL: "https://cdn/a"}, {ID: "3", URL: "https://cdn/b"}}
	if len(updates) != len(want) {
		t.Fatalf("expected %d updates, got %d", len(want), len(updates))
	}
	for i := range want {
		if updates[i] != want[i] {
			t.Errorf("update %d = %+v, want %+v", i, updates[i], want[i])
		}
	}
}
