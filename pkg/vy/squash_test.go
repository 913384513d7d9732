package vy

import (
	"testing"
	"time"

	"github.com/vinylcore/vinyl/pkg/tuple"
)

// buildPendingUpsert drives tuple.ApplyUpsert's squash-or-concat path
// enough times to saturate the stacked-upsert counter, mirroring what a
// long string of compactions against the same hot key would do.
func buildPendingUpsert(t *testing.T) *tuple.Statement {
	t.Helper()
	fields := []any{int64(5), int64(0)}
	ops := []tuple.Op{{Code: tuple.OpAdd, Field: 1, Arg: int64(1)}}

	older := tuple.NewUpsert(fields, ops)
	for i := 0; i < 200 && !older.IsUpsertPending(); i++ {
		next := tuple.NewUpsert(fields, ops)
		next.LSN = older.LSN + 1
		merged, err := tuple.ApplyUpsert(next, older, testKeyDef(), true)
		if err != nil {
			t.Fatalf("ApplyUpsert: %v", err)
		}
		older = merged
	}
	if !older.IsUpsertPending() {
		t.Fatal("failed to drive the statement into the pending state")
	}
	return older
}

func TestSquasherMaterializesPendingUpsertIntoReplace(t *testing.T) {
	kd := testKeyDef()
	rng := NewRange(1, nil, nil, kd, 1<<20)
	pending := buildPendingUpsert(t)

	sq := NewSquasher(1, 16, nil)
	sq.Start()
	defer sq.Stop()

	sq.Enqueue(rng, pending)

	deadline := time.After(2 * time.Second)
	for {
		snap := rng.Active().Snapshot()
		if len(snap) == 1 && snap[0].Type == tuple.TypeReplace {
			if snap[0].UpsertDepth() != 0 {
				t.Fatalf("materialized replace still carries a depth of %d", snap[0].UpsertDepth())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for squash, active mem has %d statements", len(snap))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSquasherIgnoresNonPendingUpsert(t *testing.T) {
	kd := testKeyDef()
	rng := NewRange(1, nil, nil, kd, 1<<20)
	fresh := tuple.NewUpsert([]any{int64(5), int64(0)}, []tuple.Op{{Code: tuple.OpAdd, Field: 1, Arg: int64(1)}})

	sq := NewSquasher(1, 16, nil)
	sq.Start()
	defer sq.Stop()

	sq.Enqueue(rng, fresh)

	time.Sleep(20 * time.Millisecond)
	if len(rng.Active().Snapshot()) != 0 {
		t.Fatal("a non-pending upsert must not be installed into the range")
	}
}
