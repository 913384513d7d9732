package vy

import (
	"testing"

	"github.com/google/uuid"
)

func TestLoadRunIndexRoundTrips(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()
	stmts := makeStatements(10)

	written, err := WriteRun(dir, uuid.New(), 7, 3, 1, kd, stmts, 64, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}

	loaded, err := LoadRunIndex(written.IndexPath, written.DataPath, kd)
	if err != nil {
		t.Fatalf("LoadRunIndex: %v", err)
	}

	if loaded.ID != written.ID || loaded.RangeID != written.RangeID {
		t.Fatalf("id/range mismatch: got (%d,%d), want (%d,%d)", loaded.ID, loaded.RangeID, written.ID, written.RangeID)
	}
	if loaded.MinLSN != written.MinLSN || loaded.MaxLSN != written.MaxLSN {
		t.Fatalf("lsn mismatch: got (%d,%d), want (%d,%d)", loaded.MinLSN, loaded.MaxLSN, written.MinLSN, written.MaxLSN)
	}
	if len(loaded.Pages) != len(written.Pages) {
		t.Fatalf("page count mismatch: got %d, want %d", len(loaded.Pages), len(written.Pages))
	}
	for i := range loaded.Pages {
		if loaded.Pages[i].Offset != written.Pages[i].Offset || loaded.Pages[i].Count != written.Pages[i].Count {
			t.Fatalf("page %d mismatch: got %+v, want %+v", i, loaded.Pages[i], written.Pages[i])
		}
	}
}

func TestDiscoverRunsSortsByRangeIDDescThenRunIDAsc(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()

	// (rangeID, runID) pairs, written out of order on purpose.
	pairs := [][2]uint64{{1, 2}, {2, 1}, {1, 1}, {2, 2}}
	for _, p := range pairs {
		if _, err := WriteRun(dir, uuid.New(), p[0], p[1], 1, kd, makeStatements(3), 4096, false); err != nil {
			t.Fatalf("WriteRun(%d,%d): %v", p[0], p[1], err)
		}
	}

	runs, err := DiscoverRuns(dir, kd)
	if err != nil {
		t.Fatalf("DiscoverRuns: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(runs))
	}

	want := [][2]uint64{{2, 1}, {2, 2}, {1, 1}, {1, 2}}
	for i, w := range want {
		if runs[i].RangeID != w[0] || runs[i].ID != w[1] {
			t.Fatalf("run %d = (range=%d,id=%d), want (range=%d,id=%d)", i, runs[i].RangeID, runs[i].ID, w[0], w[1])
		}
	}
}
