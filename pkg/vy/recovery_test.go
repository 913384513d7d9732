package vy

import (
	"testing"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

func keyTuple(n int64) *tuple.Tuple { return tuple.FromFields([]any{n}) }

func TestCoveredByUnionDetectsFullAndPartialCoverage(t *testing.T) {
	kd := testKeyDef()
	whole := &RangeImage{Begin: nil, End: nil}
	left := &RangeImage{Begin: nil, End: keyTuple(50)}
	right := &RangeImage{Begin: keyTuple(50), End: nil}

	if !coveredByUnion(nil, nil, []*RangeImage{whole}, kd) {
		t.Fatal("a single unbounded image must cover the unbounded span")
	}
	if !coveredByUnion(nil, nil, []*RangeImage{left, right}, kd) {
		t.Fatal("two adjacent images split at 50 must jointly cover the unbounded span")
	}
	if coveredByUnion(nil, nil, []*RangeImage{left}, kd) {
		t.Fatal("left alone must not cover the unbounded span")
	}
	if !coveredByUnion(keyTuple(10), keyTuple(40), []*RangeImage{left}, kd) {
		t.Fatal("[10,40) must be covered by [-inf,50)")
	}
	if coveredByUnion(keyTuple(10), keyTuple(60), []*RangeImage{left}, kd) {
		t.Fatal("[10,60) must not be covered by [-inf,50) alone")
	}
}

func TestSelectRangesDiscardsWidePreSplitRangeOnceNarrowOnesCoverIt(t *testing.T) {
	kd := testKeyDef()
	// id 1 is the pre-split wide range [-inf,+inf); ids 2/3 are the
	// post-split narrow ranges whose union covers it. Visited in
	// range-id-descending order, as DiscoverRuns/groupRangeImages would
	// produce.
	images := []*RangeImage{
		{RangeID: 3, Begin: keyTuple(50), End: nil},
		{RangeID: 2, Begin: nil, End: keyTuple(50)},
		{RangeID: 1, Begin: nil, End: nil},
	}
	selected := SelectRanges(images, kd)
	if len(selected) != 2 {
		t.Fatalf("expected 2 surviving images, got %d", len(selected))
	}
	for _, img := range selected {
		if img.RangeID == 1 {
			t.Fatal("the pre-split wide range must be discarded once the narrow ranges cover it")
		}
	}
}

func TestSelectRangesKeepsAnUncoveredIncompleteSplit(t *testing.T) {
	kd := testKeyDef()
	// Only one half of the split landed on disk: id 1 (wide) must survive
	// since id 2 alone doesn't cover its span.
	images := []*RangeImage{
		{RangeID: 2, Begin: nil, End: keyTuple(50)},
		{RangeID: 1, Begin: nil, End: nil},
	}
	selected := SelectRanges(images, kd)
	if len(selected) != 2 {
		t.Fatalf("expected both images to survive an incomplete split, got %d", len(selected))
	}
}

func TestRecoveryReplaysSnapshotThenDiscardsAlreadyCoveredXlogRows(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()
	serverUUID := uuid.New()

	stmts := []*tuple.Statement{
		{Tuple: tuple.FromFields([]any{int64(1), "a"}), Type: tuple.TypeReplace, LSN: 1},
		{Tuple: tuple.FromFields([]any{int64(2), "b"}), Type: tuple.TypeReplace, LSN: 2},
	}
	if _, err := WriteRun(dir, serverUUID, 1, 1, 1, kd, stmts, 4096, false); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}

	rc := NewRecovery(kd, nil)
	if err := rc.ReplaySnapshot(dir, 1<<20); err != nil {
		t.Fatalf("ReplaySnapshot: %v", err)
	}
	if rc.State() != RecoveryInitialLocal {
		t.Fatalf("state after ReplaySnapshot = %s, want INITIAL_RECOVERY_LOCAL", rc.State())
	}
	ranges := rc.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("expected 1 recovered range, got %d", len(ranges))
	}
	rng := ranges[1]
	if rng == nil {
		t.Fatal("expected range id 1 to be recovered")
	}

	xlogPath := dir + "/test.xlog"
	w, err := xlog.NewWriter(xlogPath, xlog.Meta{FileType: xlog.FileTypeXlog, ServerUUID: serverUUID}, xlog.DefaultOptions())
	if err != nil {
		t.Fatalf("xlog.NewWriter: %v", err)
	}
	rows := []xlog.Row{
		{Type: xlog.RowReplace, LSN: 2, Tuple: tuple.FromFields([]any{int64(2), "stale"})}, // already covered by the run
		{Type: xlog.RowReplace, LSN: 3, Tuple: tuple.FromFields([]any{int64(3), "c"})},     // new
	}
	if _, _, err := w.WriteTx(rows); err != nil {
		t.Fatalf("WriteTx: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := rc.ReplayXlogSuffix(xlogPath); err != nil {
		t.Fatalf("ReplayXlogSuffix: %v", err)
	}
	if rc.State() != RecoveryOnline {
		t.Fatalf("state after ReplayXlogSuffix = %s, want ONLINE", rc.State())
	}

	snap := rng.Active().Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 new statement replayed into the active mem, got %d", len(snap))
	}
	if snap[0].LSN != 3 {
		t.Fatalf("replayed statement has lsn %d, want 3 (lsn=2 must be discarded as already covered)", snap[0].LSN)
	}
}
