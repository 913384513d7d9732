package vy

import (
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/tuple"
)

func makeStatements(n int) []*tuple.Statement {
	stmts := make([]*tuple.Statement, n)
	for i := 0; i < n; i++ {
		stmts[i] = &tuple.Statement{
			Tuple: tuple.FromFields([]any{int64(i), "value"}),
			Type:  tuple.TypeReplace,
			LSN:   uint64(i + 1),
		}
	}
	return stmts
}

func TestWriteRunAndReadPagesBack(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()
	stmts := makeStatements(20)

	run, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, stmts, 64, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	defer os.Remove(run.DataPath)
	defer os.Remove(run.IndexPath)

	if len(run.Pages) == 0 {
		t.Fatal("expected at least one page")
	}
	if run.MinLSN != 1 || run.MaxLSN != 20 {
		t.Fatalf("unexpected lsn range: min=%d max=%d", run.MinLSN, run.MaxLSN)
	}

	f, err := os.Open(run.DataPath)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	defer f.Close()

	var total int
	for _, p := range run.Pages {
		rows, err := ReadPage(f, p)
		if err != nil {
			t.Fatalf("ReadPage: %v", err)
		}
		total += len(rows)
		if len(rows) != p.Count {
			t.Fatalf("page count mismatch: header says %d, got %d rows", p.Count, len(rows))
		}
	}
	if total != 20 {
		t.Fatalf("expected 20 total rows across pages, got %d", total)
	}
}

func TestWriteRunRejectsEmptyInput(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()

	if _, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, nil, 64, false); err == nil {
		t.Fatal("expected error writing an empty run")
	}
}

func TestRunRefcounting(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()
	run, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, makeStatements(3), 4096, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	defer os.Remove(run.DataPath)
	defer os.Remove(run.IndexPath)

	if run.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", run.RefCount())
	}
	run.Ref()
	if run.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Ref, got %d", run.RefCount())
	}
	if run.Unref(); run.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after Unref, got %d", run.RefCount())
	}
}
