package vy

import (
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/tuple"
)

func TestRunIteratorSeekFindsNewestVisibleVersion(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()

	stmts := []*tuple.Statement{
		{Tuple: tuple.FromFields([]any{int64(1), "v1"}), Type: tuple.TypeReplace, LSN: 1},
		{Tuple: tuple.FromFields([]any{int64(1), "v2"}), Type: tuple.TypeReplace, LSN: 2},
		{Tuple: tuple.FromFields([]any{int64(2), "only"}), Type: tuple.TypeReplace, LSN: 1},
	}
	// page layout expects (key asc, lsn desc) ordering, matching Mem.Snapshot.
	ordered := []*tuple.Statement{stmts[1], stmts[0], stmts[2]}

	run, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, ordered, 4096, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	defer os.Remove(run.DataPath)
	defer os.Remove(run.IndexPath)

	it, err := NewRunIterator(run, kd, 2)
	if err != nil {
		t.Fatalf("NewRunIterator: %v", err)
	}
	defer it.Close()

	key := tuple.FromFields([]any{int64(1)})
	got, err := it.Seek(key)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got == nil {
		t.Fatal("expected a match for key 1")
	}
	v, _ := got.Tuple.Field(1)
	if v != "v2" {
		t.Fatalf("expected newest version v2, got %v", v)
	}
}

func TestRunIteratorSeekRespectsVLSN(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()

	ordered := []*tuple.Statement{
		{Tuple: tuple.FromFields([]any{int64(1), "v2"}), Type: tuple.TypeReplace, LSN: 2},
		{Tuple: tuple.FromFields([]any{int64(1), "v1"}), Type: tuple.TypeReplace, LSN: 1},
	}

	run, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, ordered, 4096, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	defer os.Remove(run.DataPath)
	defer os.Remove(run.IndexPath)

	it, err := NewRunIterator(run, kd, 1)
	if err != nil {
		t.Fatalf("NewRunIterator: %v", err)
	}
	defer it.Close()

	got, err := it.Seek(tuple.FromFields([]any{int64(1)}))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got == nil {
		t.Fatal("expected a match")
	}
	v, _ := got.Tuple.Field(1)
	if v != "v1" {
		t.Fatalf("expected version visible at vlsn=1 (v1), got %v", v)
	}
}

func TestRunIteratorSeekMissingKey(t *testing.T) {
	dir := t.TempDir()
	kd := testKeyDef()

	run, err := WriteRun(dir, uuid.New(), 1, 1, 1, kd, makeStatements(5), 4096, false)
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	defer os.Remove(run.DataPath)
	defer os.Remove(run.IndexPath)

	it, err := NewRunIterator(run, kd, 100)
	if err != nil {
		t.Fatalf("NewRunIterator: %v", err)
	}
	defer it.Close()

	got, err := it.Seek(tuple.FromFields([]any{int64(999)}))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no match for absent key, got %+v", got)
	}
}
