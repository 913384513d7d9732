package vy

import (
	"testing"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/types"
)

func testKeyDef() *keydef.KeyDef {
	return keydef.New(true, keydef.Part{FieldNo: 0, Type: types.FieldUnsigned})
}

func TestMemInsertOrdersByKeyThenLSNDesc(t *testing.T) {
	m := NewMem(testKeyDef())

	s1 := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "a"}), Type: tuple.TypeReplace, LSN: 1}
	s2 := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "b"}), Type: tuple.TypeReplace, LSN: 2}
	s3 := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(0), "z"}), Type: tuple.TypeReplace, LSN: 1}

	for _, s := range []*tuple.Statement{s1, s2, s3} {
		if err := m.Insert(s); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(snap))
	}
	// key 0 sorts before key 1; within key 1, lsn 2 sorts before lsn 1.
	if snap[0].LSN != 1 || snap[1].LSN != 2 || snap[2].LSN != 1 {
		t.Fatalf("unexpected order: %+v", snap)
	}
}

func TestMemInsertReplacesExactKeyLSNMatch(t *testing.T) {
	m := NewMem(testKeyDef())
	kd := testKeyDef()
	_ = kd

	s1 := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "a"}), Type: tuple.TypeReplace, LSN: 5}
	if err := m.Insert(s1); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s2 := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "updated"}), Type: tuple.TypeReplace, LSN: 5}
	if err := m.Insert(s2); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected in-place replace, got %d statements", len(snap))
	}
	v, _ := snap[0].Tuple.Field(1)
	if v != "updated" {
		t.Fatalf("expected updated tuple, got %v", v)
	}
}

func TestMemOlderLSN(t *testing.T) {
	m := NewMem(testKeyDef())

	old := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "old"}), Type: tuple.TypeReplace, LSN: 1}
	latest := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "new"}), Type: tuple.TypeReplace, LSN: 2}
	if err := m.Insert(old); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(latest); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	older, err := m.OlderLSN(latest)
	if err != nil {
		t.Fatalf("OlderLSN: %v", err)
	}
	if older == nil || older.LSN != 1 {
		t.Fatalf("expected older lsn 1, got %+v", older)
	}

	older, err = m.OlderLSN(old)
	if err != nil {
		t.Fatalf("OlderLSN: %v", err)
	}
	if older != nil {
		t.Fatalf("expected no older version of the oldest statement, got %+v", older)
	}
}

func TestMemVersionBumpsOnInsert(t *testing.T) {
	m := NewMem(testKeyDef())
	v0 := m.Version()

	s := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "a"}), Type: tuple.TypeReplace, LSN: 1}
	if err := m.Insert(s); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if m.Version() == v0 {
		t.Fatal("expected version to change after Insert")
	}
}

func TestMemUsedTracksByteSize(t *testing.T) {
	m := NewMem(testKeyDef())
	if m.Used() != 0 {
		t.Fatalf("expected 0 used bytes for empty mem, got %d", m.Used())
	}

	s := &tuple.Statement{Tuple: tuple.FromFields([]any{int64(1), "a"}), Type: tuple.TypeReplace, LSN: 1}
	if err := m.Insert(s); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.Used() <= 0 {
		t.Fatal("expected positive used bytes after insert")
	}
}
