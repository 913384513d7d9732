package tuple

import (
	"testing"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/types"
)

func TestFromFieldsRoundTrip(t *testing.T) {
	tup := FromFields([]any{int64(1), "hello", int64(3)})
	if tup.FieldCount() != 3 {
		t.Fatalf("expected 3 fields, got %d", tup.FieldCount())
	}

	decoded, err := NewTuple(tup.Raw())
	if err != nil {
		t.Fatalf("NewTuple: %v", err)
	}
	if decoded.FieldCount() != 3 {
		t.Fatalf("round-trip field count = %d, want 3", decoded.FieldCount())
	}
	v, ok := decoded.Field(1)
	if !ok || v != "hello" {
		t.Fatalf("round-trip field 1 = %v, want hello", v)
	}
}

func TestExtractKeyAndCompare(t *testing.T) {
	kd := keydef.New(true, keydef.Part{FieldNo: 0, Type: types.FieldUnsigned})

	a := FromFields([]any{int64(1), int64(2), int64(3)})
	b := FromFields([]any{int64(5), int64(8), int64(13)})

	ak, err := ExtractKey(a, kd)
	if err != nil {
		t.Fatalf("ExtractKey a: %v", err)
	}
	bk, err := ExtractKey(b, kd)
	if err != nil {
		t.Fatalf("ExtractKey b: %v", err)
	}

	if c := CompareKeys(ak, bk, kd); c >= 0 {
		t.Fatalf("CompareKeys(a,b) = %d, want < 0", c)
	}
	if c := CompareKeys(ak, ak, kd); c != 0 {
		t.Fatalf("CompareKeys(a,a) = %d, want 0", c)
	}
}

func TestApplyUpsertMaterializesReplaceWhenNoOlder(t *testing.T) {
	up := NewUpsert([]any{int64(1), int64(0)}, []Op{{Code: OpAdd, Field: 1, Arg: int64(1)}})

	kd := keydef.New(true, keydef.Part{FieldNo: 0, Type: types.FieldUnsigned})
	result, err := ApplyUpsert(up, nil, kd, false)
	if err != nil {
		t.Fatalf("ApplyUpsert: %v", err)
	}
	if result.Type != TypeReplace {
		t.Fatalf("expected REPLACE, got %s", result.Type)
	}
}

func TestApplyUpsertAgainstReplace(t *testing.T) {
	older := NewReplace([]any{int64(1), int64(0)})
	kd := keydef.New(true, keydef.Part{FieldNo: 0, Type: types.FieldUnsigned})

	for i := 0; i < 200; i++ {
		up := NewUpsert([]any{int64(1), int64(0)}, []Op{{Code: OpAdd, Field: 1, Arg: int64(1)}})
		up.LSN = uint64(i + 1)
		var err error
		older, err = ApplyUpsert(up, older, kd, true)
		if err != nil {
			t.Fatalf("ApplyUpsert iteration %d: %v", i, err)
		}
	}

	if older.Type != TypeReplace {
		t.Fatalf("expected final REPLACE, got %s", older.Type)
	}
	v, _ := older.Tuple.Field(1)
	if v != int64(200) {
		t.Fatalf("expected field 1 = 200, got %v", v)
	}
}

func TestApplyUpsertSquashesStackedOps(t *testing.T) {
	older := NewUpsert([]any{int64(1), int64(0)}, []Op{{Code: OpAdd, Field: 1, Arg: int64(1)}})
	newUp := NewUpsert([]any{int64(1), int64(0)}, []Op{{Code: OpAdd, Field: 1, Arg: int64(2)}})

	result, err := ApplyUpsert(newUp, older, nil, false)
	if err != nil {
		t.Fatalf("ApplyUpsert: %v", err)
	}
	if result.Type != TypeUpsert {
		t.Fatalf("expected squashed UPSERT, got %s", result.Type)
	}
	if len(result.Ops) != 1 {
		t.Fatalf("expected ops to squash into 1, got %d: %+v", len(result.Ops), result.Ops)
	}
	if result.Ops[0].Arg != int64(3) {
		t.Fatalf("expected squashed arg 3, got %v", result.Ops[0].Arg)
	}
}
