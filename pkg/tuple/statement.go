package tuple

import (
	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/types"
)

// Type is a statement's operation kind (spec §3).
type Type uint8

const (
	TypeReplace Type = iota + 1
	TypeDelete
	TypeUpsert
	TypeSelect
)

func (t Type) String() string {
	switch t {
	case TypeReplace:
		return "REPLACE"
	case TypeDelete:
		return "DELETE"
	case TypeUpsert:
		return "UPSERT"
	case TypeSelect:
		return "SELECT"
	default:
		return "UNKNOWN"
	}
}

// upsertPendingCount marks a statement's upsert counter as "pending a
// squash" once it saturates (spec §4.1): the squash fiber clears it back
// to a small count once it materializes a REPLACE.
const (
	upsertSquashThreshold = 128
	upsertPendingCount    = 255
)

// OpCode names a single upsert operation (spec §4.1's "ops payload"),
// modeled on Tarantool's update op codes: '+' add, '-' subtract, '=' set,
// and so on. Only the arithmetic/assignment codes the spec's scenarios
// exercise are implemented; unknown codes are rejected at apply time.
type OpCode byte

const (
	OpAdd      OpCode = '+'
	OpSubtract OpCode = '-'
	OpAssign   OpCode = '='
)

// Op is one operation in an UPSERT's ops payload: apply Code to Field with
// Arg.
type Op struct {
	Code  OpCode
	Field int
	Arg   any
}

// Statement is a tuple plus its operation type, LSN, and (for UPSERT) the
// stacked-operations payload and saturating counter of spec §3.
type Statement struct {
	Tuple       *Tuple
	Type        Type
	LSN         uint64
	Ops         []Op // UPSERT only
	upsertCount uint8
}

// NewReplace builds a REPLACE statement from already-decoded field values.
func NewReplace(fields []any) *Statement {
	return &Statement{Tuple: FromFields(fields), Type: TypeReplace}
}

// NewDelete builds a DELETE statement carrying only the key.
func NewDelete(key *Tuple) *Statement {
	return &Statement{Tuple: key, Type: TypeDelete}
}

// NewUpsert builds an UPSERT statement from the new tuple data and its
// ops payload.
func NewUpsert(fields []any, ops []Op) *Statement {
	return &Statement{Tuple: FromFields(fields), Type: TypeUpsert, Ops: ops, upsertCount: 1}
}

// NewSelect builds a key-only SELECT probe statement (spec §3: "used as
// an iterator probe"). partCount truncates key to the first partCount
// fields, supporting partial-key iteration.
func NewSelect(key *Tuple, partCount int) *Statement {
	if key != nil && partCount >= 0 && partCount < key.FieldCount() {
		fields := make([]any, partCount)
		for i := 0; i < partCount; i++ {
			fields[i], _ = key.Field(i)
		}
		key = FromFields(fields)
	}
	return &Statement{Tuple: key, Type: TypeSelect}
}

// ExtractStatementKey extracts stmt's key tuple according to kd.
func ExtractStatementKey(stmt *Statement, kd *keydef.KeyDef) (*Tuple, error) {
	return ExtractKey(stmt.Tuple, kd)
}

// Compare orders two statements by their kd key, ignoring LSN (callers
// that need (key, lsn desc) ordering compare LSN themselves, as vy mem
// does).
func Compare(a, b *Statement, kd *keydef.KeyDef) (int, error) {
	ak, err := ExtractStatementKey(a, kd)
	if err != nil {
		return 0, err
	}
	bk, err := ExtractStatementKey(b, kd)
	if err != nil {
		return 0, err
	}
	return CompareKeys(ak, bk, kd), nil
}

// CompareWithKey compares a full statement's key fields against an
// already-extracted key tuple, honoring the partial-key prefix rule of
// spec §4.1.
func CompareWithKey(stmt *Statement, key *Tuple, kd *keydef.KeyDef) (int, error) {
	n := len(kd.Parts)
	if key.FieldCount() < n {
		n = key.FieldCount()
	}
	for i := 0; i < n; i++ {
		p := kd.Parts[i]
		sv, ok := stmt.Tuple.Field(p.FieldNo)
		if !ok {
			return 0, errors.New(errors.CodeIllegalParams, "statement missing field %d", p.FieldNo)
		}
		kv, _ := key.Field(i)
		if c := types.CompareValues(p.Type, sv, kv); c != 0 {
			return c, nil
		}
	}
	return 0, nil
}

// IsUpsertPending reports whether the stacked-upsert counter has
// saturated and is awaiting the squash fiber (spec §4.1).
func (s *Statement) IsUpsertPending() bool { return s.upsertCount == upsertPendingCount }

// UpsertDepth returns the saturating stacked-upsert counter.
func (s *Statement) UpsertDepth() uint8 { return s.upsertCount }

// MarkSquashed resets the counter after the squash fiber materializes a
// REPLACE for this key.
func (s *Statement) MarkSquashed() { s.upsertCount = 0 }
