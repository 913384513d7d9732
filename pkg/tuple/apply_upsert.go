package tuple

import (
	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/keydef"
)

// ApplyUpsert implements spec §4.1's apply-upsert contract, given two
// statements for the same key:
//
//  1. older is nil or DELETE: materialize a REPLACE from upsert's tuple.
//  2. older is REPLACE: run upsert's ops against older's data; if the
//     primary key of the result differs from older's, discard the result
//     and return a duplicate of older carrying upsert's LSN. An op that
//     fails also yields that duplicate when suppressError is set, and is
//     returned as an error otherwise. Neither case is logged.
//  3. older is UPSERT: attempt to squash the two op sequences into one;
//     on failure, concatenate them (old then new) into a single UPSERT
//     carrying upsert's LSN.
func ApplyUpsert(upsert, older *Statement, pk *keydef.KeyDef, suppressError bool) (*Statement, error) {
	if upsert.Type != TypeUpsert {
		return nil, errors.New(errors.CodeIllegalParams, "apply_upsert requires an UPSERT statement")
	}

	if older == nil || older.Type == TypeDelete {
		return materializeReplace(upsert), nil
	}

	if older.Type == TypeUpsert {
		return squashOrConcat(upsert, older), nil
	}

	// older.Type == TypeReplace
	fields := cloneFields(older.Tuple)
	if err := applyOps(fields, upsert.Ops); err != nil {
		if suppressError {
			return duplicateOf(older, upsert.LSN), nil
		}
		return nil, err
	}

	result := &Statement{Tuple: FromFields(fields), Type: TypeReplace, LSN: upsert.LSN}
	if pk != nil {
		oldKey, err1 := ExtractStatementKey(older, pk)
		newKey, err2 := ExtractStatementKey(result, pk)
		if err1 == nil && err2 == nil && CompareKeys(oldKey, newKey, pk) != 0 {
			// The ops moved the primary key: per spec this is a diagnostic
			// condition, not a hard failure — keep older's identity intact.
			return duplicateOf(older, upsert.LSN), nil
		}
	}
	return result, nil
}

// materializeReplace turns an UPSERT's own tuple into a REPLACE, used
// when there is no older version to merge against.
func materializeReplace(upsert *Statement) *Statement {
	return &Statement{Tuple: upsert.Tuple, Type: TypeReplace, LSN: upsert.LSN}
}

func duplicateOf(older *Statement, lsn uint64) *Statement {
	return &Statement{Tuple: older.Tuple, Type: older.Type, LSN: lsn, Ops: older.Ops, upsertCount: older.upsertCount}
}

func cloneFields(t *Tuple) []any {
	out := make([]any, t.FieldCount())
	for i := range out {
		out[i], _ = t.Field(i)
	}
	return out
}

// applyOps runs ops against fields in place, per Tarantool-style update
// op semantics: '+'/'-' require a numeric field and add/subtract Arg,
// '=' assigns Arg unconditionally. Unknown op codes or out-of-range
// fields are reported as errors for the caller to suppress or propagate.
func applyOps(fields []any, ops []Op) error {
	for _, op := range ops {
		if op.Field < 0 || op.Field >= len(fields) {
			return errors.New(errors.CodeIllegalParams, "upsert op targets out-of-range field %d", op.Field)
		}
		switch op.Code {
		case OpAssign:
			fields[op.Field] = op.Arg
		case OpAdd, OpSubtract:
			cur, ok := asFloat(fields[op.Field])
			arg, okArg := asFloat(op.Arg)
			if !ok || !okArg {
				return errors.New(errors.CodeFieldTypeMismatch, "upsert arithmetic op on non-numeric field %d", op.Field)
			}
			if op.Code == OpAdd {
				fields[op.Field] = reboxLike(fields[op.Field], cur+arg)
			} else {
				fields[op.Field] = reboxLike(fields[op.Field], cur-arg)
			}
		default:
			return errors.New(errors.CodeIllegalParams, "unknown upsert op code %q", rune(op.Code))
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// reboxLike preserves the original field's concrete numeric type across
// an arithmetic op, so a field stays an int64 if it started as one.
func reboxLike(orig any, result float64) any {
	switch orig.(type) {
	case int, int32, int64:
		return int64(result)
	default:
		return result
	}
}

// squashOrConcat implements step 3 of the apply-upsert contract: attempt
// to merge two op sequences that target disjoint field sets into one
// (squash), else fall back to concatenation (old ops, then new), and bump
// the saturating stacked-upsert counter.
func squashOrConcat(upsert, older *Statement) *Statement {
	var merged []Op
	if squashed, ok := trySquash(older.Ops, upsert.Ops); ok {
		merged = squashed
	} else {
		merged = append(append([]Op{}, older.Ops...), upsert.Ops...)
	}

	count := older.upsertCount
	if count < upsertSquashThreshold {
		count++
	} else {
		count = upsertPendingCount
	}

	return &Statement{Tuple: upsert.Tuple, Type: TypeUpsert, Ops: merged, LSN: upsert.LSN, upsertCount: count}
}

// trySquash merges oldOps then newOps into one op list when every field
// touched by newOps is either untouched by oldOps or touched with a
// commuting arithmetic op (+/-), collapsing same-field +/- pairs into one
// op (whose argument stays an int64 when both arguments are integers).
// Assignment ops ('=') never squash with a prior op on the same field,
// since the prior contribution would be silently discarded.
func trySquash(oldOps, newOps []Op) ([]Op, bool) {
	byField := make(map[int]int, len(oldOps)) // field -> index into merged
	merged := append([]Op{}, oldOps...)
	for i, op := range merged {
		byField[op.Field] = i
	}

	for _, nop := range newOps {
		idx, exists := byField[nop.Field]
		if !exists {
			merged = append(merged, nop)
			byField[nop.Field] = len(merged) - 1
			continue
		}
		existing := merged[idx]
		if existing.Code == OpAssign || nop.Code == OpAssign {
			return nil, false
		}
		sum, ok1 := asFloat(existing.Arg)
		delta, ok2 := asFloat(nop.Arg)
		if !ok1 || !ok2 {
			return nil, false
		}
		if existing.Code == OpSubtract {
			sum = -sum
		}
		if nop.Code == OpSubtract {
			delta = -delta
		}
		total := sum + delta
		code := OpAdd
		if total < 0 {
			code = OpSubtract
			total = -total
		}
		var arg any = total
		switch nop.Arg.(type) {
		case int, int32, int64:
			arg = reboxLike(existing.Arg, total)
		}
		merged[idx] = Op{Code: code, Field: nop.Field, Arg: arg}
	}
	return merged, true
}
