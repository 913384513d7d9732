package types

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// FieldType is one of the seven MessagePack-typed field kinds of spec §3.
// The wire encoding underneath is BSON (go.mongodb.org/mongo-driver), the
// same codec the teacher engine already used for documents; BSON's element
// types map onto these kinds one-to-one (see the acceptable-tag table
// below), so no separate MessagePack layer is introduced.
type FieldType int

const (
	FieldAny FieldType = iota
	FieldUnsigned
	FieldString
	FieldArray
	FieldNumber
	FieldInteger
	FieldScalar
)

func (t FieldType) String() string {
	switch t {
	case FieldAny:
		return "ANY"
	case FieldUnsigned:
		return "UNSIGNED"
	case FieldString:
		return "STRING"
	case FieldArray:
		return "ARRAY"
	case FieldNumber:
		return "NUMBER"
	case FieldInteger:
		return "INTEGER"
	case FieldScalar:
		return "SCALAR"
	default:
		return "UNKNOWN"
	}
}

// tagClass buckets a decoded BSON value into one of a handful of ordering
// classes, used by SCALAR comparisons (which must first compare tag class,
// then value, per spec §4.1) and by field-type validation.
type tagClass int

const (
	classNil tagClass = iota
	classBool
	classNumber
	classString
	classArray
	classOther
)

func classify(v any) tagClass {
	switch v.(type) {
	case nil:
		return classNil
	case bool:
		return classBool
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return classNumber
	case string:
		return classString
	case bson.A:
		return classArray
	default:
		return classOther
	}
}

// Validate checks that v carries an acceptable MessagePack/BSON tag for t,
// per the fixed tag sets of spec §3.
func Validate(t FieldType, v any) error {
	class := classify(v)
	switch t {
	case FieldAny:
		return nil
	case FieldUnsigned:
		n, ok := asInt64(v)
		if !ok || n < 0 {
			return fmt.Errorf("field type UNSIGNED rejects value %v (%T)", v, v)
		}
		return nil
	case FieldInteger:
		if _, ok := asInt64(v); !ok {
			return fmt.Errorf("field type INTEGER rejects value %v (%T)", v, v)
		}
		return nil
	case FieldNumber:
		if class != classNumber {
			return fmt.Errorf("field type NUMBER rejects value %v (%T)", v, v)
		}
		return nil
	case FieldString:
		if class != classString {
			return fmt.Errorf("field type STRING rejects value %v (%T)", v, v)
		}
		return nil
	case FieldArray:
		if class != classArray {
			return fmt.Errorf("field type ARRAY rejects value %v (%T)", v, v)
		}
		return nil
	case FieldScalar:
		switch class {
		case classNil, classBool, classNumber, classString:
			return nil
		default:
			return fmt.Errorf("field type SCALAR rejects value %v (%T)", v, v)
		}
	default:
		return fmt.Errorf("unknown field type %d", t)
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// CompareValues compares two decoded field values according to t, as used
// by key-part comparison (spec §4.1): numeric compare for
// UNSIGNED/INTEGER/NUMBER, lexicographic for STRING, and tag-class-then-
// value for SCALAR.
func CompareValues(t FieldType, a, b any) int {
	switch t {
	case FieldUnsigned, FieldInteger, FieldNumber:
		af, aok := asFloat64(a)
		bf, bok := asFloat64(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return classify(a).compare(classify(b))
	case FieldString:
		as, _ := a.(string)
		bs, _ := b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	case FieldScalar:
		ca, cb := classify(a), classify(b)
		if c := ca.compare(cb); c != 0 {
			return c
		}
		return CompareValues(classToNumericHint(ca), a, b)
	default:
		// ANY/ARRAY: no total order required beyond equality of rendering.
		as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

func (c tagClass) compare(o tagClass) int {
	switch {
	case c < o:
		return -1
	case c > o:
		return 1
	default:
		return 0
	}
}

// classToNumericHint picks the CompareValues branch to use once two values
// are known to share a tag class, so SCALAR can recurse into the right
// comparator instead of re-deriving tag classes.
func classToNumericHint(c tagClass) FieldType {
	switch c {
	case classNumber:
		return FieldNumber
	case classString:
		return FieldString
	default:
		return FieldAny
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
