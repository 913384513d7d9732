// Package tuple implements the statement codec of spec §4.1: tuples with
// O(1) indexed-field access, REPLACE/DELETE/UPSERT/SELECT statements, key
// extraction, comparison, and UPSERT application.
//
// The wire format reuses the teacher engine's BSON codec
// (go.mongodb.org/mongo-driver/v2/bson) as the concrete encoding for the
// MessagePack-typed field system of spec §3: a tuple is stored as a BSON
// array, and "[offset_N ... offset_1 | data]" O(1) field access is
// provided by a decoded-value cache built once at construction rather than
// literal negative byte offsets (see DESIGN.md).
package tuple

import (
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/types"
)

// maxRefCount bounds the tuple reference counter (spec §3, "counter
// bounded by an implementation-defined maximum").
const maxRefCount = 1 << 20

// Tuple is an ordered array of MessagePack/BSON-typed fields, reference
// counted so iterators and result sets can share one allocation.
type Tuple struct {
	raw    []byte // BSON-encoded array, the on-disk/on-wire representation
	fields []any  // decoded cache giving O(1) field access
	refs   int32
}

// NewTuple decodes a BSON-array-encoded document into a Tuple with one
// reference already held.
func NewTuple(raw []byte) (*Tuple, error) {
	var arr bson.A
	if err := bson.Unmarshal(wrapArray(raw), &arr); err != nil {
		return nil, errors.Wrap(err, errors.CodeMsgpackDecode, "decode tuple")
	}
	return FromFields([]any(arr)), nil
}

// FromFields builds a Tuple directly from decoded field values, encoding
// them to BSON for storage/transmission.
func FromFields(fields []any) *Tuple {
	cp := append([]any(nil), fields...)
	raw, err := bson.Marshal(bson.D{{Key: "t", Value: bson.A(cp)}})
	if err != nil {
		// Marshaling a bson.A of already-decoded scalar values cannot fail
		// in practice; a failure here indicates a field holds a type BSON
		// cannot represent, which is a programming error upstream.
		panic(fmt.Sprintf("tuple: marshal fields: %v", err))
	}
	t := &Tuple{fields: cp}
	t.raw = unwrapArray(raw)
	atomic.StoreInt32(&t.refs, 1)
	return t
}

// wrapArray/unwrapArray adapt between a bare BSON array document (how
// Tuple stores itself on disk, matching spec §3's "MessagePack array"
// layout) and the {"t": [...]} wrapper bson.Marshal/Unmarshal require
// for a top-level document.
func wrapArray(raw []byte) []byte {
	doc := bson.D{{Key: "t", Value: bson.RawArray(raw)}}
	out, err := bson.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

func unwrapArray(wrapped []byte) []byte {
	var doc bson.Raw = wrapped
	rv := doc.Lookup("t")
	arr, _ := rv.ArrayOK()
	return []byte(arr)
}

// Field returns the decoded value of the n-th field (0-based), O(1) via
// the decoded-value cache.
func (t *Tuple) Field(n int) (any, bool) {
	if n < 0 || n >= len(t.fields) {
		return nil, false
	}
	return t.fields[n], true
}

// FieldCount returns the number of fields in the tuple.
func (t *Tuple) FieldCount() int { return len(t.fields) }

// Raw returns the BSON-array encoding of the tuple, for WAL/run
// serialization.
func (t *Tuple) Raw() []byte { return t.raw }

// Ref increments the tuple's reference count, bounded by maxRefCount.
func (t *Tuple) Ref() error {
	n := atomic.AddInt32(&t.refs, 1)
	if n > maxRefCount {
		atomic.AddInt32(&t.refs, -1)
		return errors.New(errors.CodeTupleRefOverflow, "tuple reference count exceeds %d", maxRefCount)
	}
	return nil
}

// Unref decrements the reference count; callers must stop using t once it
// reaches zero, since the owning arena may reclaim the backing memory.
func (t *Tuple) Unref() int32 {
	return atomic.AddInt32(&t.refs, -1)
}

// RefCount returns the current reference count.
func (t *Tuple) RefCount() int32 { return atomic.LoadInt32(&t.refs) }

// ExtractKey builds a new Tuple holding only the fields named by kd's
// parts, in key order, as spec §4.1's extract_key.
func ExtractKey(t *Tuple, kd *keydef.KeyDef) (*Tuple, error) {
	out := make([]any, len(kd.Parts))
	for i, p := range kd.Parts {
		v, ok := t.Field(p.FieldNo)
		if !ok {
			return nil, errors.New(errors.CodeIllegalParams, "tuple has no field %d required by key def", p.FieldNo)
		}
		if err := types.Validate(p.Type, v); err != nil {
			return nil, errors.Wrap(err, errors.CodeFieldTypeMismatch, "key field %d", p.FieldNo)
		}
		out[i] = v
	}
	return FromFields(out), nil
}

// CompareKeys compares the key parts of two tuples according to kd,
// applying a prefix rule for partial keys: if one key has fewer parts
// than kd, comparison only covers the shorter key's parts and an equal
// prefix compares equal (spec §4.1).
func CompareKeys(a, b *Tuple, kd *keydef.KeyDef) int {
	n := len(kd.Parts)
	if a.FieldCount() < n {
		n = a.FieldCount()
	}
	if b.FieldCount() < n {
		n = b.FieldCount()
	}
	for i := 0; i < n; i++ {
		p := kd.Parts[i]
		av, _ := a.Field(i)
		bv, _ := b.Field(i)
		if c := types.CompareValues(p.Type, av, bv); c != 0 {
			return c
		}
	}
	return 0
}
