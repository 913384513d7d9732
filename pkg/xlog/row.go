package xlog

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// RowType is the TYPE field of an xlog row (spec §6).
type RowType uint8

const (
	RowInsert RowType = iota + 1
	RowReplace
	RowDelete
	RowUpsert
	RowSelect
	RowAuth
	RowSubscribe
	RowJoin
	RowVote
)

// Row-field keys. Spec §6 calls for "a MessagePack map whose keys are
// small integers"; BSON documents require string keys, so each field is
// keyed by the decimal string of its small integer id below — the same
// wrap-for-BSON compromise pkg/tuple makes for bare arrays.
const (
	keyType      = "1"
	keySync      = "2"
	keyServerID  = "3"
	keyLSN       = "4"
	keyTimestamp = "5"
	keySpaceID   = "6"
	keyIndexID   = "7"
	keyKey       = "8"
	keyTuple     = "9"
	keyOps       = "10"
	keyIndexBase = "11"
)

// Row is one decoded xlog row: a replicated statement or a replication
// control message, per spec §6.
type Row struct {
	Type      RowType
	Sync      uint64
	ServerID  uint32
	LSN       uint64
	Timestamp int64
	SpaceID   uint32
	IndexID   uint32
	Key       *tuple.Tuple
	Tuple     *tuple.Tuple
	Ops       []tuple.Op
	IndexBase uint32
}

type wireOp struct {
	Code  string `bson:"c"`
	Field int    `bson:"f"`
	Arg   any    `bson:"a"`
}

// Encode renders a Row to its BSON-map wire form, in the field-by-field
// bson.D style the teacher's pkg/storage/bson.go codec uses throughout.
func (r Row) Encode() ([]byte, error) {
	d := bson.D{
		{Key: keyType, Value: uint8(r.Type)},
		{Key: keySync, Value: r.Sync},
		{Key: keyServerID, Value: r.ServerID},
		{Key: keyLSN, Value: r.LSN},
		{Key: keyTimestamp, Value: r.Timestamp},
		{Key: keySpaceID, Value: r.SpaceID},
		{Key: keyIndexID, Value: r.IndexID},
		{Key: keyIndexBase, Value: r.IndexBase},
	}
	if r.Key != nil {
		d = append(d, bson.E{Key: keyKey, Value: bson.RawArray(r.Key.Raw())})
	}
	if r.Tuple != nil {
		d = append(d, bson.E{Key: keyTuple, Value: bson.RawArray(r.Tuple.Raw())})
	}
	if len(r.Ops) > 0 {
		ops := make([]wireOp, 0, len(r.Ops))
		for _, op := range r.Ops {
			ops = append(ops, wireOp{Code: string(op.Code), Field: op.Field, Arg: op.Arg})
		}
		d = append(d, bson.E{Key: keyOps, Value: ops})
	}
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeMsgpackDecode, "encode xlog row")
	}
	return out, nil
}

// DecodeRow parses one BSON-map-encoded row, mirroring the teacher's
// GetValueFromBson field-lookup style.
func DecodeRow(raw []byte) (Row, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return Row{}, errors.Wrap(err, errors.CodeMsgpackDecode, "decode xlog row")
	}

	fields := make(map[string]any, len(doc))
	for _, e := range doc {
		fields[e.Key] = e.Value
	}

	var r Row
	r.Type = RowType(asUint8(fields[keyType]))
	r.Sync = asUint64(fields[keySync])
	r.ServerID = uint32(asUint64(fields[keyServerID]))
	r.LSN = asUint64(fields[keyLSN])
	r.Timestamp = int64(asUint64(fields[keyTimestamp]))
	r.SpaceID = uint32(asUint64(fields[keySpaceID]))
	r.IndexID = uint32(asUint64(fields[keyIndexID]))
	r.IndexBase = uint32(asUint64(fields[keyIndexBase]))

	if arr, ok := fields[keyKey].(bson.A); ok {
		r.Key = tuple.FromFields([]any(arr))
	}
	if arr, ok := fields[keyTuple].(bson.A); ok {
		r.Tuple = tuple.FromFields([]any(arr))
	}
	if opsRaw, ok := fields[keyOps].(bson.A); ok {
		var ops []tuple.Op
		for _, item := range opsRaw {
			sub, ok := item.(bson.D)
			if !ok {
				continue
			}
			var wop wireOp
			for _, e := range sub {
				switch e.Key {
				case "c":
					s, _ := e.Value.(string)
					wop.Code = s
				case "f":
					wop.Field = int(asUint64(e.Value))
				case "a":
					wop.Arg = e.Value
				}
			}
			var oc tuple.OpCode
			if len(wop.Code) == 1 {
				oc = tuple.OpCode(wop.Code[0])
			}
			ops = append(ops, tuple.Op{Code: oc, Field: wop.Field, Arg: wop.Arg})
		}
		r.Ops = ops
	}
	return r, nil
}

func asUint8(v any) uint8  { return uint8(asUint64(v)) }
func asUint64(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case float64:
		return uint64(n)
	default:
		return 0
	}
}
