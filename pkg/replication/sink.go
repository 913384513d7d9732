package replication

import (
	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/vy"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

// RangeSink is the concrete RowSink that feeds replicated rows into a
// single vy.Range (one sink per range an applier is responsible for).
// Any of spec §4.9's three phases can use the same sink type — it's the
// phase (which Applier field holds it) that differs, not the mechanics
// of applying a row.
type RangeSink struct {
	Range *vy.Range
}

// ApplyRow decodes an xlog row back into a tuple.Statement (the inverse
// of pkg/vy/run.go's statementToRow) and feeds it through Range.Set,
// which runs the same DELETE/UPSERT short-circuit logic a local write
// would.
func (s *RangeSink) ApplyRow(row xlog.Row) error {
	var stmt *tuple.Statement
	switch row.Type {
	case xlog.RowDelete:
		stmt = &tuple.Statement{Tuple: row.Tuple, Type: tuple.TypeDelete, LSN: row.LSN}
	case xlog.RowUpsert:
		stmt = &tuple.Statement{Tuple: row.Tuple, Type: tuple.TypeUpsert, LSN: row.LSN, Ops: row.Ops}
	case xlog.RowInsert, xlog.RowReplace:
		stmt = &tuple.Statement{Tuple: row.Tuple, Type: tuple.TypeReplace, LSN: row.LSN}
	default:
		return nil // control rows (AUTH/SUBSCRIBE/JOIN/VOTE/SELECT) carry no data to apply
	}
	return s.Range.Set(stmt)
}
