package vy

import (
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// MemIterator walks one Mem's sorted statements in the direction and
// bound it names, yielding the newest version with lsn <= vlsn for each
// distinct key it visits — the "tree lookup with sentinel lsn" of spec
// §4.4's mem iterator, applied here to the sorted-slice Mem of mem.go
// instead of a literal B+tree descent.
type MemIterator struct {
	kd    *keydef.KeyDef
	it    IterType
	vlsn  uint64
	stmts []*tuple.Statement
	pos   int
	asc   bool

	version uint32
	mem     *Mem
	key     *tuple.Tuple
}

// NewMemIterator builds an iterator over mem starting at key (nil means
// "from the edge of the key space", valid for GE/LE/ALL/REQ).
func NewMemIterator(mem *Mem, kd *keydef.KeyDef, it IterType, key *tuple.Tuple, vlsn uint64) (*MemIterator, error) {
	stmts := mem.Snapshot()
	mi := &MemIterator{kd: kd, it: it, vlsn: vlsn, stmts: stmts, asc: it.Ascending(), version: mem.Version(), mem: mem, key: key}

	if key == nil {
		if mi.asc {
			mi.pos = 0
		} else {
			mi.pos = len(stmts) - 1
		}
		return mi, nil
	}

	find := func(i int) int {
		sk, err := tuple.ExtractStatementKey(stmts[i], kd)
		if err != nil {
			return 0
		}
		return tuple.CompareKeys(sk, key, kd)
	}
	mi.pos = startIndex(len(stmts), it, find)
	return mi, nil
}

// restore re-seeks the iterator if the underlying mem mutated since the
// last Next (spec §4.4's version-checked restore, applied per source
// instead of only at the merge level so a stale Mem iterator is never
// consulted even as a fallback).
func (mi *MemIterator) restore() {
	if mi.mem.Version() == mi.version {
		return
	}
	// cheapest correct recovery: rebuild the snapshot and reseek from the
	// last key this iterator yielded, if any.
	var lastKey *tuple.Tuple
	if mi.pos >= 0 && mi.pos < len(mi.stmts) {
		lastKey, _ = tuple.ExtractStatementKey(mi.stmts[mi.pos], mi.kd)
	}
	mi.stmts = mi.mem.Snapshot()
	mi.version = mi.mem.Version()
	if lastKey == nil {
		if mi.asc {
			mi.pos = 0
		} else {
			mi.pos = len(mi.stmts) - 1
		}
		return
	}
	find := func(i int) int {
		sk, err := tuple.ExtractStatementKey(mi.stmts[i], mi.kd)
		if err != nil {
			return 0
		}
		return tuple.CompareKeys(sk, lastKey, mi.kd)
	}
	it := IterGE
	if !mi.asc {
		it = IterLE
	}
	mi.pos = startIndex(len(mi.stmts), it, find)
}

// Next returns the newest visible statement for the next distinct key in
// this iterator's direction, or nil at exhaustion.
func (mi *MemIterator) Next() (*tuple.Statement, error) {
	mi.restore()
	return scanNext(mi.stmts, mi.kd, mi.it, mi.key, mi.vlsn, &mi.pos)
}

// Close is a no-op: MemIterator holds no external resources.
func (mi *MemIterator) Close() error { return nil }
