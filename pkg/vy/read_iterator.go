package vy

import (
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/txn"
)

// ReadIterator is the top-level iterator spec §4.4 describes driving a
// read: for each range its key range touches, build a merge iterator
// over (tx writes, active mem, frozen mems newest-first, runs
// newest-first), in that priority order, then fold UPSERT chains via
// apply_upsert and hide DELETE-shadowed keys from the caller. Spans
// multiple ranges in cover order when the scan isn't confined to one
// range (e.g. after a split).
type ReadIterator struct {
	kd     *keydef.KeyDef
	it     IterType
	key    *tuple.Tuple
	vlsn   uint64
	tx     *txn.Tx
	idxID  uint64
	ranges []*Range
	rIdx   int
	cur    *MergeIterator
}

// NewReadIterator builds a read iterator over ranges (already ordered by
// cover) starting at key. tx may be nil for a non-transactional read
// (e.g. during recovery or compaction driving a plain scan); indexID
// selects which of tx's writes apply.
func NewReadIterator(ranges []*Range, indexID uint64, kd *keydef.KeyDef, it IterType, key *tuple.Tuple, vlsn uint64, tx *txn.Tx) (*ReadIterator, error) {
	r := &ReadIterator{kd: kd, it: it, key: key, vlsn: vlsn, tx: tx, idxID: indexID, ranges: ranges}
	if !it.Ascending() {
		r.rIdx = len(ranges) - 1
	}
	return r, nil
}

func (r *ReadIterator) openRange(rng *Range) (*MergeIterator, error) {
	var sources []sourceIterator

	if r.tx != nil {
		txw, err := NewTxwIterator(r.tx, r.idxID, r.kd, r.it, r.key)
		if err != nil {
			return nil, err
		}
		sources = append(sources, txw)
	}

	activeIt, err := NewMemIterator(rng.Active(), r.kd, r.it, r.key, r.vlsn)
	if err != nil {
		return nil, err
	}
	sources = append(sources, activeIt)

	for _, m := range rng.Frozen() {
		fi, err := NewMemIterator(m, r.kd, r.it, r.key, r.vlsn)
		if err != nil {
			return nil, err
		}
		sources = append(sources, fi)
	}

	for _, run := range rng.Runs() {
		ri, err := NewRunScanIterator(run, r.kd, r.it, r.key, r.vlsn)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ri)
	}

	return NewMergeIterator(r.kd, r.it.Ascending(), sources...), nil
}

// Next returns the next visible, fully-materialized statement (UPSERTs
// folded, DELETEs hidden), or nil at the end of every range.
func (r *ReadIterator) Next() (*tuple.Statement, error) {
	for {
		if r.cur == nil {
			if r.rIdx < 0 || r.rIdx >= len(r.ranges) {
				return nil, nil
			}
			cur, err := r.openRange(r.ranges[r.rIdx])
			if err != nil {
				return nil, err
			}
			r.cur = cur
		}

		stmt, err := r.cur.Next()
		if err != nil {
			return nil, err
		}
		if stmt == nil {
			r.cur.Close()
			r.cur = nil
			if r.it.Ascending() {
				r.rIdx++
			} else {
				r.rIdx--
			}
			if r.it == IterEQ || r.it == IterREQ {
				return nil, nil // a point lookup never spans ranges
			}
			continue
		}

		resolved, err := r.resolveUpsertChain(stmt)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			continue // DELETE: hidden from the caller, keep scanning
		}
		return resolved, nil
	}
}

// resolveUpsertChain folds a leading UPSERT against the merge iterator's
// next (older) version(s) of the same key until a REPLACE/DELETE anchors
// the chain, per spec §4.1's apply_upsert and §4.4's "squash through
// older versions." Since the merge iterator already de-duplicates a key
// across layers (front_id batching picks the single newest visible
// version per layer), a "chain" in practice is at most the one statement
// MergeIterator.Next returned; this still routes every statement through
// ApplyUpsert so a bare UPSERT with no REPLACE beneath it (the oldest
// version of a key) still materializes instead of leaking an
// unresolved ops payload to the caller.
func (r *ReadIterator) resolveUpsertChain(stmt *tuple.Statement) (*tuple.Statement, error) {
	switch stmt.Type {
	case tuple.TypeDelete:
		return nil, nil
	case tuple.TypeUpsert:
		return tuple.ApplyUpsert(stmt, nil, r.kd, true)
	default:
		return stmt, nil
	}
}

// Close closes the currently open range's merge iterator, if any.
func (r *ReadIterator) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}
