package vy

import (
	"sort"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/txn"
)

// TxwIterator is an ordered scan over one transaction's own write set on
// one index, so an in-progress transaction reads its own uncommitted
// writes (spec §4.4's txw iterator). Entries not on indexID are skipped;
// the newest entry for a duplicate key within the same tx wins, matching
// write-set semantics ("the last write to a key in a transaction is what
// a subsequent read in the same transaction observes").
type TxwIterator struct {
	kd      *keydef.KeyDef
	it      IterType
	key     *tuple.Tuple
	entries []txn.WriteEntry
	pos     int
}

// NewTxwIterator builds an iterator over tx's writes to indexID.
func NewTxwIterator(tx *txn.Tx, indexID uint64, kd *keydef.KeyDef, it IterType, key *tuple.Tuple) (*TxwIterator, error) {
	byKey := make(map[string]txn.WriteEntry)
	var order []string
	for _, w := range tx.Writes() {
		if w.IndexID != indexID || w.Stmt == nil {
			continue
		}
		if _, ok := byKey[w.Key]; !ok {
			order = append(order, w.Key)
		}
		byKey[w.Key] = w // last write for a key wins
	}

	entries := make([]txn.WriteEntry, 0, len(order))
	for _, k := range order {
		entries = append(entries, byKey[k])
	}

	sort.Slice(entries, func(i, j int) bool {
		ki, err := tuple.ExtractStatementKey(entries[i].Stmt, kd)
		if err != nil {
			return false
		}
		kj, err := tuple.ExtractStatementKey(entries[j].Stmt, kd)
		if err != nil {
			return false
		}
		return tuple.CompareKeys(ki, kj, kd) < 0
	})

	ti := &TxwIterator{kd: kd, it: it, key: key, entries: entries}
	if key == nil {
		if it.Ascending() {
			ti.pos = 0
		} else {
			ti.pos = len(entries) - 1
		}
		return ti, nil
	}

	find := func(i int) int {
		k, err := tuple.ExtractStatementKey(entries[i].Stmt, kd)
		if err != nil {
			return 0
		}
		return tuple.CompareKeys(k, key, kd)
	}
	ti.pos = startIndex(len(entries), it, find)
	return ti, nil
}

// Next returns the next write-set entry's statement in this iterator's
// direction, or nil at exhaustion.
func (ti *TxwIterator) Next() (*tuple.Statement, error) {
	if ti.pos < 0 || ti.pos >= len(ti.entries) {
		return nil, nil
	}
	entry := ti.entries[ti.pos]

	if ti.key != nil {
		k, err := tuple.ExtractStatementKey(entry.Stmt, ti.kd)
		if err != nil {
			return nil, err
		}
		cmp := tuple.CompareKeys(k, ti.key, ti.kd)
		if !matches(ti.it, cmp) {
			return nil, nil
		}
	}

	if ti.it.Ascending() {
		ti.pos++
	} else {
		ti.pos--
	}
	return entry.Stmt, nil
}

// Close is a no-op: TxwIterator holds no external resources.
func (ti *TxwIterator) Close() error { return nil }
