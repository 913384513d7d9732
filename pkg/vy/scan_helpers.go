package vy

import (
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// scanNext is the shared (key asc, lsn desc)-grouped-slice walk used by
// both MemIterator and RunScanIterator: given a key-grouped slice and a
// cursor position, find the full run of statements sharing the key at
// *pos, advance the cursor past it in it's direction, and return the
// newest statement in that run visible at vlsn (or recurse past it if
// none is visible).
func scanNext(stmts []*tuple.Statement, kd *keydef.KeyDef, it IterType, boundKey *tuple.Tuple, vlsn uint64, pos *int) (*tuple.Statement, error) {
	asc := it.Ascending()
	for *pos >= 0 && *pos < len(stmts) {
		key, err := tuple.ExtractStatementKey(stmts[*pos], kd)
		if err != nil {
			return nil, err
		}

		if boundKey != nil {
			cmp := tuple.CompareKeys(key, boundKey, kd)
			if !matches(it, cmp) {
				return nil, nil
			}
		}

		lo, hi := *pos, *pos+1
		for lo > 0 {
			k, err := tuple.ExtractStatementKey(stmts[lo-1], kd)
			if err != nil || tuple.CompareKeys(k, key, kd) != 0 {
				break
			}
			lo--
		}
		for hi < len(stmts) {
			k, err := tuple.ExtractStatementKey(stmts[hi], kd)
			if err != nil || tuple.CompareKeys(k, key, kd) != 0 {
				break
			}
			hi++
		}
		group := stmts[lo:hi]

		if asc {
			*pos = hi
		} else {
			*pos = lo - 1
		}

		if best := visible(group, vlsn); best != nil {
			return best, nil
		}
	}
	return nil, nil
}
