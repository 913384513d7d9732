package vy

import (
	"os"
	"sort"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// WriteIterator drives a dump or compaction pass over a set of frozen
// mems and/or runs, per spec §4.4's write iterator:
//  1. statements with lsn > oldestVLSN pass through unchanged (a read
//     view still needs them).
//  2. among statements with lsn <= oldestVLSN for a key, only the
//     youngest is kept: REPLACE/DELETE is emitted as-is (DELETE dropped
//     on the last level), UPSERT is squashed against successively older
//     versions until a REPLACE/DELETE anchors it or the key's history is
//     exhausted (on the last level, a still-dangling UPSERT is forced to
//     REPLACE via apply_upsert(x, nil)).
//  3. every other version of that key is discarded.
type WriteIterator struct {
	kd          *keydef.KeyDef
	oldestVLSN  uint64
	isLastLevel bool
	stmts       []*tuple.Statement // globally sorted (key asc, lsn desc)
	pos         int
	pendingOut  []*tuple.Statement
}

// NewWriteIterator flattens mems and runs into one globally ordered
// input and returns an iterator ready to drive a dump/compaction task.
func NewWriteIterator(kd *keydef.KeyDef, oldestVLSN uint64, isLastLevel bool, mems []*Mem, runs []*Run) (*WriteIterator, error) {
	var all []*tuple.Statement
	for _, m := range mems {
		all = append(all, m.Snapshot()...)
	}
	for _, run := range runs {
		flat, err := flattenRun(run, kd)
		if err != nil {
			return nil, err
		}
		all = append(all, flat...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		ki, erri := tuple.ExtractStatementKey(all[i], kd)
		kj, errj := tuple.ExtractStatementKey(all[j], kd)
		if erri != nil || errj != nil {
			return false
		}
		if c := tuple.CompareKeys(ki, kj, kd); c != 0 {
			return c < 0
		}
		return all[i].LSN > all[j].LSN
	})

	return &WriteIterator{kd: kd, oldestVLSN: oldestVLSN, isLastLevel: isLastLevel, stmts: all}, nil
}

// flattenRun reads every page of run into one slice, without taking a
// long-lived refcount: the caller (a dump/compaction task) owns the run
// for the duration of the call.
func flattenRun(run *Run, kd *keydef.KeyDef) ([]*tuple.Statement, error) {
	f, err := os.Open(run.DataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*tuple.Statement
	for _, p := range run.Pages {
		rows, err := ReadPage(f, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Next returns the next output statement of the write pass, or nil at
// exhaustion.
func (w *WriteIterator) Next() (*tuple.Statement, error) {
	for {
		if len(w.pendingOut) > 0 {
			out := w.pendingOut[0]
			w.pendingOut = w.pendingOut[1:]
			return out, nil
		}
		if w.pos >= len(w.stmts) {
			return nil, nil
		}

		start := w.pos
		key, err := tuple.ExtractStatementKey(w.stmts[start], w.kd)
		if err != nil {
			return nil, err
		}
		end := start + 1
		for end < len(w.stmts) {
			k, err := tuple.ExtractStatementKey(w.stmts[end], w.kd)
			if err != nil || tuple.CompareKeys(k, key, w.kd) != 0 {
				break
			}
			end++
		}
		group := w.stmts[start:end]
		w.pos = end

		var old []*tuple.Statement
		for _, s := range group {
			if s.LSN > w.oldestVLSN {
				w.pendingOut = append(w.pendingOut, s)
			} else {
				old = append(old, s) // still lsn-desc: group inherited the global sort order
			}
		}
		if len(old) == 0 {
			continue
		}

		if err := w.foldOldVersions(old); err != nil {
			return nil, err
		}
	}
}

// foldOldVersions implements step 2/3 of the write iterator contract for
// the youngest-and-older statements of one key that are at or below
// oldestVLSN, appending exactly one (or zero, for a dropped DELETE)
// statement to w.pendingOut.
func (w *WriteIterator) foldOldVersions(old []*tuple.Statement) error {
	youngest := old[0]

	switch youngest.Type {
	case tuple.TypeDelete:
		if !w.isLastLevel {
			w.pendingOut = append(w.pendingOut, youngest)
		}
		return nil
	case tuple.TypeReplace:
		w.pendingOut = append(w.pendingOut, youngest)
		return nil
	}

	// youngest.Type == TypeUpsert: squash against successively older
	// versions until apply_upsert anchors it to a REPLACE.
	result := youngest
	for idx := 1; idx < len(old) && result.Type == tuple.TypeUpsert; idx++ {
		merged, err := tuple.ApplyUpsert(result, old[idx], w.kd, true)
		if err != nil {
			return err
		}
		result = merged
	}
	if result.Type == tuple.TypeUpsert && w.isLastLevel {
		materialized, err := tuple.ApplyUpsert(result, nil, w.kd, true)
		if err != nil {
			return err
		}
		result = materialized
	}
	w.pendingOut = append(w.pendingOut, result)
	return nil
}

// Close is a no-op: WriteIterator holds no long-lived resources (each
// run is opened and closed within NewWriteIterator).
func (w *WriteIterator) Close() error { return nil }
