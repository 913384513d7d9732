package vy

import (
	"os"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// RunScanIterator is the ordered-scan counterpart to RunIterator's
// point Seek: it flattens every page of an immutable run into one
// (key asc, lsn desc) slice up front (a run never mutates once
// published, so there is no restore/version concern here, unlike Mem)
// and walks it with the same scanNext helper MemIterator uses, so a
// range's run layer participates in the merge iterator like any other
// source (spec §4.4).
type RunScanIterator struct {
	kd    *keydef.KeyDef
	it    IterType
	key   *tuple.Tuple
	vlsn  uint64
	stmts []*tuple.Statement
	pos   int
	run   *Run
}

// NewRunScanIterator opens run for a full ordered scan starting at key.
func NewRunScanIterator(run *Run, kd *keydef.KeyDef, it IterType, key *tuple.Tuple, vlsn uint64) (*RunScanIterator, error) {
	run.Ref()
	f, err := os.Open(run.DataPath)
	if err != nil {
		run.Unref()
		return nil, err
	}
	defer f.Close()

	var stmts []*tuple.Statement
	for _, p := range run.Pages {
		rows, err := ReadPage(f, p)
		if err != nil {
			run.Unref()
			return nil, err
		}
		stmts = append(stmts, rows...)
	}

	ri := &RunScanIterator{kd: kd, it: it, key: key, vlsn: vlsn, stmts: stmts, run: run}
	if key == nil {
		if it.Ascending() {
			ri.pos = 0
		} else {
			ri.pos = len(stmts) - 1
		}
		return ri, nil
	}

	find := func(i int) int {
		k, err := tuple.ExtractStatementKey(stmts[i], kd)
		if err != nil {
			return 0
		}
		return tuple.CompareKeys(k, key, kd)
	}
	ri.pos = startIndex(len(stmts), it, find)
	return ri, nil
}

// Next returns the next distinct key's visible statement.
func (ri *RunScanIterator) Next() (*tuple.Statement, error) {
	return scanNext(ri.stmts, ri.kd, ri.it, ri.key, ri.vlsn, &ri.pos)
}

// Close releases the run's refcount.
func (ri *RunScanIterator) Close() error {
	ri.run.Unref()
	return nil
}
