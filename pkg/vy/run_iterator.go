package vy

import (
	"os"
	"sort"
	"sync"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// RunIterator implements spec §4.4's run iterator: binary-search the
// page index by min-key to find the candidate page, load it (random
// access via xlog.ReadTxAt), binary-search the page's decoded rows, then
// walk toward older LSNs until lsn <= vlsn.
//
// The two-page LRU cache is grounded on the teacher's
// pkg/heap.HeapManager keeping a bounded, indexed set of open segments
// resident; here it bounds decoded *page contents* instead of file
// handles, matching spec §4.4's explicit "LRU of two pages".
type RunIterator struct {
	run  *Run
	kd   *keydef.KeyDef
	vlsn uint64
	file *os.File

	mu    sync.Mutex
	cache []cachedPage // at most 2 entries, most-recently-used last
}

type cachedPage struct {
	index int
	rows  []*tuple.Statement
}

// NewRunIterator opens run's data file for random-access page reads.
func NewRunIterator(run *Run, kd *keydef.KeyDef, vlsn uint64) (*RunIterator, error) {
	run.Ref()
	f, err := os.Open(run.DataPath)
	if err != nil {
		run.Unref()
		return nil, err
	}
	return &RunIterator{run: run, kd: kd, vlsn: vlsn, file: f}, nil
}

// Close releases the run's refcount and closes the file handle.
func (it *RunIterator) Close() error {
	it.run.Unref()
	return it.file.Close()
}

// Seek binary-searches the page index for the page whose key range may
// contain key, loads it (via the LRU cache), and returns the newest
// statement for that key with lsn <= it.vlsn. Returns nil if no page
// could contain the key, or if the key isn't present in the candidate
// page.
func (it *RunIterator) Seek(key *tuple.Tuple) (*tuple.Statement, error) {
	pageIdx := sort.Search(len(it.run.Pages), func(i int) bool {
		return tuple.CompareKeys(it.run.Pages[i].MinKey, key, it.kd) > 0
	}) - 1
	if pageIdx < 0 {
		return nil, nil
	}

	rows, err := it.loadPage(pageIdx)
	if err != nil {
		return nil, err
	}

	// rows within a page are stored in (key asc, lsn desc) order by
	// WriteRun's caller; binary-search for the first row whose key is
	// not less than the target, then walk forward while the key matches,
	// picking the newest version with lsn <= vlsn.
	start := sort.Search(len(rows), func(i int) bool {
		rk, _ := tuple.ExtractKey(rows[i].Tuple, it.kd)
		return tuple.CompareKeys(rk, key, it.kd) >= 0
	})

	var best *tuple.Statement
	for i := start; i < len(rows); i++ {
		rk, err := tuple.ExtractKey(rows[i].Tuple, it.kd)
		if err != nil {
			continue
		}
		if tuple.CompareKeys(rk, key, it.kd) != 0 {
			break
		}
		if rows[i].LSN <= it.vlsn && (best == nil || rows[i].LSN > best.LSN) {
			best = rows[i]
		}
	}
	return best, nil
}

// loadPage returns pageIdx's decoded statements, consulting then
// updating the two-page LRU cache.
func (it *RunIterator) loadPage(pageIdx int) ([]*tuple.Statement, error) {
	it.mu.Lock()
	for i, c := range it.cache {
		if c.index == pageIdx {
			it.cache = append(append(it.cache[:i:i], it.cache[i+1:]...), c) // move to most-recently-used end
			it.mu.Unlock()
			return c.rows, nil
		}
	}
	it.mu.Unlock()

	rows, err := ReadPage(it.file, it.run.Pages[pageIdx])
	if err != nil {
		return nil, err
	}

	it.mu.Lock()
	it.cache = append(it.cache, cachedPage{index: pageIdx, rows: rows})
	if len(it.cache) > 2 {
		it.cache = it.cache[len(it.cache)-2:]
	}
	it.mu.Unlock()
	return rows, nil
}
