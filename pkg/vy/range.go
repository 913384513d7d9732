package vy

import (
	"sync"
	"sync/atomic"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// Range is a contiguous [begin, end) key-space partition of an index,
// holding an active mem, any frozen mems awaiting dump, and the sorted
// list of runs already dumped, per spec §4.3.
type Range struct {
	mu sync.RWMutex

	ID    uint64
	Begin *tuple.Tuple // nil means -infinity
	End   *tuple.Tuple // nil means +infinity
	kd    *keydef.KeyDef

	active  *Mem
	frozen  []*Mem // oldest first
	runs    []*Run // newest first
	shadow  *Range // set while a compaction/split is in flight over this range
	version uint32

	compactedOnce bool
	rangeSizeGoal int64
}

// NewRange builds an empty range covering [begin, end).
func NewRange(id uint64, begin, end *tuple.Tuple, kd *keydef.KeyDef, rangeSizeGoal int64) *Range {
	return &Range{ID: id, Begin: begin, End: end, kd: kd, active: NewMem(kd), rangeSizeGoal: rangeSizeGoal}
}

// Version returns the range's structural-change counter (bumped whenever
// its run list or mem set changes), consulted by the merge iterator's
// restore().
func (r *Range) Version() uint32 { return atomic.LoadUint32(&r.version) }

func (r *Range) bumpVersion() { atomic.AddUint32(&r.version, 1) }

// Set inserts a REPLACE/DELETE/UPSERT statement into the range's active
// mem (spec §4.3's set/set_delete/set_upsert), with the two
// short-circuit optimizations spec §4.3 specifies:
//   - a DELETE with no older version and no history at all (no frozen
//     mems, no runs, no shadow) is dropped instead of stored, since there
//     is nothing for it to hide.
//   - an UPSERT is turned into a REPLACE via tuple.ApplyUpsert whenever an
//     older non-UPSERT is visible in the active mem (its ops run against
//     that version), or the range has no history at all (it materializes
//     from its own tuple).
func (r *Range) Set(stmt *tuple.Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch stmt.Type {
	case tuple.TypeDelete:
		older, err := r.active.OlderLSN(stmt)
		if err != nil {
			return err
		}
		hasHistory := older != nil || len(r.frozen) > 0 || len(r.runs) > 0 || r.shadow != nil
		if !hasHistory {
			return nil // nothing to hide; drop the tombstone
		}
	case tuple.TypeUpsert:
		older, err := r.active.OlderLSN(stmt)
		if err != nil {
			return err
		}
		hasHistory := older != nil || len(r.frozen) > 0 || len(r.runs) > 0
		if !hasHistory || (older != nil && older.Type != tuple.TypeUpsert) {
			applied, err := tuple.ApplyUpsert(stmt, older, r.kd, true)
			if err != nil {
				return err
			}
			stmt = applied
		}
	}

	if err := r.active.Insert(stmt); err != nil {
		return err
	}
	r.bumpVersion()
	return nil
}

// FreezeMem moves the active mem to the frozen list and installs a fresh
// empty active mem, per spec §4.7's "a fresh empty active mem is
// installed before the task starts."
func (r *Range) FreezeMem() *Mem {
	r.mu.Lock()
	defer r.mu.Unlock()

	frozen := r.active
	r.frozen = append(r.frozen, frozen)
	r.active = NewMem(r.kd)
	r.bumpVersion()
	return frozen
}

// AddRun links a newly-written run into the range and bumps its version,
// per spec §5: "Runs are published in a single memory update that links
// them into the range's run list and bumps range.version."
func (r *Range) AddRun(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append([]*Run{run}, r.runs...) // newest first
	r.bumpVersion()
}

// ReplaceRuns retires consumed runs and links result (if non-nil) in their
// place, for a compaction task: the runs a write iterator just folded
// into one merged run must stop being visible themselves, or their
// shadowed versions would linger and disk space would never be
// reclaimed (spec §4.4's "every other version of that key is discarded"
// implies the sources it was discarded from are gone too).
func (r *Range) ReplaceRuns(consumed []*Run, result *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	consumedSet := make(map[*Run]bool, len(consumed))
	for _, run := range consumed {
		consumedSet[run] = true
	}
	remaining := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		if !consumedSet[run] {
			remaining = append(remaining, run)
		}
	}
	if result != nil {
		remaining = append([]*Run{result}, remaining...) // newest first
	}
	r.runs = remaining
	r.compactedOnce = true
	r.bumpVersion()
}

// DropMems removes frozen mems once their dump completes successfully.
func (r *Range) DropMems(dumped []*Mem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.frozen[:0]
	dumpedSet := make(map[*Mem]bool, len(dumped))
	for _, m := range dumped {
		dumpedSet[m] = true
	}
	for _, m := range r.frozen {
		if !dumpedSet[m] {
			remaining = append(remaining, m)
		}
	}
	r.frozen = remaining
	r.bumpVersion()
}

// NeedsSplit returns the median key of the oldest run iff the range has
// been compacted at least once, the oldest run's size exceeds
// range_size*4/3, and splitting at the median wouldn't leave one side
// empty (spec §4.3).
func (r *Range) NeedsSplit() (*tuple.Tuple, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.compactedOnce || len(r.runs) == 0 {
		return nil, false
	}
	oldest := r.runs[len(r.runs)-1]
	var totalSize int64
	for _, p := range oldest.Pages {
		totalSize += p.Size
	}
	if totalSize <= r.rangeSizeGoal*4/3 {
		return nil, false
	}
	if len(oldest.Pages) < 2 {
		return nil, false
	}
	median := oldest.Pages[len(oldest.Pages)/2].MinKey
	if tuple.CompareKeys(median, oldest.MinKey, r.kd) == 0 || tuple.CompareKeys(median, oldest.MaxKey, r.kd) == 0 {
		return nil, false
	}
	return median, true
}

// MinLSN returns the smallest LSN among this range's active and frozen
// mems (runs are not consulted; empty mems give the maximum uint64), used
// by the scheduler's dump heap (spec §4.7: "ordered by range.min_lsn
// ascending").
func (r *Range) MinLSN() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	min := uint64(1<<64 - 1)
	for _, s := range r.active.Snapshot() {
		if s.LSN < min {
			min = s.LSN
		}
	}
	for _, m := range r.frozen {
		for _, s := range m.Snapshot() {
			if s.LSN < min {
				min = s.LSN
			}
		}
	}
	return min
}

// RunCount returns the number of runs linked into this range, used by
// the scheduler's compact heap (spec §4.7: "ordered by -range.run_count").
func (r *Range) RunCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Shadow returns the range standing in for this one while a
// compaction/split is in flight, or nil.
func (r *Range) Shadow() *Range {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shadow
}

func (r *Range) SetShadow(s *Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadow = s
}

// Active returns the range's current active mem.
func (r *Range) Active() *Mem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Frozen returns a snapshot of the range's frozen mems, newest first.
func (r *Range) Frozen() []*Mem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Mem, len(r.frozen))
	for i, m := range r.frozen {
		out[len(r.frozen)-1-i] = m
	}
	return out
}

// Runs returns a snapshot of the range's runs, newest first.
func (r *Range) Runs() []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Run, len(r.runs))
	copy(out, r.runs)
	return out
}
