// Package vy implements the vinyl LSM engine core of spec §4.2-§4.4 and
// §4.7-§4.8: an in-memory (key, lsn desc) ordered mem, ranges covering
// [begin, end) with runs and a scheduler that dumps/compacts them, the
// iterator family that composes them into one visible stream, and the
// two-phase recovery driver.
package vy

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// Mem is the in-memory, (key, lsn desc)-ordered store for one range's
// active or frozen generation (spec §4.2).
//
// Grounded on the teacher's pkg/btree.BPlusTree for the concurrency
// contract (one writer lock around structural mutation, a version word
// bumped on every insert so readers can detect concurrent mutation) and
// pkg/heap.HeapManager for the idea of a single growable in-memory region
// whose consumed-bytes counter feeds the quota. The teacher's tree itself
// is keyed by a single types.Comparable mapping to an int64 byte offset;
// it is not reused verbatim here because vy mem needs a composite
// (key_def compare, lsn desc) order over full statements rather than a
// single scalar key over a pointer, which would require rewriting
// btree/node.go's split/merge internals from the ground up. Given that
// rewrite is materially the same engineering effort as a fresh
// implementation, Mem instead keeps the teacher's *external* contract —
// one exclusive-writer mutex, an atomic version counter bumped on every
// insert, byte accounting for quota — over a mutex-guarded sorted slice
// rather than a hand-over-hand-latched node tree; see DESIGN.md.
type Mem struct {
	mu      sync.RWMutex
	kd      *keydef.KeyDef
	stmts   []*tuple.Statement
	version uint32
	used    int64
}

// NewMem builds an empty Mem ordered by kd.
func NewMem(kd *keydef.KeyDef) *Mem {
	return &Mem{kd: kd}
}

// Insert adds stmt, unique by (key, lsn) per spec §4.2, keeping stmts
// sorted by (key asc, lsn desc) so iteration returns the newest version
// of a key first and older versions of the same key are reachable by
// walking forward.
func (m *Mem) Insert(stmt *tuple.Statement) error {
	key, err := tuple.ExtractStatementKey(stmt, m.kd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.stmts), func(i int) bool {
		return m.compareInsertionPoint(m.stmts[i], key, stmt.LSN) >= 0
	})
	if idx < len(m.stmts) {
		if existingKey, err := tuple.ExtractStatementKey(m.stmts[idx], m.kd); err == nil {
			if tuple.CompareKeys(existingKey, key, m.kd) == 0 && m.stmts[idx].LSN == stmt.LSN {
				m.stmts[idx] = stmt // unique by (key, lsn): last writer wins
				atomic.AddUint32(&m.version, 1)
				return nil
			}
		}
	}

	m.stmts = append(m.stmts, nil)
	copy(m.stmts[idx+1:], m.stmts[idx:])
	m.stmts[idx] = stmt
	m.used += int64(len(stmt.Tuple.Raw()))
	atomic.AddUint32(&m.version, 1)
	return nil
}

func (m *Mem) compareInsertionPoint(existing *tuple.Statement, key *tuple.Tuple, lsn uint64) int {
	existingKey, err := tuple.ExtractStatementKey(existing, m.kd)
	if err != nil {
		return 1
	}
	if c := tuple.CompareKeys(existingKey, key, m.kd); c != 0 {
		return c
	}
	// same key: lsn desc, so a strictly smaller lsn sorts after (to the
	// right of) a larger one.
	switch {
	case existing.LSN > lsn:
		return -1
	case existing.LSN < lsn:
		return 1
	default:
		return 0
	}
}

// OlderLSN returns the newest statement with the same key as stmt and
// lsn < stmt.LSN, or nil (spec §4.2's older_lsn). stmt need not already
// be present in the mem: callers use this both to walk an already-
// inserted chain and to ask "is there history for this key" before
// inserting a new statement (Range.Set's DELETE/UPSERT short-circuits).
func (m *Mem) OlderLSN(stmt *tuple.Statement) (*tuple.Statement, error) {
	key, err := tuple.ExtractStatementKey(stmt, m.kd)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := false
	for _, s := range m.stmts {
		sk, err := tuple.ExtractStatementKey(s, m.kd)
		if err != nil {
			continue
		}
		if tuple.CompareKeys(sk, key, m.kd) != 0 {
			if matched {
				break
			}
			continue
		}
		matched = true
		if s.LSN < stmt.LSN {
			return s, nil
		}
	}
	return nil, nil
}

// Version returns the mem's mutation counter, bumped on every insert, so
// iterators can detect concurrent structural change (spec §4.2/§4.4).
func (m *Mem) Version() uint32 { return atomic.LoadUint32(&m.version) }

// Used returns the bytes consumed by this mem's statements, charged
// against the quota.
func (m *Mem) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Snapshot returns a read-only copy of the mem's statements in order, for
// iterator construction.
func (m *Mem) Snapshot() []*tuple.Statement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tuple.Statement, len(m.stmts))
	copy(out, m.stmts)
	return out
}

// KeyDef returns the key definition this mem is ordered by.
func (m *Mem) KeyDef() *keydef.KeyDef { return m.kd }
