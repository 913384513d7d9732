package txn

import (
	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// ReadEntry is one (index, key, is_gap) read-set entry of spec §4.5.
// is_gap marks a negative lookup (the key was not found).
type ReadEntry struct {
	IndexID uint64
	Key     string
	IsGap   bool
}

// WriteKind mirrors the statement types a write-set entry can carry.
type WriteKind int

const (
	WriteReplace WriteKind = iota
	WriteDelete
	WriteUpsert
)

// WriteEntry is one write in a transaction's write set, in insertion
// order (spec §4.5: "writes are applied in insertion order").
type WriteEntry struct {
	IndexID uint64
	Key     string
	Kind    WriteKind
	Stmt    *tuple.Statement        // the statement this write will apply, for the txw iterator's read-your-writes scan
	Apply   func(lsn uint64) error // applies this write to its range's active mem, assigning lsn
}

// logOp is one entry of the tx's forward-linked savepoint log: either a
// read-set insertion or a write-set append, in the order they happened.
type logOp struct {
	isWrite bool
	readKey readSetKey
	writeAt int // index into tx.writes, valid when isWrite
}

// Tx is one transaction: a tsn, a read view (vlsn), and the read/write
// sets spec §4.5 tracks for conflict detection.
type Tx struct {
	Tsn      uint64
	VLSN     uint64 // math.MaxUint64 means "read latest" (unforced RW)
	ReadOnly bool

	manager *Manager
	state   State

	readSet map[readSetKey]*ReadEntry
	writes  []WriteEntry
	log     []logOp

	aborted bool
}

// IsVisible reports whether a version created at createLSN is visible to
// this transaction's read view, generalizing the teacher's
// Transaction.IsVisible (createLSN <= snapshot) to an explicit "read
// latest" sentinel for unforced RW transactions.
func (tx *Tx) IsVisible(createLSN uint64) bool {
	if tx.VLSN == ^uint64(0) {
		return true
	}
	return createLSN <= tx.VLSN
}

// State returns the transaction's current lifecycle state.
func (tx *Tx) State() State { return tx.state }

// TrackRead records a read of key on indexID, unless the same key is
// already present in this tx's own write set as REPLACE/DELETE (spec
// §4.5: a transaction doesn't need to conflict-check its own writes).
func (tx *Tx) TrackRead(indexID uint64, key string, isGap bool) {
	for _, w := range tx.writes {
		if w.IndexID == indexID && w.Key == key && (w.Kind == WriteReplace || w.Kind == WriteDelete) {
			return
		}
	}

	rsKey := readSetKey{indexID: indexID, key: key}
	entry := &ReadEntry{IndexID: indexID, Key: key, IsGap: isGap}

	tx.manager.mu.Lock()
	tx.readSet[rsKey] = entry
	set, ok := tx.manager.readSets[rsKey]
	if !ok {
		set = make(map[*Tx]*ReadEntry)
		tx.manager.readSets[rsKey] = set
	}
	set[tx] = entry
	tx.manager.mu.Unlock()

	tx.log = append(tx.log, logOp{isWrite: false, readKey: rsKey})
}

// TrackWrite appends a write to key on indexID to this tx's write set
// and runs abort-on-write conflict detection against every other active
// transaction's read set for the same key (spec §4.5).
func (tx *Tx) TrackWrite(indexID uint64, key string, kind WriteKind, stmt *tuple.Statement, apply func(lsn uint64) error) {
	tx.writes = append(tx.writes, WriteEntry{IndexID: indexID, Key: key, Kind: kind, Stmt: stmt, Apply: apply})
	tx.log = append(tx.log, logOp{isWrite: true, writeAt: len(tx.writes) - 1})

	tx.manager.abortReaders(tx, indexID, key, kind == WriteDelete)
}

// Writes returns this transaction's write set in insertion order, for
// the txw iterator's read-your-writes scan (spec §4.4).
func (tx *Tx) Writes() []WriteEntry {
	return tx.writes
}

// abortReaders implements spec §4.5's abort-on-write: for a write on
// (indexID, key), scan every reader of that key (skipping the writer
// itself); a DELETE write doesn't conflict with a gap-marked read. Any
// surviving reader is marked aborted; an aborted RW tx still reading
// latest (vlsn = infinity) is snapshotted into a read view at the
// manager's current lsn so it can still commit read-only.
func (m *Manager) abortReaders(writer *Tx, indexID uint64, key string, isDelete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.readSets[readSetKey{indexID: indexID, key: key}]
	if !ok {
		return
	}
	for reader, entry := range set {
		if reader == writer {
			continue
		}
		if isDelete && entry.IsGap {
			continue
		}
		reader.aborted = true
		if !reader.ReadOnly && reader.VLSN == ^uint64(0) {
			reader.VLSN = m.lsn
		}
	}
}

// Prepare implements spec §4.5's prepare step: an aborted RW tx with
// writes fails with a conflict error and transitions to ROLLBACK;
// otherwise the tx transitions to COMMIT, its writes are applied to
// their ranges' active mems in insertion order, and it is removed from
// the read-view bookkeeping.
func (tx *Tx) Prepare() error {
	tx.state = StatePreparing

	if tx.aborted && len(tx.writes) > 0 {
		tx.state = StateRolledBack
		tx.manager.unregister(tx)
		return errors.New(errors.CodeTxnConflict, "transaction %d aborted by a conflicting write", tx.Tsn)
	}

	lsn := tx.manager.nextCommitLSN(len(tx.writes))
	for i, w := range tx.writes {
		if w.Apply == nil {
			continue
		}
		if err := w.Apply(lsn + uint64(i)); err != nil {
			tx.state = StateRolledBack
			tx.manager.unregister(tx)
			return err
		}
	}

	tx.state = StateCommitted
	tx.manager.unregister(tx)
	return nil
}

// nextCommitLSN assigns one LSN per write, taken from the manager's
// counter (spec §4.5: "assigns LSN to every written statement (taken
// from the external WAL), updates manager.lsn").
func (m *Manager) nextCommitLSN(count int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.lsn + 1
	m.lsn += uint64(count)
	if count == 0 {
		return first
	}
	return first
}

// Rollback abandons the transaction without applying its writes.
func (tx *Tx) Rollback() {
	tx.state = StateRolledBack
	tx.manager.unregister(tx)
}

// Savepoint returns a mark in the tx's forward-linked log that
// RollbackToSavepoint can later rewind to.
func (tx *Tx) Savepoint() int {
	return len(tx.log)
}

// RollbackToSavepoint reverses every read-set insertion and write-set
// append made after mark, per spec §4.5.
func (tx *Tx) RollbackToSavepoint(mark int) {
	for i := len(tx.log) - 1; i >= mark; i-- {
		op := tx.log[i]
		if op.isWrite {
			tx.writes = tx.writes[:op.writeAt]
			continue
		}
		delete(tx.readSet, op.readKey)
		tx.manager.mu.Lock()
		if set, ok := tx.manager.readSets[op.readKey]; ok {
			delete(set, tx)
			if len(set) == 0 {
				delete(tx.manager.readSets, op.readKey)
			}
		}
		tx.manager.mu.Unlock()
	}
	tx.log = tx.log[:mark]
}
