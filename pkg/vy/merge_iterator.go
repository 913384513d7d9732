package vy

import (
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// sourceIterator is the common shape every vy iterator exposes, so the
// merge iterator can compose mem/run/txw sources (and, recursively,
// other merge iterators) without caring what kind of source it is.
type sourceIterator interface {
	Next() (*tuple.Statement, error)
	Close() error
}

// mergeSource wraps one source with the priority spec §4.4 assigns it
// (lower number wins ties): transaction writes first, then the mutable
// mem, then frozen mems newest-first, then runs newest-first.
type mergeSource struct {
	iter     sourceIterator
	priority int
	pending  *tuple.Statement
	done     bool
}

// MergeIterator fronts N source iterators and yields one statement per
// distinct key, picking the statement from the highest-priority source
// among those currently at the minimal (or, descending, maximal) key —
// spec §4.4's "front_id batching": every source whose peeked key matches
// the winner is advanced together, so older layers don't re-surface a
// key a newer layer has already shadowed.
type MergeIterator struct {
	kd      *keydef.KeyDef
	sources []*mergeSource
	asc     bool
}

// NewMergeIterator builds a merge iterator over sources, already ordered
// newest/highest-priority first by the caller.
func NewMergeIterator(kd *keydef.KeyDef, ascending bool, sources ...sourceIterator) *MergeIterator {
	wrapped := make([]*mergeSource, len(sources))
	for i, s := range sources {
		wrapped[i] = &mergeSource{iter: s, priority: i}
	}
	return &MergeIterator{kd: kd, sources: wrapped, asc: ascending}
}

// Next advances every source whose current key matches the winning key
// and returns the winning (highest-priority) statement, or nil at
// exhaustion of every source.
func (m *MergeIterator) Next() (*tuple.Statement, error) {
	for _, s := range m.sources {
		if s.done || s.pending != nil {
			continue
		}
		stmt, err := s.iter.Next()
		if err != nil {
			return nil, err
		}
		if stmt == nil {
			s.done = true
			continue
		}
		s.pending = stmt
	}

	var winnerKey *tuple.Tuple
	for _, s := range m.sources {
		if s.pending == nil {
			continue
		}
		k, err := tuple.ExtractStatementKey(s.pending, m.kd)
		if err != nil {
			return nil, err
		}
		if winnerKey == nil {
			winnerKey = k
			continue
		}
		c := tuple.CompareKeys(k, winnerKey, m.kd)
		if (m.asc && c < 0) || (!m.asc && c > 0) {
			winnerKey = k
		}
	}
	if winnerKey == nil {
		return nil, nil // every source exhausted
	}

	var winner *tuple.Statement
	winnerPriority := -1
	for _, s := range m.sources {
		if s.pending == nil {
			continue
		}
		k, err := tuple.ExtractStatementKey(s.pending, m.kd)
		if err != nil {
			return nil, err
		}
		if tuple.CompareKeys(k, winnerKey, m.kd) != 0 {
			continue
		}
		if winner == nil || s.priority < winnerPriority {
			winner = s.pending
			winnerPriority = s.priority
		}
		s.pending = nil // advance every source shadowed at this key
	}
	return winner, nil
}

// Close closes every source iterator, continuing on error so one
// source's failure doesn't strand the others' resources.
func (m *MergeIterator) Close() error {
	var first error
	for _, s := range m.sources {
		if err := s.iter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
