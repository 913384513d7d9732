package vy

import (
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// IterType is one of the seven key-space iteration directions spec §4.4
// requires every source iterator (mem, txw, run, merge, read) to honor,
// grounded on the teacher's pkg/query.ScanOperator (EQ/NEQ/GT/GE/LT/LE/
// BETWEEN) narrowed to the ordered-scan subset the LSM iterators need —
// there is no BETWEEN here because a caller gets that by pairing a GE/GT
// start with a stop key checked by the driving read iterator.
type IterType int

const (
	IterEQ  IterType = iota // exactly one key
	IterREQ                 // exactly one key, reverse (same result, different direction contract)
	IterGE                  // key >= start, ascending
	IterGT                  // key > start, ascending
	IterLE                  // key <= start, descending
	IterLT                  // key < start, descending
	IterALL                 // every key, ascending
)

// Ascending reports whether it walks the key space in increasing order.
func (it IterType) Ascending() bool {
	switch it {
	case IterLE, IterLT, IterREQ:
		return false
	default:
		return true
	}
}

// startIndex returns the index into a (key asc, lsn desc)-sorted
// statement slice where iteration should begin for it relative to key,
// using find(i) as the three-way comparison of slice[i] against key.
func startIndex(n int, it IterType, find func(i int) int) int {
	switch it {
	case IterEQ, IterGE, IterGT, IterALL:
		lo, hi := 0, n
		for lo < hi {
			mid := (lo + hi) / 2
			if find(mid) >= 0 {
				hi = mid
			} else {
				lo = mid + 1
			}
		}
		if it == IterGT {
			for lo < n && find(lo) == 0 {
				lo++
			}
		}
		return lo
	case IterREQ, IterLE, IterLT:
		lo, hi := 0, n
		for lo < hi {
			mid := (lo + hi) / 2
			if find(mid) > 0 {
				hi = mid
			} else {
				lo = mid + 1
			}
		}
		idx := lo - 1
		if it == IterLT {
			for idx >= 0 && find(idx) == 0 {
				idx--
			}
		}
		return idx
	default:
		return 0
	}
}

// matches reports whether a candidate at key cmp (relative to the
// iterator's start key) still satisfies it's bound, used to know when to
// stop (EQ/REQ walk exactly one key's versions; GE/GT/LE/LT/ALL keep
// going until the source is exhausted).
func matches(it IterType, cmp int) bool {
	switch it {
	case IterEQ, IterREQ:
		return cmp == 0
	default:
		return true
	}
}

// visible returns the newest statement among candidates (already
// filtered to one key) with LSN <= vlsn, or nil.
func visible(candidates []*tuple.Statement, vlsn uint64) *tuple.Statement {
	var best *tuple.Statement
	for _, s := range candidates {
		if s.LSN <= vlsn && (best == nil || s.LSN > best.LSN) {
			best = s
		}
	}
	return best
}
