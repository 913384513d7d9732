// Package vclock implements the per-origin LSN vector (spec §3, §4).
// Vclocks order xlog/snapshot filenames (by their sum) and drive
// replication bookkeeping (comparing remote vs local progress).
package vclock

import (
	"fmt"
	"sort"
	"sync"
)

// VClock maps a small origin id (one per replication source, 0 is local)
// to the highest LSN observed from that origin.
type VClock struct {
	mu  sync.RWMutex
	lsn map[uint32]uint64
}

// New returns an empty vclock.
func New() *VClock {
	return &VClock{lsn: make(map[uint32]uint64)}
}

// Follow records that a row with the given lsn has been applied from
// origin. An lsn at or below the LSN already recorded for that origin
// leaves it unchanged (vclocks only move forward).
func (v *VClock) Follow(origin uint32, lsn uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if lsn > v.lsn[origin] {
		v.lsn[origin] = lsn
	}
}

// Set overwrites the LSN for origin unconditionally, used when loading a
// vclock from an xlog meta header rather than applying rows one at a time.
func (v *VClock) Set(origin uint32, lsn uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lsn[origin] = lsn
}

// Get returns the highest LSN seen from origin.
func (v *VClock) Get(origin uint32) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lsn[origin]
}

// Sum returns Σ lsn across all origins, used for monotone xlog/snapshot
// filenames (spec §4.6).
func (v *VClock) Sum() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var sum uint64
	for _, lsn := range v.lsn {
		sum += lsn
	}
	return sum
}

// Copy returns an independent snapshot of v.
func (v *VClock) Copy() *VClock {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := New()
	for origin, lsn := range v.lsn {
		out.lsn[origin] = lsn
	}
	return out
}

// Compare returns -1/0/1 comparing v and other componentwise after
// collapsing to their Sum; ties are broken by raw per-origin comparison so
// two vclocks with equal sums but different origin distributions are still
// ordered deterministically for directory listings.
func (v *VClock) Compare(other *VClock) int {
	vs, os := v.Sum(), other.Sum()
	switch {
	case vs < os:
		return -1
	case vs > os:
		return 1
	}
	v.mu.RLock()
	other.mu.RLock()
	defer v.mu.RUnlock()
	defer other.mu.RUnlock()
	origins := make(map[uint32]struct{})
	for o := range v.lsn {
		origins[o] = struct{}{}
	}
	for o := range other.lsn {
		origins[o] = struct{}{}
	}
	ordered := make([]uint32, 0, len(origins))
	for o := range origins {
		ordered = append(ordered, o)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, o := range ordered {
		if v.lsn[o] != other.lsn[o] {
			if v.lsn[o] < other.lsn[o] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Follows reports whether every origin's LSN in v is >= the corresponding
// LSN in other — i.e. v has replayed at least everything other has, used
// by the applier to decide whether a remote is ahead.
func (v *VClock) Follows(other *VClock) bool {
	other.mu.RLock()
	defer other.mu.RUnlock()
	for origin, lsn := range other.lsn {
		if v.Get(origin) < lsn {
			return false
		}
	}
	return true
}

// String renders the vclock as {origin:lsn, ...} sorted by origin, for
// logging and xlog meta headers.
func (v *VClock) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	origins := make([]uint32, 0, len(v.lsn))
	for o := range v.lsn {
		origins = append(origins, o)
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i] < origins[j] })
	s := "{"
	for i, o := range origins {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d: %d", o, v.lsn[o])
	}
	return s + "}"
}

// Filename renders the vclock's Sum padded to 20 decimal digits, the
// monotone filename stem used for .xlog/.snap files (spec §4.6).
func (v *VClock) Filename() string {
	return fmt.Sprintf("%020d", v.Sum())
}
