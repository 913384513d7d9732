// Package keydef implements the multi-part key descriptor of spec §3/§4.1:
// ordered (field-index, field-type) parts, uniqueness and engine tuning
// options, equality, merging, and secondary<->primary derivation.
package keydef

import (
	"github.com/vinylcore/vinyl/pkg/types"
)

// Part is one (field-index, field-type) component of a key.
type Part struct {
	FieldNo int
	Type    types.FieldType
}

// KeyDef is an ordered list of Parts plus the engine tuning knobs spec §3
// attaches to it (uniqueness, RTREE dimensions/metric, range/page size,
// compaction watermark, and the LSN the index was created at).
type KeyDef struct {
	Parts      []Part
	Unique     bool
	RTreeDim   int
	RTreeMetr  string
	RangeSize  int64
	PageSize   int64
	CompactWM  float64
	CreatedLSN uint64
}

// New builds a KeyDef from an ordered list of parts.
func New(unique bool, parts ...Part) *KeyDef {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return &KeyDef{Parts: cp, Unique: unique}
}

// PartCount returns the number of key parts.
func (kd *KeyDef) PartCount() int { return len(kd.Parts) }

// Equal reports whether kd and other have identical parts (in order) and
// identical options, per spec §3 ("Two key defs are equal iff parts and
// options match").
func (kd *KeyDef) Equal(other *KeyDef) bool {
	if other == nil || len(kd.Parts) != len(other.Parts) {
		return false
	}
	for i, p := range kd.Parts {
		if p != other.Parts[i] {
			return false
		}
	}
	return kd.Unique == other.Unique &&
		kd.RTreeDim == other.RTreeDim &&
		kd.RTreeMetr == other.RTreeMetr &&
		kd.RangeSize == other.RangeSize &&
		kd.PageSize == other.PageSize &&
		kd.CompactWM == other.CompactWM &&
		kd.CreatedLSN == other.CreatedLSN
}

// Merge unions the parts of a and b, preserving a's key order first and
// appending any of b's parts whose field number isn't already present
// (spec §3, "Merging two defs unions parts preserving first-key order").
func Merge(a, b *KeyDef) *KeyDef {
	seen := make(map[int]struct{}, len(a.Parts))
	parts := make([]Part, 0, len(a.Parts)+len(b.Parts))
	for _, p := range a.Parts {
		seen[p.FieldNo] = struct{}{}
		parts = append(parts, p)
	}
	for _, p := range b.Parts {
		if _, ok := seen[p.FieldNo]; ok {
			continue
		}
		seen[p.FieldNo] = struct{}{}
		parts = append(parts, p)
	}
	out := *a
	out.Parts = parts
	return &out
}

// DeriveSecondary builds a secondary index's effective key def by
// appending any primary-key parts missing from secondary, so that every
// secondary key uniquely identifies one primary-key tuple (spec §3/§4.1).
func DeriveSecondary(primary, secondary *KeyDef) *KeyDef {
	return Merge(secondary, primary)
}

// SecondaryToPrimary builds the renumbering extractor for a derived
// secondary key def: it returns, for each part of primary, the position
// that part occupies within the *stored secondary tuple* (secondary's own
// parts first, then the appended primary parts, in derivation order).
// Spec §4.1 calls this the "secondary-to-primary extractor".
func SecondaryToPrimary(primary, secondary *KeyDef) []int {
	derived := DeriveSecondary(primary, secondary)
	positions := make([]int, len(primary.Parts))
	for i, pp := range primary.Parts {
		for j, dp := range derived.Parts {
			if dp.FieldNo == pp.FieldNo {
				positions[i] = j
				break
			}
		}
	}
	return positions
}
