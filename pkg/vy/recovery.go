package vy

import (
	"io"
	"sort"
	"sync"

	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/logging"
	"github.com/vinylcore/vinyl/pkg/tuple"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

// RecoveryState is the recovery driver's state, per spec §4.8:
// OFFLINE -> INITIAL_RECOVERY_{LOCAL,REMOTE} -> FINAL_RECOVERY_{LOCAL,REMOTE} -> ONLINE.
// Only the LOCAL transitions are driven by Recovery itself
// (ReplaySnapshot/ReplayXlogSuffix); the REMOTE ones belong to whatever
// orchestration layer also holds a pkg/replication.Applier, since Recovery
// must not import that package (it already imports pkg/vy for RangeSink,
// and a vy->replication import back would cycle) — SetState lets that
// caller drive them from the outside.
type RecoveryState int

const (
	RecoveryOffline RecoveryState = iota
	RecoveryInitialLocal
	RecoveryInitialRemote
	RecoveryFinalLocal
	RecoveryFinalRemote
	RecoveryOnline
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryOffline:
		return "OFFLINE"
	case RecoveryInitialLocal:
		return "INITIAL_RECOVERY_LOCAL"
	case RecoveryInitialRemote:
		return "INITIAL_RECOVERY_REMOTE"
	case RecoveryFinalLocal:
		return "FINAL_RECOVERY_LOCAL"
	case RecoveryFinalRemote:
		return "FINAL_RECOVERY_REMOTE"
	case RecoveryOnline:
		return "ONLINE"
	default:
		return "UNKNOWN"
	}
}

// RangeImage is one candidate range recovered from disk: the key-span its
// constituent runs collectively cover, and those runs themselves.
//
// The span is derived from the runs' own min/max keys rather than a
// separately persisted Begin/End, since no range/index topology catalog
// exists yet to supply one (spec's recover_range algorithm only needs the
// span for the coverage test below, and a range's runs never hold keys
// outside its true span).
type RangeImage struct {
	RangeID uint64
	Begin   *tuple.Tuple
	End     *tuple.Tuple
	Runs    []*Run
}

// MaxLSN returns the greatest LSN reflected by any of this image's runs.
func (ri *RangeImage) MaxLSN() uint64 {
	var max uint64
	for _, r := range ri.Runs {
		if r.MaxLSN > max {
			max = r.MaxLSN
		}
	}
	return max
}

// groupRangeImages folds DiscoverRuns' flat, (range_id desc, run_id asc)
// sorted run list into one RangeImage per distinct range id, preserving
// that same range-id-descending order (recover_range depends on visiting
// newer, narrower post-split ranges before the older, wider pre-split one
// they replace).
func groupRangeImages(runs []*Run, kd *keydef.KeyDef) []*RangeImage {
	byID := make(map[uint64]*RangeImage)
	var order []uint64
	for _, r := range runs {
		img, ok := byID[r.RangeID]
		if !ok {
			img = &RangeImage{RangeID: r.RangeID}
			byID[r.RangeID] = img
			order = append(order, r.RangeID)
		}
		img.Runs = append(img.Runs, r)
		if img.Begin == nil || tuple.CompareKeys(r.MinKey, img.Begin, kd) < 0 {
			img.Begin = r.MinKey
		}
		if img.End == nil || tuple.CompareKeys(r.MaxKey, img.End, kd) > 0 {
			img.End = r.MaxKey
		}
	}
	images := make([]*RangeImage, 0, len(order))
	for _, id := range order {
		images = append(images, byID[id])
	}
	return images
}

// boundKind/bound let coveredByUnion compare begin- and end-bounds that
// may be unbounded (a nil *tuple.Tuple) without conflating -infinity and
// +infinity, which a bare nil check can't distinguish once a begin-bound
// and an end-bound need comparing against each other mid-sweep.
type boundKind int

const (
	boundFinite boundKind = iota
	boundNegInf
	boundPosInf
)

type bound struct {
	kind boundKind
	key  *tuple.Tuple
}

func beginBound(t *tuple.Tuple) bound {
	if t == nil {
		return bound{kind: boundNegInf}
	}
	return bound{kind: boundFinite, key: t}
}

func endBound(t *tuple.Tuple) bound {
	if t == nil {
		return bound{kind: boundPosInf}
	}
	return bound{kind: boundFinite, key: t}
}

func boundRank(k boundKind) int {
	switch k {
	case boundNegInf:
		return -1
	case boundPosInf:
		return 1
	default:
		return 0
	}
}

func compareBounds(a, b bound, kd *keydef.KeyDef) int {
	ra, rb := boundRank(a.kind), boundRank(b.kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if a.kind == boundFinite {
		return tuple.CompareKeys(a.key, b.key, kd)
	}
	return 0
}

// coveredByUnion reports whether [begin, end) is fully covered by the
// union of accepted's spans, via the standard greedy interval-merge
// sweep: repeatedly extend the covered frontier to the furthest end of
// any accepted span that starts at or before it.
func coveredByUnion(begin, end *tuple.Tuple, accepted []*RangeImage, kd *keydef.KeyDef) bool {
	cur := beginBound(begin)
	target := endBound(end)
	for compareBounds(cur, target, kd) < 0 {
		var best bound
		found := false
		for _, acc := range accepted {
			accBegin := beginBound(acc.Begin)
			accEnd := endBound(acc.End)
			if compareBounds(accBegin, cur, kd) > 0 || compareBounds(cur, accEnd, kd) >= 0 {
				continue
			}
			if !found || compareBounds(accEnd, best, kd) > 0 {
				best = accEnd
				found = true
			}
		}
		if !found {
			return false
		}
		cur = best
	}
	return true
}

// SelectRanges implements spec §4.8's recover_range: visiting images in
// (range_id desc) order, accept a candidate iff its span is not already
// fully covered by the union of already-accepted spans. An incomplete
// split leaves both the old wide range and the new narrow ones on disk;
// since the new ranges sort first (higher ids) they get accepted, and the
// old one is discarded once their union covers it.
func SelectRanges(images []*RangeImage, kd *keydef.KeyDef) []*RangeImage {
	var accepted []*RangeImage
	for _, img := range images {
		if coveredByUnion(img.Begin, img.End, accepted, kd) {
			continue
		}
		accepted = append(accepted, img)
	}
	return accepted
}

// Recovery drives the two-phase local recovery of spec §4.8: load every
// run under the snapshot directory, resolve overlapping range images via
// SelectRanges, then replay the xlog suffix on top, discarding any row
// already reflected by an on-disk run for its range.
//
// Grounded on the teacher's pkg/storage/engine.go Recover(): a
// loadedLSNs map keyed by index, populated from checkpoint state before
// the WAL replay begins, with an entry's replay skipped once
// entry.LSN <= the loaded LSN — generalized here from per-(table,index)
// granularity to per-range granularity, and from a single checkpoint file
// to a directory of runs discovered by DiscoverRuns.
type Recovery struct {
	kd  *keydef.KeyDef
	log *logging.Logger

	mu        sync.Mutex
	state     RecoveryState
	ranges    map[uint64]*Range
	maxRunLSN map[uint64]uint64
}

// NewRecovery builds an idle Recovery in state OFFLINE.
func NewRecovery(kd *keydef.KeyDef, log *logging.Logger) *Recovery {
	if log == nil {
		log = logging.New(nil)
	}
	return &Recovery{
		kd:        kd,
		log:       log,
		ranges:    make(map[uint64]*Range),
		maxRunLSN: make(map[uint64]uint64),
	}
}

// State returns the current recovery state.
func (rc *Recovery) State() RecoveryState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// SetState lets an external orchestration layer drive the REMOTE phases
// Recovery itself never enters.
func (rc *Recovery) SetState(s RecoveryState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = s
}

func (rc *Recovery) setState(s RecoveryState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

// Ranges returns the ranges Recovery has reconstructed so far, keyed by
// range id, for a caller to register with a Scheduler once recovery
// completes.
func (rc *Recovery) Ranges() map[uint64]*Range {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[uint64]*Range, len(rc.ranges))
	for id, rng := range rc.ranges {
		out[id] = rng
	}
	return out
}

// ReplaySnapshot is the INITIAL_RECOVERY_LOCAL phase: discover every run
// under snapshotDir, resolve the surviving range images, and build one
// *Range per survivor with its runs linked in (newest last, so
// Range.AddRun's prepend-per-call convention puts the truly newest run at
// the front of the result). The built ranges form one contiguous cover of
// the key space: sorted by their image's begin key, the first starts at
// -infinity, the last ends at +infinity, and each ends where the next
// begins, so a replayed row whose key lies at or past its runs' largest
// key still finds a range.
func (rc *Recovery) ReplaySnapshot(snapshotDir string, rangeSizeGoal int64) error {
	rc.setState(RecoveryInitialLocal)

	runs, err := DiscoverRuns(snapshotDir, rc.kd)
	if err != nil {
		return err
	}
	images := groupRangeImages(runs, rc.kd)
	selected := SelectRanges(images, rc.kd)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.ranges = make(map[uint64]*Range, len(selected))
	rc.maxRunLSN = make(map[uint64]uint64, len(selected))
	sort.SliceStable(selected, func(i, j int) bool {
		return compareBounds(beginBound(selected[i].Begin), beginBound(selected[j].Begin), rc.kd) < 0
	})
	for i, img := range selected {
		var begin, end *tuple.Tuple
		if i > 0 {
			begin = img.Begin
		}
		if i+1 < len(selected) {
			end = selected[i+1].Begin
		}
		rng := NewRange(img.RangeID, begin, end, rc.kd, rangeSizeGoal)
		for _, run := range img.Runs { // ascending run_id: oldest first, newest ends up at runs[0]
			rng.AddRun(run)
		}
		rc.ranges[img.RangeID] = rng
		rc.maxRunLSN[img.RangeID] = img.MaxLSN()
	}
	return nil
}

// ReplayXlogSuffix is the FINAL_RECOVERY_LOCAL phase: sequentially replay
// every row of xlogPath, skipping any row whose LSN is already reflected
// by an on-disk run for its range (spec §4.8's at-most-once discard
// rule), and transitions to ONLINE once the file is exhausted.
func (rc *Recovery) ReplayXlogSuffix(xlogPath string) error {
	rc.setState(RecoveryFinalLocal)

	cur, err := xlog.Open(xlogPath)
	if err != nil {
		return err
	}
	defer cur.Close()

	for {
		if err := cur.NextTx(); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		for {
			row, err := cur.NextRow()
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
			if err := rc.applyRow(row); err != nil {
				return err
			}
		}
	}

	rc.setState(RecoveryOnline)
	return nil
}

// applyRow replays one xlog row against whichever range covers its key,
// discarding it if that range's on-disk runs already reflect its LSN.
func (rc *Recovery) applyRow(row xlog.Row) error {
	switch row.Type {
	case xlog.RowDelete, xlog.RowUpsert, xlog.RowInsert, xlog.RowReplace:
	default:
		return nil // control row (AUTH/SUBSCRIBE/JOIN/VOTE/SELECT): nothing to replay
	}

	stmt := rowToStatement(row)
	key, err := tuple.ExtractStatementKey(stmt, rc.kd)
	if err != nil {
		return err
	}

	rng := rc.rangeForKey(key)
	if rng == nil {
		rc.log.Warnf("recovery: no range covers row lsn=%d, dropping", row.LSN)
		return nil
	}

	rc.mu.Lock()
	maxRunLSN := rc.maxRunLSN[rng.ID]
	rc.mu.Unlock()
	if stmt.LSN <= maxRunLSN {
		return nil
	}
	return rng.Set(stmt)
}

// rangeForKey linearly scans the recovered ranges for the one covering
// key. A documented simplification: a real range/index topology would
// answer this in O(log n) off a persisted catalog, which doesn't exist
// yet, so recovery pays O(range count) per row instead.
func (rc *Recovery) rangeForKey(key *tuple.Tuple) *Range {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, rng := range rc.ranges {
		if (rng.Begin == nil || tuple.CompareKeys(key, rng.Begin, rc.kd) >= 0) &&
			(rng.End == nil || tuple.CompareKeys(key, rng.End, rc.kd) < 0) {
			return rng
		}
	}
	return nil
}
