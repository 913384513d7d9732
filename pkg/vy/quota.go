package vy

import (
	"sort"
	"sync"
)

// Quota is the memory-budget gate of spec §4.7: use/release block and
// signal on a condition variable exactly like the teacher's own
// synchronous, mutex-guarded components (pkg/xlog's Writer uses the same
// "mutex plus ticker goroutine" shape for its background sync), and
// exceeded()/watermark feed the scheduler's dump-or-wait decision.
type Quota struct {
	mu   sync.Mutex
	cond *sync.Cond

	used      int64
	limit     int64
	watermark int64

	dumpThroughputs []float64// observed bytes/sec samples, newest last
}

// NewQuota builds a Quota with limit as both the hard cap and the
// initial watermark.
func NewQuota(limit int64) *Quota {
	q := &Quota{limit: limit, watermark: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Use charges n bytes against the quota, blocking while used is already
// at or above the limit (spec §4.7: "increases used and, while
// used >= limit, blocks the caller on a condition variable").
func (q *Quota) Use(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.used >= q.limit {
		q.cond.Wait()
	}
	q.used += n
}

// Release credits n bytes back to the quota, broadcasting wakeups only
// when usage crosses the limit downward (spec §4.7).
func (q *Quota) Release(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasAtLimit := q.used >= q.limit
	q.used -= n
	if q.used < 0 {
		q.used = 0
	}
	if wasAtLimit && q.used < q.limit {
		q.cond.Broadcast()
	}
}

// Exceeded reports whether usage has crossed the watermark, the signal
// the scheduler uses to start dumping (spec §4.7).
func (q *Quota) Exceeded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used >= q.watermark
}

// Used returns current usage.
func (q *Quota) Used() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// RecordDumpThroughput adds one observed dump-task bytes/sec sample,
// feeding the next RecomputeWatermark call's 10th-percentile estimate.
// Bounded to the most recent 100 samples.
func (q *Quota) RecordDumpThroughput(bytesPerSec float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dumpThroughputs = append(q.dumpThroughputs, bytesPerSec)
	if len(q.dumpThroughputs) > 100 {
		q.dumpThroughputs = q.dumpThroughputs[len(q.dumpThroughputs)-100:]
	}
}

// RecomputeWatermark implements spec §4.7's periodic watermark formula:
// limit - chunkSize*txWriteRate/dumpBandwidth, where dumpBandwidth is the
// 10th percentile of observed dump throughput. With no samples yet, the
// watermark stays at limit (no pressure signal until a dump has run).
func (q *Quota) RecomputeWatermark(chunkSize int64, txWriteRate float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dumpThroughputs) == 0 {
		q.watermark = q.limit
		return
	}
	bandwidth := percentile10(q.dumpThroughputs)
	if bandwidth <= 0 {
		q.watermark = q.limit
		return
	}
	wm := q.limit - int64(float64(chunkSize)*txWriteRate/bandwidth)
	if wm < 0 {
		wm = 0
	}
	q.watermark = wm
}

// percentile10 returns the 10th-percentile value of samples via the
// nearest-rank method, without mutating the caller's slice.
func percentile10(samples []float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := (len(sorted) * 10) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
