package vy

import (
	"testing"
	"time"
)

func TestQuotaUseBlocksAtLimitAndReleaseWakesWaiters(t *testing.T) {
	q := NewQuota(100)
	q.Use(100)

	released := make(chan struct{})
	go func() {
		q.Use(10) // must block until Release brings used below limit
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Use returned before Release, quota did not block at the limit")
	case <-time.After(50 * time.Millisecond):
	}

	q.Release(50)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Use did not unblock after Release crossed the limit downward")
	}

	if got := q.Used(); got != 60 {
		t.Fatalf("used = %d, want 60", got)
	}
}

func TestQuotaReleaseClampsAtZero(t *testing.T) {
	q := NewQuota(100)
	q.Use(10)
	q.Release(50)
	if got := q.Used(); got != 0 {
		t.Fatalf("used = %d, want 0 (clamped)", got)
	}
}

func TestQuotaExceededComparesAgainstWatermark(t *testing.T) {
	q := NewQuota(100)
	q.Use(50)
	if q.Exceeded() {
		t.Fatal("fresh quota's watermark starts at limit, 50/100 must not be exceeded")
	}

	q.RecordDumpThroughput(1000)
	q.RecomputeWatermark(100, 400) // watermark = 100 - 100*400/1000 = 60
	if q.Exceeded() {
		t.Fatal("used=50 must not exceed a watermark of 60")
	}

	q.Use(20) // used=70
	if !q.Exceeded() {
		t.Fatal("used=70 must exceed a watermark of 60")
	}
}

func TestPercentile10NearestRank(t *testing.T) {
	// nearest-rank index for 10 samples is (10*10)/100 = 1, the
	// 2nd-smallest value once sorted.
	samples := []float64{1000, 100, 900, 200, 800, 300, 700, 400, 600, 500}
	got := percentile10(samples)
	if got != 200 {
		t.Fatalf("percentile10 = %v, want 200 (2nd-smallest of 10 samples)", got)
	}
}

func TestQuotaRecomputeWatermarkUses10thPercentile(t *testing.T) {
	q := NewQuota(1000)
	for i := 1; i <= 10; i++ {
		q.RecordDumpThroughput(float64(i) * 100) // 10th-pct (nearest-rank) bandwidth = 200
	}
	q.RecomputeWatermark(200, 1) // watermark = 1000 - 200*1/200 = 999

	q.Use(998)
	if q.Exceeded() {
		t.Fatal("used=998 must not exceed a watermark of 999")
	}
	q.Use(1)
	if !q.Exceeded() {
		t.Fatal("used=999 must exceed a watermark of 999")
	}
}

func TestQuotaRecomputeWatermarkWithNoSamplesStaysAtLimit(t *testing.T) {
	q := NewQuota(500)
	q.RecomputeWatermark(100, 10)
	q.Use(500)
	if !q.Exceeded() {
		t.Fatal("watermark with no dump samples must stay at limit, so used==limit must exceed it")
	}
}
