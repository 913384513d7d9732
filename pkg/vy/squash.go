package vy

import (
	"sync"

	"github.com/vinylcore/vinyl/pkg/logging"
	"github.com/vinylcore/vinyl/pkg/tuple"
)

// pendingUpsert is one stacked-upsert statement flagged
// Statement.IsUpsertPending by a write pass, still awaiting asynchronous
// materialization into a REPLACE (spec §4.1).
type pendingUpsert struct {
	rng  *Range
	stmt *tuple.Statement
}

// Squasher is the background fiber that drains statements whose stacked-
// upsert counter has saturated past upsertSquashThreshold and replaces
// each with a REPLACE via the same tuple.ApplyUpsert(stmt, nil, ...)
// machinery a synchronous read already falls back to, so a deep upsert
// chain doesn't keep costing every reader a fold.
//
// Grounded on the teacher's pkg/xlog.Writer background-sync goroutine
// (a buffered work channel drained by long-lived workers, stopped via a
// close-channel + WaitGroup) — the same shape pkg/vy/scheduler.go's
// worker pool already borrows for dump/compact tasks.
type Squasher struct {
	log     *logging.Logger
	queue   chan pendingUpsert
	stopCh  chan struct{}
	wg      sync.WaitGroup
	workers int

	mu      sync.Mutex
	started bool
}

// NewSquasher builds a Squasher with workers background goroutines and a
// queue capacity of queueSize pending keys.
func NewSquasher(workers, queueSize int, log *logging.Logger) *Squasher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Squasher{
		log:     log,
		queue:   make(chan pendingUpsert, queueSize),
		stopCh:  make(chan struct{}),
		workers: workers,
	}
}

// Start launches the background workers. Safe to call once; a second call
// is a no-op.
func (s *Squasher) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop signals every worker to drain no further and waits for them to
// exit. Pending queued entries are dropped: they remain correctly
// resolvable (just unmaterialized) via ReadIterator.resolveUpsertChain
// and WriteIterator.foldOldVersions until a future compaction pass
// offers them again.
func (s *Squasher) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue offers stmt for background materialization if its stacked-
// upsert counter has saturated (spec §4.1's "pending" state). A
// non-pending statement is a no-op. A full queue drops the offer and
// logs rather than blocking the caller, which is a dump/compact task
// holding the range's write path.
func (s *Squasher) Enqueue(rng *Range, stmt *tuple.Statement) {
	if !stmt.IsUpsertPending() {
		return
	}
	select {
	case s.queue <- pendingUpsert{rng: rng, stmt: stmt}:
	default:
		s.log.Warnf("squash queue full, dropping pending upsert range=%d lsn=%d", rng.ID, stmt.LSN)
	}
}

func (s *Squasher) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case p := <-s.queue:
			s.materialize(p)
		}
	}
}

// materialize turns p's dangling UPSERT into a REPLACE and installs it as
// the range's newest version of the key, then clears the pending marker.
// A REPLACE always wins the read path's priority order over whatever
// on-disk run still carries the stacked upsert (spec §4.4: active mem
// outranks every run), so the key resolves cheaply from then on without
// needing the run itself to be rewritten.
func (s *Squasher) materialize(p pendingUpsert) {
	kd := p.rng.Active().KeyDef()
	replaced, err := tuple.ApplyUpsert(p.stmt, nil, kd, true)
	if err != nil {
		s.log.Errorf("squash: materialize range=%d lsn=%d: %v", p.rng.ID, p.stmt.LSN, err)
		return
	}
	replaced.MarkSquashed()
	if err := p.rng.Set(replaced); err != nil {
		s.log.Errorf("squash: install replace range=%d lsn=%d: %v", p.rng.ID, p.stmt.LSN, err)
	}
}
