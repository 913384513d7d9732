package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/vclock"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

// recordingSink collects every row it's asked to apply.
type recordingSink struct {
	mu   sync.Mutex
	rows []xlog.Row
}

func (s *recordingSink) ApplyRow(row xlog.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeTransport drives a scripted JOIN stream (two initial rows, a FINAL
// marker, one final-join row) followed by a SUBSCRIBE stream the test
// feeds rows into directly.
type fakeTransport struct {
	clusterUUID uuid.UUID
	remoteUUID  uuid.UUID
	serverID    uint32

	subRows chan Envelope
	subErrs chan error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		clusterUUID: uuid.New(),
		remoteUUID:  uuid.New(),
		serverID:    1,
		subRows:     make(chan Envelope, 16),
		subErrs:     make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, uri string) error { return nil }

func (f *fakeTransport) Authenticate(ctx context.Context, localUUID uuid.UUID) (uint32, uuid.UUID, uuid.UUID, error) {
	return f.serverID, f.remoteUUID, f.clusterUUID, nil
}

func (f *fakeTransport) Join(ctx context.Context) (<-chan Envelope, <-chan error) {
	rows := make(chan Envelope, 8)
	errs := make(chan error, 1)
	go func() {
		rows <- Envelope{Row: xlog.Row{Type: xlog.RowInsert, LSN: 1, ServerID: 1}}
		rows <- Envelope{Row: xlog.Row{Type: xlog.RowInsert, LSN: 2, ServerID: 1}}
		rows <- Envelope{Final: true, VClock: vclock.New()}
		rows <- Envelope{Row: xlog.Row{Type: xlog.RowInsert, LSN: 3, ServerID: 1}}
		close(rows)
	}()
	return rows, errs
}

func (f *fakeTransport) Subscribe(ctx context.Context, vc *vclock.VClock) (<-chan Envelope, <-chan error) {
	return f.subRows, f.subErrs
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestApplierRunsJoinThenFollowsAndSkipsSelfOrigin(t *testing.T) {
	initial := &recordingSink{}
	final := &recordingSink{}
	subscribe := &recordingSink{}
	transport := newFakeTransport()

	a := NewApplier("fake://remote", uuid.New(), transport.clusterUUID, vclock.New(), transport, initial, final, subscribe, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for final.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for JOIN phase to complete, final sink has %d rows", final.count())
		case <-time.After(time.Millisecond):
		}
	}
	if got := initial.count(); got != 2 {
		t.Fatalf("initial sink got %d rows, want 2", got)
	}
	if got := final.count(); got != 1 {
		t.Fatalf("final sink got %d rows, want 1", got)
	}

	deadline = time.After(2 * time.Second)
	for a.State() != StateFollow {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for FOLLOW, state=%s", a.State())
		case <-time.After(time.Millisecond):
		}
	}

	// self-origin row: must be skipped, not applied.
	transport.subRows <- Envelope{Row: xlog.Row{Type: xlog.RowInsert, LSN: 10, ServerID: 1}}
	// remote-origin row: must be applied and advance the vclock.
	transport.subRows <- Envelope{Row: xlog.Row{Type: xlog.RowInsert, LSN: 11, ServerID: 2}}

	deadline = time.After(2 * time.Second)
	for subscribe.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for subscribe sink, got %d rows", subscribe.count())
		case <-time.After(time.Millisecond):
		}
	}
	if got := subscribe.count(); got != 1 {
		t.Fatalf("subscribe sink got %d rows, want 1 (self-origin row must be skipped)", got)
	}

	a.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if a.State() != StateStopped {
		t.Fatalf("final state = %s, want STOPPED", a.State())
	}
}

func TestApplierTerminatesOnClusterUUIDMismatch(t *testing.T) {
	transport := newFakeTransport()
	wrongCluster := uuid.New()

	a := NewApplier("fake://remote", uuid.New(), wrongCluster, vclock.New(), transport, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.Run(ctx)
	if err == nil {
		t.Fatal("expected a cluster uuid mismatch error, got nil")
	}
}
