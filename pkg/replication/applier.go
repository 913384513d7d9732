// Package replication implements the client side of row-level
// replication: an Applier drives one remote connection through the
// CONNECT/AUTH/JOIN/FOLLOW state machine of spec §4.9, decoding xlog rows
// off a Transport and routing them to per-phase sinks.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/logging"
	"github.com/vinylcore/vinyl/pkg/vclock"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

// State is one of spec §4.9's applier states.
type State int

const (
	StateOff State = iota
	StateConnect
	StateAuth
	StateConnected
	StateInitialJoin
	StateFinalJoin
	StateJoined
	StateFollow
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateConnect:
		return "CONNECT"
	case StateAuth:
		return "AUTH"
	case StateConnected:
		return "CONNECTED"
	case StateInitialJoin:
		return "INITIAL_JOIN"
	case StateFinalJoin:
		return "FINAL_JOIN"
	case StateJoined:
		return "JOINED"
	case StateFollow:
		return "FOLLOW"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// RowSink applies one decoded xlog row to whatever local store the
// applier feeds (a vy.Range today; a full space/index topology layer once
// one exists).
type RowSink interface {
	ApplyRow(row xlog.Row) error
}

// Envelope is one message off the wire: either a replicated row, or (Final
// set) the end of a JOIN phase carrying the sender's vclock at that point,
// per spec §4.9's "JOIN → stream of INSERTs ended by a FINAL marker with
// the master's vclock." A zero-value Envelope with Heartbeat set is an
// empty keepalive row (spec: "heartbeats are empty rows every ≈1s").
type Envelope struct {
	Row       xlog.Row
	Final     bool
	Heartbeat bool
	VClock    *vclock.VClock
}

// Transport abstracts the network connection an Applier drives. Grounded
// on other_examples' cockroach logical-replication-writer-processor
// (subscription channel + errCh + checkpoint tracking) for the overall
// "channel pair per streaming phase" shape; no teacher analogue exists
// since the teacher never implements replication.
type Transport interface {
	// Connect dials uri and returns once a socket is established.
	Connect(ctx context.Context, uri string) error
	// Authenticate exchanges credentials and returns the server id the
	// remote assigns to this replica (stored as LocalServerID), the
	// remote's server uuid, and the cluster uuid.
	Authenticate(ctx context.Context, localUUID uuid.UUID) (serverID uint32, remoteUUID uuid.UUID, clusterUUID uuid.UUID, err error)
	// Join requests a JOIN stream: snapshot rows followed by any WAL
	// rows written since the snapshot began, ended by one Final
	// envelope carrying the master's vclock.
	Join(ctx context.Context) (<-chan Envelope, <-chan error)
	// Subscribe requests a SUBSCRIBE stream starting from vc,
	// continuing until the context is canceled or the connection
	// drops.
	Subscribe(ctx context.Context, vc *vclock.VClock) (<-chan Envelope, <-chan error)
	// Close tears down the connection.
	Close() error
}

const (
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 60 * time.Second
	heartbeatTimeout     = 10 * time.Second
)

// Applier is one replication client connection (spec §4.9's Applier
// object): state, remote URI, last row time, lag, remote vclock/uuid, a
// pause channel, and the three per-phase row sinks.
type Applier struct {
	URI           string
	LocalUUID     uuid.UUID
	LocalServerID uint32
	ClusterUUID   uuid.UUID // uuid.Nil means "accept any cluster"

	Transport    Transport
	InitialSink  RowSink
	FinalSink    RowSink
	SubscribeSink RowSink

	log *logging.Logger

	mu          sync.RWMutex
	state       State
	vclock      *vclock.VClock // local applied vclock, advanced as rows land
	remoteUUID  uuid.UUID
	remoteVC    *vclock.VClock
	lastRowTime time.Time
	lag         time.Duration
	backoff     time.Duration

	pauseMu sync.Mutex
	cond    *sync.Cond
	paused  bool

	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewApplier builds an Applier. vc is the local vclock to resume FOLLOW
// from (pass vclock.New() for a brand-new replica, which takes the
// INITIAL_JOIN path).
func NewApplier(uri string, localUUID uuid.UUID, clusterUUID uuid.UUID, vc *vclock.VClock, transport Transport, initial, final, subscribe RowSink, log *logging.Logger) *Applier {
	if log == nil {
		log = logging.New(nil)
	}
	a := &Applier{
		URI: uri, LocalUUID: localUUID, ClusterUUID: clusterUUID,
		Transport: transport, InitialSink: initial, FinalSink: final, SubscribeSink: subscribe,
		log: log, state: StateOff, vclock: vc, stopCh: make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.pauseMu)
	return a
}

// State returns the applier's current state.
func (a *Applier) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Applier) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Infof("replication: applier %s -> %s", a.URI, s)
}

// Lag returns the interval between the two most recently applied rows or
// heartbeats (0 until a second one arrives), and the local applied
// vclock's sum.
func (a *Applier) Lag() (time.Duration, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lag, a.vclock.Sum()
}

// Pause holds the applier at CONNECTED (or blocks it before its next
// phase transition), letting a controller bring up a whole fleet of
// appliers and release them together (spec §4.9's pause channel).
func (a *Applier) Pause() {
	a.pauseMu.Lock()
	a.paused = true
	a.pauseMu.Unlock()
}

// Resume releases a paused applier.
func (a *Applier) Resume() {
	a.pauseMu.Lock()
	a.paused = false
	a.pauseMu.Unlock()
	a.cond.Broadcast()
}

func (a *Applier) waitIfPaused() {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	for a.paused {
		a.cond.Wait()
	}
}

// Stop requests the applier shut down; Run returns StateStopped's
// terminal nil error once it observes the signal.
func (a *Applier) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Applier) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the applier's state machine until Stop is called, the
// context is canceled, or a non-recoverable error occurs: a cluster uuid
// mismatch terminates the applier with a CodeIllegalParams error. The
// remote server uuid is recorded but not checked.
func (a *Applier) Run(ctx context.Context) error {
	a.setState(StateConnect)
	for {
		if a.stopped() {
			a.setState(StateStopped)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var err error
		switch a.State() {
		case StateConnect:
			err = a.doConnect(ctx)
		case StateAuth:
			err = a.doAuth(ctx)
		case StateConnected:
			a.waitIfPaused()
			if a.vclock.Sum() == 0 {
				a.setState(StateInitialJoin)
			} else {
				a.setState(StateJoined)
			}
		case StateInitialJoin:
			err = a.doJoin(ctx)
		case StateJoined:
			a.setState(StateFollow)
		case StateFollow:
			err = a.doFollow(ctx)
		case StateDisconnected:
			a.sleepBackoff()
			a.setState(StateConnect)
		default:
			return errors.New(errors.CodeSystem, "replication: applier in unexpected state %s", a.State())
		}

		if err != nil {
			if errors.Is(err, errors.CodeIllegalParams) {
				return err // uuid/cluster mismatch: not retryable
			}
			a.log.Warnf("replication: applier %s error in state %s: %v", a.URI, a.State(), err)
			a.Transport.Close()
			a.setState(StateDisconnected)
		}
	}
}

func (a *Applier) doConnect(ctx context.Context) error {
	if err := a.Transport.Connect(ctx, a.URI); err != nil {
		return err
	}
	a.setState(StateAuth)
	return nil
}

func (a *Applier) doAuth(ctx context.Context) error {
	serverID, remoteUUID, clusterUUID, err := a.Transport.Authenticate(ctx, a.LocalUUID)
	if err != nil {
		return err
	}
	if a.ClusterUUID != uuid.Nil && clusterUUID != a.ClusterUUID {
		return errors.New(errors.CodeIllegalParams, "replication: cluster uuid mismatch: want %s, got %s", a.ClusterUUID, clusterUUID)
	}
	a.mu.Lock()
	a.LocalServerID = serverID
	a.remoteUUID = remoteUUID
	a.mu.Unlock()
	a.setState(StateConnected)
	return nil
}

// doJoin drains the JOIN stream: rows before the Final envelope go to
// InitialSink (spec's snapshot replay); rows after it, until the channel
// closes, go to FinalSink (the WAL suffix written since the snapshot
// began) — the INITIAL_JOIN/FINAL_JOIN split spec §4.9 names, both served
// by one underlying stream per spec §6's "JOIN -> stream of INSERTs ended
// by a FINAL marker."
func (a *Applier) doJoin(ctx context.Context) error {
	rows, errc := a.Transport.Join(ctx)
	sink := a.InitialSink
	for {
		select {
		case env, ok := <-rows:
			if !ok {
				a.setState(StateJoined)
				return nil
			}
			if env.Final {
				a.mu.Lock()
				a.remoteVC = env.VClock
				if env.VClock != nil {
					// adopt the master's vclock as our own starting point,
					// so the eventual SUBSCRIBE resumes from here instead
					// of re-requesting rows the snapshot already covered.
					a.vclock = env.VClock.Copy()
				}
				a.mu.Unlock()
				a.setState(StateFinalJoin)
				sink = a.FinalSink
				continue
			}
			if err := a.applyEnvelope(env, sink, false); err != nil {
				return err
			}
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// doFollow runs one SUBSCRIBE session: applies rows to SubscribeSink,
// skips rows whose origin is this server (spec: "rows arriving on FOLLOW
// with origin-id equal to the local server's id are skipped to prevent
// loops"), and treats a heartbeat gap longer than heartbeatTimeout as a
// disconnect.
func (a *Applier) doFollow(ctx context.Context) error {
	a.waitIfPaused()
	rows, errc := a.Transport.Subscribe(ctx, a.vclock.Copy())
	timer := time.NewTimer(heartbeatTimeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-rows:
			if !ok {
				return errors.New(errors.CodeSystem, "replication: subscribe stream closed")
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(heartbeatTimeout)
			if env.Heartbeat {
				a.touch()
				continue
			}
			if env.Row.ServerID == a.LocalServerID {
				continue // self-origin: skip to prevent loops
			}
			if err := a.applyEnvelope(env, a.SubscribeSink, true); err != nil {
				return err
			}
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-timer.C:
			return errors.New(errors.CodeSystem, "replication: no heartbeat from %s for %s", a.URI, heartbeatTimeout)
		case <-a.stopCh:
			return nil // Run observes the stop and moves to STOPPED
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Applier) applyEnvelope(env Envelope, sink RowSink, advanceVClock bool) error {
	if sink != nil {
		if err := sink.ApplyRow(env.Row); err != nil {
			return err
		}
	}
	if advanceVClock {
		a.vclock.Follow(env.Row.ServerID, env.Row.LSN)
	}
	a.touch()
	return nil
}

func (a *Applier) touch() {
	a.mu.Lock()
	now := time.Now()
	if !a.lastRowTime.IsZero() {
		a.lag = now.Sub(a.lastRowTime)
	}
	a.lastRowTime = now
	a.mu.Unlock()
}

func (a *Applier) sleepBackoff() {
	a.mu.Lock()
	if a.backoff == 0 {
		a.backoff = minReconnectBackoff
	} else {
		a.backoff *= 2
		if a.backoff > maxReconnectBackoff {
			a.backoff = maxReconnectBackoff
		}
	}
	d := a.backoff
	a.mu.Unlock()
	time.Sleep(d)
}
