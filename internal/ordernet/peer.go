package ordernet

import (
	"fmt"
	"sync"

	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

// PeerState is the lifecycle state of a tracked peer.
type PeerState byte

const (
	// PeerStateDiscovered means the peer is known but no connection has
	// been attempted yet.
	PeerStateDiscovered PeerState = iota

	// PeerStateConnecting means a dial is in flight.
	PeerStateConnecting

	// PeerStateSessionActive means an order session is established.
	PeerStateSessionActive

	// PeerStateDisconnected is terminal until the peer is re-added.
	PeerStateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerStateDiscovered:
		return "discovered"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateSessionActive:
		return "session-active"
	case PeerStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// PeerUpdate notifies subscribers of a peer state transition.
type PeerUpdate struct {
	NodeID types.NodeID
	State  PeerState
}

type peerInfo struct {
	id        types.NodeID
	addr      string
	state     PeerState
	validator bool
	dials     int
}

// PeerRegistry tracks every known peer's lifecycle state and validator flag,
// and fans out state transitions to subscribers. Transitions are:
// Discovered -> Connecting -> SessionActive -> Disconnected, with Connecting
// allowed to retry and Disconnected terminal until re-added.
type PeerRegistry struct {
	logger  log.Logger
	bufSize int

	mtx   sync.RWMutex
	peers map[types.NodeID]*peerInfo
	subs  []chan PeerUpdate
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry(logger log.Logger, subBufSize int) *PeerRegistry {
	return &PeerRegistry{
		logger:  logger,
		bufSize: subBufSize,
		peers:   make(map[types.NodeID]*peerInfo),
	}
}

// Add registers a peer as discovered at the given dial address. Re-adding a
// disconnected peer resets it; for a live peer only a non-empty address is
// refreshed. Inbound peers carry no dial address.
func (r *PeerRegistry) Add(id types.NodeID, addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if p, ok := r.peers[id]; ok && p.state != PeerStateDisconnected {
		if addr != "" {
			p.addr = addr
		}
		return
	}
	r.peers[id] = &peerInfo{id: id, addr: addr, state: PeerStateDiscovered}
	r.notify(PeerUpdate{NodeID: id, State: PeerStateDiscovered})
}

// Addr returns the peer's known dial address, empty for inbound or unknown
// peers.
func (r *PeerRegistry) Addr(id types.NodeID) string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if p, ok := r.peers[id]; ok {
		return p.addr
	}
	return ""
}

// SetValidator flags the peer as a validator; validators always receive full
// order bodies during propagation. Unknown peers are added first.
func (r *PeerRegistry) SetValidator(id types.NodeID, validator bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.peers[id]
	if !ok {
		p = &peerInfo{id: id, state: PeerStateDiscovered}
		r.peers[id] = p
		r.notify(PeerUpdate{NodeID: id, State: PeerStateDiscovered})
	}
	p.validator = validator
}

// IsValidator reports whether the peer is flagged as a validator.
func (r *PeerRegistry) IsValidator(id types.NodeID) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	p, ok := r.peers[id]
	return ok && p.validator
}

// MarkConnecting transitions a peer into the connecting state, counting the
// dial attempt. It fails for unknown or disconnected peers.
func (r *PeerRegistry) MarkConnecting(id types.NodeID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("unknown peer %q", id)
	}
	switch p.state {
	case PeerStateDiscovered, PeerStateConnecting:
	default:
		return fmt.Errorf("peer %q cannot connect from state %s", id, p.state)
	}
	p.dials++
	if p.state != PeerStateConnecting {
		p.state = PeerStateConnecting
		r.notify(PeerUpdate{NodeID: id, State: PeerStateConnecting})
	}
	return nil
}

// DialAttempts returns how many dials have been made in the current
// connecting phase.
func (r *PeerRegistry) DialAttempts(id types.NodeID) int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if p, ok := r.peers[id]; ok {
		return p.dials
	}
	return 0
}

// Activate transitions a peer into the session-active state. Inbound peers
// may go active straight from discovered.
func (r *PeerRegistry) Activate(id types.NodeID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.peers[id]
	if !ok {
		p = &peerInfo{id: id}
		r.peers[id] = p
	}
	p.state = PeerStateSessionActive
	p.dials = 0
	r.notify(PeerUpdate{NodeID: id, State: PeerStateSessionActive})
}

// Disconnect transitions a peer into the terminal disconnected state.
func (r *PeerRegistry) Disconnect(id types.NodeID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	p, ok := r.peers[id]
	if !ok || p.state == PeerStateDisconnected {
		return
	}
	p.state = PeerStateDisconnected
	r.notify(PeerUpdate{NodeID: id, State: PeerStateDisconnected})
}

// State returns the peer's current lifecycle state.
func (r *PeerRegistry) State(id types.NodeID) (PeerState, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Sessions returns the peers with an active order session.
func (r *PeerRegistry) Sessions() []types.NodeID {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var out []types.NodeID
	for id, p := range r.peers {
		if p.state == PeerStateSessionActive {
			out = append(out, id)
		}
	}
	return out
}

// PeerCount returns the number of known peers in any state, disconnected
// included.
func (r *PeerRegistry) PeerCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return len(r.peers)
}

// SessionCount returns the number of active sessions.
func (r *PeerRegistry) SessionCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var n int
	for _, p := range r.peers {
		if p.state == PeerStateSessionActive {
			n++
		}
	}
	return n
}

// Subscribe returns a stream of peer state transitions. Slow subscribers
// lose updates rather than blocking transitions.
func (r *PeerRegistry) Subscribe() <-chan PeerUpdate {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ch := make(chan PeerUpdate, r.bufSize)
	r.subs = append(r.subs, ch)
	return ch
}

// notify is called under the write lock.
func (r *PeerRegistry) notify(update PeerUpdate) {
	for _, ch := range r.subs {
		select {
		case ch <- update:
		default:
			r.logger.Debug("dropped peer update on slow subscriber",
				"peer", update.NodeID, "state", update.State)
		}
	}
}
