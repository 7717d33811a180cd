package ordernet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ordermesh/ordermesh/types"
)

// ErrTransportClosed is returned on operations against a closed transport or
// connection.
var ErrTransportClosed = errors.New("transport closed")

// Connection is a bidirectional message stream to one peer. Send enqueues an
// encoded message; a full send queue is a slow peer and fails the send
// rather than blocking the caller.
type Connection interface {
	LocalID() types.NodeID
	RemoteID() types.NodeID

	// Send encodes and enqueues a message for the peer.
	Send(msg Message) error

	// Receive returns the stream of raw inbound messages. The channel
	// closes when the connection does.
	Receive() <-chan []byte

	Close() error
}

// Transport accepts inbound and dials outbound connections.
type Transport interface {
	Dial(ctx context.Context, remote types.NodeID) (Connection, error)
	Accept(ctx context.Context) (Connection, error)
	Close() error
}

// MemoryNetwork wires MemoryTransports together in-process. Primarily used
// in tests, it carries fully encoded messages so the wire codec is exercised
// end to end.
type MemoryNetwork struct {
	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
	queueCap   int
}

// NewMemoryNetwork creates an in-process network with the given per-session
// send queue capacity.
func NewMemoryNetwork(queueCap int) *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[types.NodeID]*MemoryTransport),
		queueCap:   queueCap,
	}
}

// CreateTransport registers a node on the network and returns its transport.
func (n *MemoryNetwork) CreateTransport(id types.NodeID) *MemoryTransport {
	t := &MemoryTransport{
		network:  n,
		id:       id,
		acceptCh: make(chan *memoryConnection),
		closeCh:  make(chan struct{}),
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[id]; ok {
		panic(fmt.Sprintf("memory transport %q already exists", id))
	}
	n.transports[id] = t
	return t
}

func (n *MemoryNetwork) lookup(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

func (n *MemoryNetwork) drop(id types.NodeID) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.transports, id)
}

// MemoryTransport is one node's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	id       types.NodeID
	acceptCh chan *memoryConnection
	closeCh  chan struct{}
	closeFn  sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

// Dial connects to another node on the same memory network.
func (t *MemoryTransport) Dial(ctx context.Context, remote types.NodeID) (Connection, error) {
	peer := t.network.lookup(remote)
	if peer == nil {
		return nil, fmt.Errorf("unknown peer %q", remote)
	}

	queueCap := t.network.queueCap
	toPeer := make(chan []byte, queueCap)
	fromPeer := make(chan []byte, queueCap)
	closer := newConnCloser()

	local := &memoryConnection{
		localID: t.id, remoteID: remote,
		sendCh: toPeer, recvCh: fromPeer, closer: closer,
	}
	accepted := &memoryConnection{
		localID: remote, remoteID: t.id,
		sendCh: fromPeer, recvCh: toPeer, closer: closer,
	}

	select {
	case peer.acceptCh <- accepted:
		return local, nil
	case <-peer.closeCh:
		return nil, ErrTransportClosed
	case <-t.closeCh:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept blocks for the next inbound connection.
func (t *MemoryTransport) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn := <-t.acceptCh:
		return conn, nil
	case <-t.closeCh:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Close() error {
	t.closeFn.Do(func() {
		t.network.drop(t.id)
		close(t.closeCh)
	})
	return nil
}

// connCloser closes both ends of a memory connection exactly once.
type connCloser struct {
	once   sync.Once
	doneCh chan struct{}
}

func newConnCloser() *connCloser {
	return &connCloser{doneCh: make(chan struct{})}
}

func (c *connCloser) close() {
	c.once.Do(func() { close(c.doneCh) })
}

type memoryConnection struct {
	localID  types.NodeID
	remoteID types.NodeID
	sendCh   chan []byte
	recvCh   chan []byte
	closer   *connCloser
}

var _ Connection = (*memoryConnection)(nil)

func (c *memoryConnection) LocalID() types.NodeID  { return c.localID }
func (c *memoryConnection) RemoteID() types.NodeID { return c.remoteID }

func (c *memoryConnection) Send(msg Message) error {
	bz := encodeMsg(msg)
	select {
	case <-c.closer.doneCh:
		return ErrTransportClosed
	default:
	}
	select {
	case c.sendCh <- bz:
		return nil
	case <-c.closer.doneCh:
		return ErrTransportClosed
	default:
		return fmt.Errorf("send queue full for peer %q", c.remoteID)
	}
}

// Receive multiplexes the inbound queue with connection shutdown so readers
// observe a closed channel once the connection goes down.
func (c *memoryConnection) Receive() <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case bz := <-c.recvCh:
				select {
				case out <- bz:
				case <-c.closer.doneCh:
					return
				}
			case <-c.closer.doneCh:
				return
			}
		}
	}()
	return out
}

func (c *memoryConnection) Close() error {
	c.closer.close()
	return nil
}
