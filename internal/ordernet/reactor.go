package ordernet

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/internal/orderpool"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/libs/service"
	"github.com/ordermesh/ordermesh/types"
)

// IncomingOrders is emitted to subscribers when a peer delivers full order
// bodies, after the pool has seen them.
type IncomingOrders struct {
	Peer   types.NodeID
	Orders []types.Order
}

// Reactor speaks the order propagation protocol with active sessions:
// hash announcements, order fetches and full-order pushes. It feeds inbound
// orders to the pool and broadcasts the pool's propagatable admissions.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg      *config.NetConfig
	pool     *orderpool.OrderPool
	registry *PeerRegistry
	metrics  *Metrics

	mtx      sync.Mutex
	conns    map[types.NodeID]Connection
	requests map[string]types.NodeID // in-flight fetch request -> peer
	incoming []chan IncomingOrders
}

// NewReactor returns a reactor wired to the given pool and registry.
func NewReactor(
	logger log.Logger,
	cfg *config.NetConfig,
	pool *orderpool.OrderPool,
	registry *PeerRegistry,
	metrics *Metrics,
) *Reactor {
	r := &Reactor{
		logger:   logger,
		cfg:      cfg,
		pool:     pool,
		registry: registry,
		metrics:  metrics,
		conns:    make(map[types.NodeID]Connection),
		requests: make(map[string]types.NodeID),
	}
	r.BaseService = *service.NewBaseService(logger, "OrderReactor", r)
	return r
}

// OnStart subscribes to the pool's propagatable admissions and starts the
// broadcast routine.
func (r *Reactor) OnStart(ctx context.Context) error {
	newOrders := r.pool.NewOrdersListener(types.ListenerPropagateOnly)
	go r.broadcastRoutine(ctx, newOrders)
	return nil
}

// OnStop closes every session.
func (r *Reactor) OnStop() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
}

// SubscribeIncoming returns a stream of full-order deliveries from peers.
// Slow subscribers lose batches rather than stalling the receive path.
func (r *Reactor) SubscribeIncoming() <-chan IncomingOrders {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ch := make(chan IncomingOrders, r.cfg.EventBufferSize)
	r.incoming = append(r.incoming, ch)
	return ch
}

// AddPeer activates a session on the given connection: the registry moves to
// session-active, the pool's hashes are announced, and a receive routine is
// started. The routine runs until the connection or the context ends.
func (r *Reactor) AddPeer(ctx context.Context, conn Connection) {
	peerID := conn.RemoteID()

	r.mtx.Lock()
	r.conns[peerID] = conn
	r.mtx.Unlock()

	r.registry.Activate(peerID)
	r.metrics.ActiveSessions.Set(float64(r.registry.SessionCount()))
	r.logger.Info("order session established", "peer", peerID)

	// Initial hash exchange: tell the new peer what we hold, it fetches the
	// delta it misses.
	if hashes := r.pool.PooledOrderHashes(r.announceLimit()); len(hashes) > 0 {
		r.send(peerID, &HashAnnouncement{Hashes: hashes})
	}

	go r.receiveRoutine(ctx, conn)
}

// announceLimit caps the configured session announcement size at what a
// single wire message may carry, so a generous config cannot produce
// announcements the receiving side rejects.
func (r *Reactor) announceLimit() int {
	if r.cfg.PooledHashesMax > maxHashesPerMessage {
		return maxHashesPerMessage
	}
	return r.cfg.PooledHashesMax
}

// RemovePeer tears the session down and marks the peer disconnected.
func (r *Reactor) RemovePeer(peerID types.NodeID) {
	r.mtx.Lock()
	conn, ok := r.conns[peerID]
	if ok {
		delete(r.conns, peerID)
	}
	for reqID, p := range r.requests {
		if p == peerID {
			delete(r.requests, reqID)
		}
	}
	r.mtx.Unlock()

	if !ok {
		return
	}
	_ = conn.Close()
	r.registry.Disconnect(peerID)
	r.metrics.ActiveSessions.Set(float64(r.registry.SessionCount()))
	r.logger.Info("order session closed", "peer", peerID)
}

func (r *Reactor) receiveRoutine(ctx context.Context, conn Connection) {
	peerID := conn.RemoteID()
	defer r.RemovePeer(peerID)

	inbound := conn.Receive()
	for {
		select {
		case bz, ok := <-inbound:
			if !ok {
				return
			}
			msg, err := decodeMsg(bz)
			if err != nil {
				r.metrics.InvalidMessages.Add(1)
				r.logger.Error("invalid message from peer", "peer", peerID, "err", err)
				continue
			}
			r.metrics.MessagesReceived.With("message_type", msgTypeLabel(msg)).Add(1)
			r.handleMessage(peerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reactor) handleMessage(peerID types.NodeID, msg Message) {
	r.logger.Debug("received message", "peer", peerID, "msg", msg)

	switch m := msg.(type) {
	case *HashAnnouncement:
		r.handleHashAnnouncement(peerID, m)
	case *GetPooledOrders:
		r.handleGetPooledOrders(peerID, m)
	case *PooledOrders:
		r.handlePooledOrders(peerID, m)
	case *NewPooledOrders:
		r.addOrders(peerID, m.Orders)
	}
}

// handleHashAnnouncement fetches the announced orders the pool is missing.
func (r *Reactor) handleHashAnnouncement(peerID types.NodeID, m *HashAnnouncement) {
	unknown := r.pool.RetainUnknown(m.Hashes)
	if len(unknown) == 0 {
		return
	}

	reqID := uuid.NewString()
	r.mtx.Lock()
	r.requests[reqID] = peerID
	r.mtx.Unlock()

	r.send(peerID, &GetPooledOrders{
		RequestID:      reqID,
		Hashes:         unknown,
		SoftLimitBytes: r.cfg.SoftResponseLimit,
	})
}

func (r *Reactor) handleGetPooledOrders(peerID types.NodeID, m *GetPooledOrders) {
	limit := m.SoftLimitBytes
	if limit <= 0 || limit > r.cfg.SoftResponseLimit {
		limit = r.cfg.SoftResponseLimit
	}
	orders := r.pool.GetPooledOrdersElements(m.Hashes, limit)
	r.send(peerID, &PooledOrders{RequestID: m.RequestID, Orders: orders})
}

func (r *Reactor) handlePooledOrders(peerID types.NodeID, m *PooledOrders) {
	r.mtx.Lock()
	requester, ok := r.requests[m.RequestID]
	if ok {
		delete(r.requests, m.RequestID)
	}
	r.mtx.Unlock()

	if !ok || requester != peerID {
		r.metrics.InvalidMessages.Add(1)
		r.logger.Error("unsolicited order response", "peer", peerID, "request", m.RequestID)
		return
	}
	r.addOrders(peerID, m.Orders)
}

// addOrders feeds peer-delivered orders to the pool and notifies incoming
// subscribers. Admission failures for individual orders are expected; peers
// race each other delivering the same orders.
func (r *Reactor) addOrders(peerID types.NodeID, orders []types.Order) {
	if len(orders) == 0 {
		return
	}
	r.metrics.OrdersReceived.Add(float64(len(orders)))

	info := orderpool.OrderInfo{SenderNodeID: peerID}
	errs := r.pool.AddOrdersWithInfo(types.OriginExternal, info, orders...)
	for i, err := range errs {
		if err != nil {
			r.logger.Debug("rejected peer order",
				"peer", peerID, "order", orders[i].Hash(), "err", err)
		}
	}

	ev := IncomingOrders{Peer: peerID, Orders: orders}
	r.mtx.Lock()
	for _, ch := range r.incoming {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("dropped incoming orders on slow subscriber", "peer", peerID)
		}
	}
	r.mtx.Unlock()
}

// broadcastRoutine pushes every propagatable admission to active sessions:
// validators and peers that have not seen even the hash receive the full
// order, peers already holding the hash a bare announcement. The origin is
// never pushed the body it delivered.
func (r *Reactor) broadcastRoutine(ctx context.Context, newOrders <-chan orderpool.NewOrderEvent) {
	for {
		select {
		case ev := <-newOrders:
			r.broadcast(ev.Order)
		case <-ctx.Done():
			return
		case <-r.Quit():
			return
		}
	}
}

func (r *Reactor) broadcast(vo *orderpool.ValidOrder) {
	hash := vo.Hash()
	record := make(types.PropagatedOrders)

	for _, peerID := range r.registry.Sessions() {
		full := r.registry.IsValidator(peerID) || !r.pool.OrderSeenBy(hash, peerID)

		var msg Message
		if full {
			msg = &NewPooledOrders{Orders: []types.Order{vo.Order}}
		} else {
			msg = &HashAnnouncement{Hashes: []types.Hash{hash}}
		}
		if !r.send(peerID, msg) {
			continue
		}

		mode := "hash"
		if full {
			mode = "full"
		}
		r.metrics.OrdersPropagated.With("mode", mode).Add(1)
		record[hash] = append(record[hash], types.PropagateKind{Peer: peerID, Full: full})
	}

	if len(record) > 0 {
		r.pool.OnPropagated(record)
	}
}

func (r *Reactor) send(peerID types.NodeID, msg Message) bool {
	r.mtx.Lock()
	conn, ok := r.conns[peerID]
	r.mtx.Unlock()
	if !ok {
		return false
	}

	if err := conn.Send(msg); err != nil {
		r.logger.Error("failed to send message", "peer", peerID, "msg", msg, "err", err)
		return false
	}
	r.metrics.MessagesSent.With("message_type", msgTypeLabel(msg)).Add(1)
	return true
}
