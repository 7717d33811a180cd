package ordernet

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/internal/orderpool"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/libs/service"
	"github.com/ordermesh/ordermesh/types"
)

// NetworkManagerOption sets an optional parameter on the manager.
type NetworkManagerOption func(*NetworkManager)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) NetworkManagerOption {
	return func(m *NetworkManager) { m.metrics = metrics }
}

// NetworkManager owns the order network: the transport, the peer registry
// and the reactor. It accepts inbound sessions, dials tracked peers with
// bounded retries, and exposes the registry's state transitions and the
// reactor's inbound order stream.
type NetworkManager struct {
	service.BaseService
	logger log.Logger

	cfg       *config.NetConfig
	transport Transport
	registry  *PeerRegistry
	reactor   *Reactor
	metrics   *Metrics

	ctx context.Context
}

// NewNetworkManager assembles the network layer on top of the given
// transport and pool.
func NewNetworkManager(
	logger log.Logger,
	cfg *config.NetConfig,
	transport Transport,
	pool *orderpool.OrderPool,
	options ...NetworkManagerOption,
) *NetworkManager {
	m := &NetworkManager{
		logger:    logger,
		cfg:       cfg,
		transport: transport,
		metrics:   NopMetrics(),
	}
	for _, opt := range options {
		opt(m)
	}
	m.registry = NewPeerRegistry(logger, cfg.EventBufferSize)
	m.reactor = NewReactor(logger, cfg, pool, m.registry, m.metrics)
	m.BaseService = *service.NewBaseService(logger, "OrderNetwork", m)
	return m
}

// Registry exposes the peer registry for tracking and validator flags.
func (m *NetworkManager) Registry() *PeerRegistry { return m.registry }

// SubscribePeerUpdates returns a stream of peer state transitions.
func (m *NetworkManager) SubscribePeerUpdates() <-chan PeerUpdate {
	return m.registry.Subscribe()
}

// SubscribeIncomingOrders returns the stream of full-order deliveries.
func (m *NetworkManager) SubscribeIncomingOrders() <-chan IncomingOrders {
	return m.reactor.SubscribeIncoming()
}

// OnStart starts the reactor and the accept loop.
func (m *NetworkManager) OnStart(ctx context.Context) error {
	if err := m.reactor.Start(ctx); err != nil {
		return err
	}
	m.ctx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.acceptRoutine(gctx) })
	go func() {
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			m.logger.Error("network routine terminated", "err", err)
		}
	}()
	return nil
}

// OnStop closes the transport; the reactor tears sessions down as their
// receive routines observe the closed connections.
func (m *NetworkManager) OnStop() {
	_ = m.transport.Close()
	if m.reactor.IsRunning() {
		_ = m.reactor.Stop()
	}
}

// AddPeer registers a peer for tracking at the given dial address without
// connecting.
func (m *NetworkManager) AddPeer(id types.NodeID, addr string) {
	m.registry.Add(id, addr)
}

// AddValidatorPeer registers a peer and flags it as a validator.
func (m *NetworkManager) AddValidatorPeer(id types.NodeID, addr string) {
	m.registry.Add(id, addr)
	m.registry.SetValidator(id, true)
}

// Connect registers the peer's dial address and dials it, retrying up to
// the configured bound. On success the session goes active; once the retry
// budget is exhausted the peer is marked disconnected.
func (m *NetworkManager) Connect(ctx context.Context, id types.NodeID, addr string) error {
	m.registry.Add(id, addr)

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxDialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.DialRetryDelay):
			case <-ctx.Done():
				m.registry.Disconnect(id)
				return ctx.Err()
			}
		}

		if err := m.registry.MarkConnecting(id); err != nil {
			return err
		}

		conn, err := m.transport.Dial(ctx, id)
		if err != nil {
			lastErr = err
			m.logger.Error("dial failed", "peer", id, "attempt", attempt+1, "err", err)
			continue
		}

		m.reactor.AddPeer(m.sessionContext(ctx), conn)
		return nil
	}

	m.registry.Disconnect(id)
	return fmt.Errorf("failed to connect to peer %q: %w", id, lastErr)
}

// acceptRoutine admits inbound sessions until the transport closes.
func (m *NetworkManager) acceptRoutine(ctx context.Context) error {
	for {
		conn, err := m.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || err == ErrTransportClosed {
				return nil
			}
			return err
		}

		peerID := conn.RemoteID()
		m.registry.Add(peerID, "")
		m.reactor.AddPeer(ctx, conn)
	}
}

// sessionContext picks the manager's lifecycle context for sessions dialed
// with a shorter-lived context, so the session outlives the dial call.
func (m *NetworkManager) sessionContext(dialCtx context.Context) context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return dialCtx
}
