package ordernet

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/internal/orderpool"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

type testNode struct {
	id   types.NodeID
	pool *orderpool.OrderPool
	mgr  *NetworkManager
}

// startNode spins up a pool plus network manager on the shared in-process
// network. Loggers are nop: node goroutines outlive individual assertions.
func startNode(ctx context.Context, t *testing.T, network *MemoryNetwork, id string) *testNode {
	t.Helper()

	logger := log.NewNopLogger()
	cfg := config.DefaultNetConfig()
	cfg.MaxDialRetries = 1
	cfg.DialRetryDelay = 10 * time.Millisecond

	pool := orderpool.NewOrderPool(logger, config.DefaultPoolConfig())
	transport := network.CreateTransport(types.NodeID(id))
	mgr := NewNetworkManager(logger, cfg, transport, pool)
	require.NoError(t, mgr.Start(ctx))

	return &testNode{id: types.NodeID(id), pool: pool, mgr: mgr}
}

func connect(ctx context.Context, t *testing.T, from *testNode, to *testNode) {
	t.Helper()
	require.NoError(t, from.mgr.Connect(ctx, to.id, string(to.id)+"@memory"))
}

func netOrder(sender byte, nonce uint64) types.Order {
	var from types.Address
	from[0] = sender
	return types.NewLimitOrder(types.LimitOrderData{
		Nonce:  nonce,
		Gas:    21000,
		FeeCap: 100,
		TipCap: 5,
		Value:  types.NewU256(1),
		From:   from,
	})
}

func recvIncoming(t *testing.T, ch <-chan IncomingOrders) IncomingOrders {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming orders")
		return IncomingOrders{}
	}
}

func TestThreePeerBroadcast(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")
	b := startNode(ctx, t, network, "b")
	c := startNode(ctx, t, network, "c")

	aIncoming := a.mgr.SubscribeIncomingOrders()
	bIncoming := b.mgr.SubscribeIncomingOrders()
	cIncoming := c.mgr.SubscribeIncomingOrders()

	connect(ctx, t, a, b)
	connect(ctx, t, a, c)

	order := netOrder(1, 0)
	for _, err := range a.pool.AddOrders(types.OriginExternal, order) {
		require.NoError(t, err)
	}

	// B and C have never seen the hash, so each gets the body pushed in one
	// message, exactly once.
	for _, ch := range []<-chan IncomingOrders{bIncoming, cIncoming} {
		ev := recvIncoming(t, ch)
		require.Equal(t, types.NodeID("a"), ev.Peer)
		require.Len(t, ev.Orders, 1)
		require.Equal(t, order.Hash(), ev.Orders[0].Hash())
	}
	require.True(t, b.pool.Contains(order.Hash()))
	require.True(t, c.pool.Contains(order.Hash()))

	// No duplicates, and the origin never gets the order echoed back.
	time.Sleep(100 * time.Millisecond)
	select {
	case ev := <-bIncoming:
		t.Fatalf("duplicate delivery to b: %v", ev)
	case ev := <-cIncoming:
		t.Fatalf("duplicate delivery to c: %v", ev)
	case ev := <-aIncoming:
		t.Fatalf("order echoed back to a: %v", ev)
	default:
	}
}

func TestSessionHashExchange(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")
	b := startNode(ctx, t, network, "b")

	// A holds two orders, B already has one of them: only the delta must
	// travel.
	shared := netOrder(1, 0)
	missing := netOrder(2, 0)
	for _, err := range a.pool.AddOrders(types.OriginLocal, shared, missing) {
		require.NoError(t, err)
	}
	_, err := b.pool.AddOrder(types.OriginLocal, shared)
	require.NoError(t, err)

	bIncoming := b.mgr.SubscribeIncomingOrders()
	connect(ctx, t, a, b)

	ev := recvIncoming(t, bIncoming)
	require.Len(t, ev.Orders, 1)
	require.Equal(t, missing.Hash(), ev.Orders[0].Hash())
	require.True(t, b.pool.Contains(missing.Hash()))
}

func TestValidatorGetsFullOrders(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")
	b := startNode(ctx, t, network, "b")

	bIncoming := b.mgr.SubscribeIncomingOrders()

	a.mgr.AddValidatorPeer(b.id, string(b.id)+"@memory")
	require.NoError(t, a.mgr.Connect(ctx, b.id, string(b.id)+"@memory"))

	order := netOrder(1, 0)
	_, err := a.pool.AddOrder(types.OriginLocal, order)
	require.NoError(t, err)

	// The validator receives the body in one push, no fetch round trip.
	ev := recvIncoming(t, bIncoming)
	require.Len(t, ev.Orders, 1)
	require.Equal(t, order.Hash(), ev.Orders[0].Hash())

	// The broadcast was recorded as a full send.
	require.Eventually(t, func() bool {
		return a.pool.OrderSeenBy(order.Hash(), b.id)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFreshPeerGetsFullOrderPush(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")

	// A bare endpoint: no manager, no pool, not a validator.
	raw := network.CreateTransport(types.NodeID("b"))
	defer raw.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- a.mgr.Connect(ctx, types.NodeID("b"), "b@memory") }()

	conn, err := raw.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-errCh)
	inbound := conn.Receive()

	recvMsg := func() Message {
		select {
		case bz := <-inbound:
			msg, err := decodeMsg(bz)
			require.NoError(t, err)
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
			return nil
		}
	}

	// A peer that has not seen even the hash gets the body in one push, no
	// fetch round trip.
	order := netOrder(1, 0)
	_, err = a.pool.AddOrder(types.OriginLocal, order)
	require.NoError(t, err)

	push, ok := recvMsg().(*NewPooledOrders)
	require.True(t, ok, "expected full order push")
	require.Len(t, push.Orders, 1)
	require.Equal(t, order.Hash(), push.Orders[0].Hash())

	// An order the peer itself delivered comes back as a bare announcement,
	// never a full echo.
	echoed := netOrder(2, 0)
	require.NoError(t, conn.Send(&NewPooledOrders{Orders: []types.Order{echoed}}))

	ann, ok := recvMsg().(*HashAnnouncement)
	require.True(t, ok, "expected hash announcement")
	require.Equal(t, []types.Hash{echoed.Hash()}, ann.Hashes)
}

func TestSessionAnnouncementRespectsWireLimit(t *testing.T) {
	logger := log.NewNopLogger()
	cfg := config.DefaultNetConfig()
	cfg.PooledHashesMax = maxHashesPerMessage + 1

	pool := orderpool.NewOrderPool(logger, config.DefaultPoolConfig())
	r := NewReactor(logger, cfg, pool, NewPeerRegistry(logger, 1), NopMetrics())
	require.Equal(t, maxHashesPerMessage, r.announceLimit())

	cfg.PooledHashesMax = 16
	require.Equal(t, 16, r.announceLimit())
}

func TestConnectRetriesThenDisconnects(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")

	ghost := types.NodeID("ghost")
	a.mgr.AddPeer(ghost, "ghost@memory")
	require.Error(t, a.mgr.Connect(ctx, ghost, "ghost@memory"))

	state, known := a.mgr.Registry().State(ghost)
	require.True(t, known)
	require.Equal(t, PeerStateDisconnected, state)
	require.Equal(t, 2, a.mgr.Registry().DialAttempts(ghost))
	require.Equal(t, 1, a.mgr.Registry().PeerCount())
	require.Equal(t, "ghost@memory", a.mgr.Registry().Addr(ghost))
}

func TestPeerUpdatesOnSession(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(64)
	a := startNode(ctx, t, network, "a")
	b := startNode(ctx, t, network, "b")

	updates := a.mgr.SubscribePeerUpdates()
	connect(ctx, t, a, b)

	want := []PeerState{PeerStateDiscovered, PeerStateConnecting, PeerStateSessionActive}
	for _, state := range want {
		select {
		case update := <-updates:
			require.Equal(t, b.id, update.NodeID)
			require.Equal(t, state, update.State)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", state)
		}
	}
	require.Equal(t, 1, a.mgr.Registry().SessionCount())
}
