package orderpool

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

func testPool(t *testing.T) *OrderPool {
	t.Helper()
	return NewOrderPool(log.NewTestingLogger(t), config.DefaultPoolConfig())
}

func testAddr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func testHash(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

// limitOrder builds a pending-eligible order at base fee zero when tipCap is
// positive.
func limitOrder(sender byte, nonce, feeCap, tipCap uint64) types.Order {
	return types.NewLimitOrder(types.LimitOrderData{
		Nonce:  nonce,
		Gas:    21000,
		FeeCap: feeCap,
		TipCap: tipCap,
		Value:  types.NewU256(1),
		From:   testAddr(sender),
	})
}

func requireSubPool(t *testing.T, pool *OrderPool, order types.Order, want types.SubPool) {
	t.Helper()
	vo, ok := pool.Get(order.Hash())
	require.True(t, ok, "order %s not pooled", order.Hash())
	require.Equal(t, want, vo.SubPool())
}

func requireSizesReconcile(t *testing.T, pool *OrderPool) {
	t.Helper()
	sz := pool.SizeStats()
	require.Equal(t, sz.Total, sz.Pending+sz.BaseFee+sz.Queued)
	require.Equal(t, sz.TotalBytes, sz.PendingBytes+sz.BaseFeeBytes+sz.QueuedBytes)

	pending, queued := pool.AllOrders()
	require.Equal(t, sz.Total, len(pending)+len(queued))
}

func TestAddOrderClassification(t *testing.T) {
	pool := testPool(t)

	// Scenario: nonces [0, 2] for one sender, nothing at nonce 1.
	n0 := limitOrder(1, 0, 100, 5)
	n2 := limitOrder(1, 2, 100, 5)

	_, err := pool.AddOrder(types.OriginLocal, n0)
	require.NoError(t, err)
	_, err = pool.AddOrder(types.OriginLocal, n2)
	require.NoError(t, err)

	requireSubPool(t, pool, n0, types.SubPoolPending)
	requireSubPool(t, pool, n2, types.SubPoolQueued)
	requireSizesReconcile(t, pool)
}

func TestMinedOrderClosesGap(t *testing.T) {
	pool := testPool(t)

	n0 := limitOrder(1, 0, 100, 5)
	n2 := limitOrder(1, 2, 100, 5)
	require.NoError(t, pool.AddOrders(types.OriginLocal, n0, n2)[0])

	err := pool.OnCanonicalStateChange(&types.CanonicalStateUpdate{
		NewTip:         types.BlockRef{Hash: testHash(1), Number: 1},
		PendingBaseFee: 10,
		ChangedAccounts: []types.ChangedAccount{
			{Address: testAddr(1), Nonce: 1, Balance: uint256.NewInt(1 << 40)},
		},
		MinedOrderHashes: []types.Hash{n0.Hash()},
	})
	require.NoError(t, err)

	// The mined order is gone but the queued nonce-2 order survives with
	// its gap intact: the account is at nonce 1, nonce 1 is missing.
	require.False(t, pool.Contains(n0.Hash()))
	requireSubPool(t, pool, n2, types.SubPoolQueued)

	// Admitting the missing nonce closes the gap and promotes both.
	n1 := limitOrder(1, 1, 100, 5)
	_, err = pool.AddOrder(types.OriginLocal, n1)
	require.NoError(t, err)

	requireSubPool(t, pool, n1, types.SubPoolPending)
	requireSubPool(t, pool, n2, types.SubPoolPending)
	requireSizesReconcile(t, pool)
}

func TestBaseFeePromotion(t *testing.T) {
	pool := testPool(t)
	pool.SetBlockInfo(types.BlockInfo{
		LastSeenHash:   testHash(1),
		LastSeenNumber: 1,
		PendingBaseFee: 50,
	})

	// Gap free, but the fee cap cannot cover the current base fee.
	order := limitOrder(1, 0, 40, 5)
	_, err := pool.AddOrder(types.OriginLocal, order)
	require.NoError(t, err)
	requireSubPool(t, pool, order, types.SubPoolBaseFee)

	// The next block's base fee drops below the fee cap.
	err = pool.OnCanonicalStateChange(&types.CanonicalStateUpdate{
		NewTip:         types.BlockRef{Hash: testHash(2), ParentHash: testHash(1), Number: 2},
		PendingBaseFee: 10,
	})
	require.NoError(t, err)
	requireSubPool(t, pool, order, types.SubPoolPending)

	// And back up: pending demotes to base-fee again.
	err = pool.OnCanonicalStateChange(&types.CanonicalStateUpdate{
		NewTip:         types.BlockRef{Hash: testHash(3), ParentHash: testHash(2), Number: 3},
		PendingBaseFee: 60,
	})
	require.NoError(t, err)
	requireSubPool(t, pool, order, types.SubPoolBaseFee)
	requireSizesReconcile(t, pool)
}

func TestNotChainedUpdateRejected(t *testing.T) {
	pool := testPool(t)
	info := types.BlockInfo{LastSeenHash: testHash(1), LastSeenNumber: 1, PendingBaseFee: 7}
	pool.SetBlockInfo(info)

	err := pool.OnCanonicalStateChange(&types.CanonicalStateUpdate{
		NewTip:         types.BlockRef{Hash: testHash(9), ParentHash: testHash(8), Number: 9},
		PendingBaseFee: 99,
	})
	require.Error(t, err)
	require.IsType(t, types.ErrNotChained{}, err)

	// Block tracking is untouched; the caller owns resynchronization.
	require.Equal(t, info, pool.BlockInfo())
}

func TestDuplicateOrderRejected(t *testing.T) {
	pool := testPool(t)
	order := limitOrder(1, 0, 100, 5)

	_, err := pool.AddOrder(types.OriginLocal, order)
	require.NoError(t, err)
	_, err = pool.AddOrder(types.OriginLocal, order)
	require.ErrorIs(t, err, types.ErrOrderInPool)
	require.Equal(t, 1, pool.SizeStats().Total)
}

func TestReplacement(t *testing.T) {
	pool := testPool(t)

	original := limitOrder(1, 0, 100, 5)
	events, err := pool.AddOrderAndSubscribe(types.OriginLocal, original)
	require.NoError(t, err)
	require.Equal(t, types.OrderEventPending, (<-events).Kind)

	// Equal priority fee does not displace.
	_, err = pool.AddOrder(types.OriginLocal, limitOrder(1, 0, 200, 5))
	require.ErrorIs(t, err, types.ErrReplacementUnderpriced)

	// A strictly higher priority fee does.
	replacement := limitOrder(1, 0, 100, 6)
	_, err = pool.AddOrder(types.OriginLocal, replacement)
	require.NoError(t, err)

	require.False(t, pool.Contains(original.Hash()))
	requireSubPool(t, pool, replacement, types.SubPoolPending)

	ev := <-events
	require.Equal(t, types.OrderEventReplaced, ev.Kind)
	require.Equal(t, replacement.Hash(), ev.ReplacedBy)

	// Replaced is final: the stream closes.
	_, open := <-events
	require.False(t, open)
}

func TestNonceAndBalanceChecks(t *testing.T) {
	pool := testPool(t)
	pool.UpdateAccounts([]types.ChangedAccount{
		{Address: testAddr(1), Nonce: 5, Balance: uint256.NewInt(1000)},
	})

	_, err := pool.AddOrder(types.OriginLocal, limitOrder(1, 4, 100, 5))
	require.IsType(t, types.ErrNonceTooLow{}, err)

	// Cost 100*21000+1 far exceeds the balance of 1000.
	_, err = pool.AddOrder(types.OriginLocal, limitOrder(1, 5, 100, 5))
	require.IsType(t, types.ErrInsufficientBalance{}, err)
	require.Zero(t, pool.SizeStats().Total)
}

func TestAccountUpdateEvictsStaleOrders(t *testing.T) {
	pool := testPool(t)

	n0 := limitOrder(1, 0, 100, 5)
	n1 := limitOrder(1, 1, 100, 5)
	for _, err := range pool.AddOrders(types.OriginLocal, n0, n1) {
		require.NoError(t, err)
	}

	pool.UpdateAccounts([]types.ChangedAccount{
		{Address: testAddr(1), Nonce: 1, Balance: uint256.NewInt(1 << 40)},
	})

	// Nonce 0 is stale, nonce 1 is now the next executable order.
	require.False(t, pool.Contains(n0.Hash()))
	requireSubPool(t, pool, n1, types.SubPoolPending)
	requireSizesReconcile(t, pool)
}

func TestPoolIsFull(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.MaxOrders = 1
	pool := NewOrderPool(log.NewTestingLogger(t), cfg)

	_, err := pool.AddOrder(types.OriginLocal, limitOrder(1, 0, 100, 5))
	require.NoError(t, err)

	_, err = pool.AddOrder(types.OriginLocal, limitOrder(2, 0, 100, 5))
	require.IsType(t, types.ErrPoolIsFull{}, err)

	// Replacement does not grow the pool and is still allowed.
	_, err = pool.AddOrder(types.OriginLocal, limitOrder(1, 0, 100, 9))
	require.NoError(t, err)
	require.Equal(t, 1, pool.SizeStats().Total)
}

func TestOrderTooLarge(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.MaxOrderBytes = 64
	pool := NewOrderPool(log.NewTestingLogger(t), cfg)

	order := types.NewLimitOrder(types.LimitOrderData{
		FeeCap: 100, TipCap: 5,
		Input: make([]byte, 1024),
		From:  testAddr(1),
	})
	_, err := pool.AddOrder(types.OriginLocal, order)
	require.IsType(t, types.ErrOrderTooLarge{}, err)
}

func TestRemoveOrdersCascades(t *testing.T) {
	pool := testPool(t)

	orders := []types.Order{
		limitOrder(1, 0, 100, 5),
		limitOrder(1, 1, 100, 5),
		limitOrder(1, 2, 100, 5),
		limitOrder(2, 0, 100, 5),
	}
	for _, err := range pool.AddOrders(types.OriginLocal, orders...) {
		require.NoError(t, err)
	}

	removed := pool.RemoveOrders([]types.Hash{orders[0].Hash()})
	require.Len(t, removed, 3)

	// Sender 1 is gone entirely, sender 2 untouched.
	for _, o := range orders[:3] {
		require.False(t, pool.Contains(o.Hash()))
	}
	require.True(t, pool.Contains(orders[3].Hash()))
	requireSizesReconcile(t, pool)
}

func TestRetainUnknownIdempotent(t *testing.T) {
	pool := testPool(t)

	known := limitOrder(1, 0, 100, 5)
	_, err := pool.AddOrder(types.OriginLocal, known)
	require.NoError(t, err)

	input := []types.Hash{testHash(1), known.Hash(), testHash(2)}
	once := pool.RetainUnknown(append([]types.Hash(nil), input...))
	twice := pool.RetainUnknown(append([]types.Hash(nil), once...))

	require.Equal(t, []types.Hash{testHash(1), testHash(2)}, once)
	require.Equal(t, once, twice)
}

func TestGetPooledOrdersElements(t *testing.T) {
	pool := testPool(t)

	a := limitOrder(1, 0, 100, 5)
	b := limitOrder(2, 0, 100, 5)
	c := limitOrder(3, 0, 100, 5)
	for _, err := range pool.AddOrders(types.OriginLocal, a, b, c) {
		require.NoError(t, err)
	}

	// Request order is preserved; unknown hashes leave no gap.
	got := pool.GetPooledOrdersElements(
		[]types.Hash{c.Hash(), testHash(99), a.Hash()}, 0)
	require.Len(t, got, 2)
	require.Equal(t, c.Hash(), got[0].Hash())
	require.Equal(t, a.Hash(), got[1].Hash())

	// A soft limit below the first order's encoded size yields an empty
	// list, not an error.
	got = pool.GetPooledOrdersElements([]types.Hash{a.Hash()}, 1)
	require.Empty(t, got)

	// The order crossing the limit is excluded, not truncated.
	limit := int64(a.EncodedLength() + b.EncodedLength())
	got = pool.GetPooledOrdersElements(
		[]types.Hash{a.Hash(), b.Hash(), c.Hash()}, limit)
	require.Len(t, got, 2)
}

func TestPooledOrderHashesTruncates(t *testing.T) {
	pool := testPool(t)
	for i := byte(1); i <= 5; i++ {
		_, err := pool.AddOrder(types.OriginLocal, limitOrder(i, 0, 100, 5))
		require.NoError(t, err)
	}

	all := pool.PooledOrderHashes(0)
	require.Len(t, all, 5)

	capped := pool.PooledOrderHashes(3)
	require.Equal(t, all[:3], capped)
	require.Len(t, pool.PooledOrders(3), 3)
}

func TestSubscribeUnknownOrder(t *testing.T) {
	pool := testPool(t)
	_, err := pool.SubscribeOrderEvents(testHash(1))
	require.ErrorIs(t, err, types.ErrUnknownOrder)
}

func TestMinedEventClosesStream(t *testing.T) {
	pool := testPool(t)

	order := limitOrder(1, 0, 100, 5)
	events, err := pool.AddOrderAndSubscribe(types.OriginLocal, order)
	require.NoError(t, err)
	require.Equal(t, types.OrderEventPending, (<-events).Kind)

	err = pool.OnCanonicalStateChange(&types.CanonicalStateUpdate{
		NewTip:           types.BlockRef{Hash: testHash(7), Number: 1},
		MinedOrderHashes: []types.Hash{order.Hash()},
	})
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, types.OrderEventMined, ev.Kind)
	require.Equal(t, testHash(7), ev.BlockHash)

	_, open := <-events
	require.False(t, open)
}

func TestPropagateOnlyListenerSkipsPrivate(t *testing.T) {
	pool := testPool(t)
	propagatable := pool.NewOrdersListener(types.ListenerPropagateOnly)
	all := pool.NewOrdersListener(types.ListenerAll)

	private := limitOrder(1, 0, 100, 5)
	public := limitOrder(2, 0, 100, 5)

	_, err := pool.AddOrder(types.OriginPrivate, private)
	require.NoError(t, err)
	_, err = pool.AddOrder(types.OriginExternal, public)
	require.NoError(t, err)

	ev := <-propagatable
	require.Equal(t, public.Hash(), ev.Order.Hash())
	select {
	case extra := <-propagatable:
		t.Fatalf("private order leaked to propagate-only listener: %s", extra.Order.Hash())
	default:
	}

	require.Equal(t, private.Hash(), (<-all).Order.Hash())
	require.Equal(t, public.Hash(), (<-all).Order.Hash())
}

func TestSubPoolListener(t *testing.T) {
	pool := testPool(t)
	queued := pool.NewSubPoolOrdersListener(types.SubPoolQueued, types.ListenerAll)

	_, err := pool.AddOrder(types.OriginLocal, limitOrder(1, 0, 100, 5))
	require.NoError(t, err)
	gapped := limitOrder(1, 5, 100, 5)
	_, err = pool.AddOrder(types.OriginLocal, gapped)
	require.NoError(t, err)

	ev := <-queued
	require.Equal(t, gapped.Hash(), ev.Order.Hash())
	require.Equal(t, types.SubPoolQueued, ev.SubPool)
}

func TestOnPropagated(t *testing.T) {
	pool := testPool(t)

	order := limitOrder(1, 0, 100, 5)
	events, err := pool.AddOrderAndSubscribe(types.OriginLocal, order)
	require.NoError(t, err)
	<-events // pending

	peer := types.NodeID("peer-b")
	require.False(t, pool.OrderSeenBy(order.Hash(), peer))

	pool.OnPropagated(types.PropagatedOrders{
		order.Hash(): {{Peer: peer, Full: true}},
	})

	require.True(t, pool.OrderSeenBy(order.Hash(), peer))
	ev := <-events
	require.Equal(t, types.OrderEventPropagated, ev.Kind)
	require.Len(t, ev.Propagated, 1)
	assert.True(t, ev.Propagated[0].Full)
}

func TestSenderQueries(t *testing.T) {
	pool := testPool(t)

	for _, err := range pool.AddOrders(types.OriginLocal,
		limitOrder(1, 1, 100, 5),
		limitOrder(1, 0, 100, 5),
		limitOrder(2, 0, 100, 5),
	) {
		require.NoError(t, err)
	}

	senders := pool.UniqueSenders()
	require.Len(t, senders, 2)

	bySender := pool.GetOrdersBySender(testAddr(1))
	require.Len(t, bySender, 2)
	require.Equal(t, uint64(0), bySender[0].Nonce())
	require.Equal(t, uint64(1), bySender[1].Nonce())

	pending, queuedOrders := pool.AllOrders()
	require.Len(t, pending, 3)
	require.Empty(t, queuedOrders)
	require.Len(t, pool.PendingOrders(), 3)
	require.Empty(t, pool.QueuedOrders())
}

func TestDuplicateFromPeerRecordsSeen(t *testing.T) {
	pool := testPool(t)
	order := limitOrder(1, 0, 100, 5)

	_, err := pool.AddOrder(types.OriginLocal, order)
	require.NoError(t, err)

	peer := types.NodeID("peer-x")
	errs := pool.AddOrdersWithInfo(types.OriginExternal, OrderInfo{SenderNodeID: peer}, order)
	require.ErrorIs(t, errs[0], types.ErrOrderInPool)

	// The duplicate still tells us the peer holds the order.
	require.True(t, pool.OrderSeenBy(order.Hash(), peer))
}
