package orderpool

import (
	"sync"
	"time"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

// OrderPoolOption sets an optional parameter on the pool.
type OrderPoolOption func(*OrderPool)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) OrderPoolOption {
	return func(p *OrderPool) { p.metrics = metrics }
}

// accountInfo is the pool's view of a sender account, learned from canonical
// state updates. A nil balance means the balance is unknown and the cost
// check is skipped.
type accountInfo struct {
	nonce   uint64
	balance *types.U256
}

// OrderPool admits validated orders, classifies them into readiness tiers,
// and fans lifecycle events out to subscribers. All state transitions happen
// under a single write lock so observers always see a consistent partition.
type OrderPool struct {
	logger  log.Logger
	cfg     *config.PoolConfig
	metrics *Metrics

	mtx       sync.RWMutex
	store     *orderStore
	accounts  map[types.Address]accountInfo
	blockInfo types.BlockInfo
	seq       uint64

	events    *eventBroadcast
	bestFeeds []chan *ValidOrder
}

// NewOrderPool constructs an empty pool tracking no chain tip.
func NewOrderPool(logger log.Logger, cfg *config.PoolConfig, options ...OrderPoolOption) *OrderPool {
	p := &OrderPool{
		logger:   logger,
		cfg:      cfg,
		metrics:  NopMetrics(),
		store:    newOrderStore(),
		accounts: make(map[types.Address]accountInfo),
	}
	for _, opt := range options {
		opt(p)
	}
	p.events = newEventBroadcast(logger, p.metrics, cfg.EventBufferSize)
	return p
}

// AddOrder admits a single order from the given origin, returning its hash.
func (p *OrderPool) AddOrder(origin types.OrderOrigin, order types.Order) (types.Hash, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.addOrder(origin, order, OrderInfo{})
}

// AddOrders admits a batch, returning a per-order result aligned with the
// input. Admission is independent: one failure does not abort the batch.
func (p *OrderPool) AddOrders(origin types.OrderOrigin, orders ...types.Order) []error {
	return p.AddOrdersWithInfo(origin, OrderInfo{}, orders...)
}

// AddOrdersWithInfo admits a batch received from a known peer; the peer is
// recorded as having seen each order, including duplicates.
func (p *OrderPool) AddOrdersWithInfo(origin types.OrderOrigin, info OrderInfo, orders ...types.Order) []error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	errs := make([]error, len(orders))
	for i, order := range orders {
		_, errs[i] = p.addOrder(origin, order, info)
	}
	return errs
}

// AddOrderAndSubscribe admits an order and returns its lifecycle event
// stream in the same critical section, so no event can be missed between
// admission and subscription. The stream starts with the admission tier
// event.
func (p *OrderPool) AddOrderAndSubscribe(origin types.OrderOrigin, order types.Order) (<-chan types.OrderEvent, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	ch := p.events.subscribeOrder(order.Hash())
	if _, err := p.addOrder(origin, order, OrderInfo{}); err != nil {
		p.events.unsubscribeOrder(order.Hash(), ch)
		return nil, err
	}
	return ch, nil
}

// addOrder runs the admission pipeline under the write lock.
func (p *OrderPool) addOrder(origin types.OrderOrigin, order types.Order, info OrderInfo) (types.Hash, error) {
	kind := types.KindOf(order)
	hash := order.Hash()
	sender := order.Sender()
	nonce := order.Nonce()
	encLen := order.EncodedLength()

	if encLen > p.cfg.MaxOrderBytes {
		p.metrics.RejectedOrders.Add(1)
		return hash, types.ErrOrderTooLarge{Max: p.cfg.MaxOrderBytes, Actual: encLen}
	}

	if existing := p.store.get(hash); existing != nil {
		// The duplicate still tells us the peer has the order.
		existing.markSeenBy(info.SenderNodeID)
		p.metrics.RejectedOrders.Add(1)
		return hash, types.ErrOrderInPool
	}

	acct, haveAcct := p.accounts[sender]
	if haveAcct {
		if nonce < acct.nonce {
			p.metrics.RejectedOrders.Add(1)
			return hash, types.ErrNonceTooLow{OrderNonce: nonce, AccountNonce: acct.nonce}
		}
		if acct.balance != nil && order.Cost().Gt(acct.balance.Int()) {
			p.metrics.RejectedOrders.Add(1)
			return hash, types.ErrInsufficientBalance{
				Cost:    order.Cost().String(),
				Balance: acct.balance.String(),
			}
		}
	}

	// A sender+nonce collision is a replacement attempt; it must pay a
	// strictly higher priority fee (or flat price) to displace.
	replaced := p.store.bySenderNonce(sender, nonce)
	if replaced != nil {
		if order.PriorityFeeOrPrice() <= replaced.Order.PriorityFeeOrPrice() {
			p.metrics.RejectedOrders.Add(1)
			return hash, types.ErrReplacementUnderpriced
		}
	} else if p.store.len() >= p.cfg.MaxOrders ||
		p.store.totalBytes()+int64(encLen) > p.cfg.MaxPoolBytes {
		p.metrics.RejectedOrders.Add(1)
		return hash, types.ErrPoolIsFull{
			NumOrders:     p.store.len(),
			MaxOrders:     p.cfg.MaxOrders,
			OrderBytes:    p.store.totalBytes(),
			MaxOrderBytes: p.cfg.MaxPoolBytes,
		}
	}

	if replaced != nil {
		p.store.remove(replaced)
		p.metrics.ReplacedOrders.Add(1)
		p.events.broadcast(types.OrderEvent{
			Hash:       replaced.Hash(),
			Kind:       types.OrderEventReplaced,
			ReplacedBy: hash,
		})
	}

	p.seq++
	vo := &ValidOrder{
		Order:      order,
		Origin:     origin,
		seq:        p.seq,
		addedAt:    time.Now().UTC(),
		encodedLen: encLen,
		propagate:  !origin.IsPrivate(),
	}
	vo.markSeenBy(info.SenderNodeID)
	vo.subPool = p.tierFor(vo, p.isGapFree(sender, nonce))
	p.store.insert(vo)

	p.metrics.AddedOrders.Add(1)
	p.metrics.OrderSizeBytes.Observe(float64(encLen))
	p.logger.Debug("admitted order",
		"order", hash, "kind", kind, "sender", sender,
		"nonce", nonce, "subpool", vo.subPool, "origin", origin)

	p.events.broadcastNew(NewOrderEvent{SubPool: vo.subPool, Order: vo})
	p.events.broadcast(types.OrderEvent{Hash: hash, Kind: subPoolEvent(vo.subPool)})
	if vo.subPool == types.SubPoolPending {
		p.feedBest(vo)
	}

	// The new order may have closed a nonce gap for queued successors.
	p.reclassifySender(sender)
	p.metrics.observeSize(p.store.size.snapshot())

	return hash, nil
}

// isGapFree reports whether the order at the given nonce extends the sender's
// consecutive-nonce chain from the known account nonce. An unknown account is
// assumed to be at nonce zero.
func (p *OrderPool) isGapFree(sender types.Address, nonce uint64) bool {
	next := p.accounts[sender].nonce
	if nonce < next {
		return false
	}
	for _, vo := range p.store.bySenderFrom(sender, next) {
		if vo.Nonce() != next {
			break
		}
		next++
	}
	return nonce <= next
}

// tierFor picks a tier for a gap-free or gapped order at the current pending
// base fee.
func (p *OrderPool) tierFor(vo *ValidOrder, gapFree bool) types.SubPool {
	if !gapFree {
		return types.SubPoolQueued
	}
	if vo.Order.EffectiveTip(p.blockInfo.PendingBaseFee) > 0 {
		return types.SubPoolPending
	}
	return types.SubPoolBaseFee
}

// reclassifySender recomputes the tier of every pooled order of one sender,
// walking its nonce chain from the known account nonce.
func (p *OrderPool) reclassifySender(sender types.Address) {
	next := p.accounts[sender].nonce
	for _, vo := range p.store.bySenderFrom(sender, next) {
		gapFree := vo.Nonce() == next
		if gapFree {
			next++
		}
		p.retier(vo, p.tierFor(vo, gapFree))
	}
}

// retier moves an order to a new tier, emitting the tier event and feeding
// promotion to live best-order iterators.
func (p *OrderPool) retier(vo *ValidOrder, sub types.SubPool) {
	if vo.subPool == sub {
		return
	}
	p.store.retier(vo, sub)
	p.events.broadcast(types.OrderEvent{Hash: vo.Hash(), Kind: subPoolEvent(sub)})
	if sub == types.SubPoolPending {
		p.feedBest(vo)
	}
	p.logger.Debug("reclassified order", "order", vo.Hash(), "subpool", sub)
}

// removeOrder drops the order and emits the given final event.
func (p *OrderPool) removeOrder(vo *ValidOrder, ev types.OrderEvent) {
	p.store.remove(vo)
	p.events.broadcast(ev)
}

// removeWithDescendants drops the order plus every same-sender order with a
// strictly higher nonce, which can no longer execute.
func (p *OrderPool) removeWithDescendants(vo *ValidOrder, kind types.OrderEventKind) []*ValidOrder {
	removed := []*ValidOrder{vo}
	p.removeOrder(vo, types.OrderEvent{Hash: vo.Hash(), Kind: kind})
	for _, desc := range p.store.bySenderFrom(vo.Sender(), vo.Nonce()+1) {
		removed = append(removed, desc)
		p.removeOrder(desc, types.OrderEvent{Hash: desc.Hash(), Kind: kind})
	}
	return removed
}

// RemoveOrders drops the given orders and all of their same-sender
// descendants, returning every order actually removed. Used by block
// production after it has consumed orders.
func (p *OrderPool) RemoveOrders(hashes []types.Hash) []*ValidOrder {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var removed []*ValidOrder
	for _, hash := range hashes {
		vo := p.store.get(hash)
		if vo == nil {
			continue
		}
		removed = append(removed, p.removeWithDescendants(vo, types.OrderEventDiscarded)...)
	}
	if len(removed) > 0 {
		p.metrics.EvictedOrders.Add(float64(len(removed)))
		p.metrics.observeSize(p.store.size.snapshot())
	}
	return removed
}

// OnCanonicalStateChange absorbs one block of chain progress: mined orders
// leave the pool, account deltas evict stale orders and close nonce gaps,
// and the pending base fee moves orders between the pending and base-fee
// tiers. The update's tip must be a child of the pool's known tip.
func (p *OrderPool) OnCanonicalStateChange(update *types.CanonicalStateUpdate) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.blockInfo.LastSeenHash.IsZero() && update.NewTip.ParentHash != p.blockInfo.LastSeenHash {
		return types.ErrNotChained{
			KnownTip:   p.blockInfo.LastSeenHash,
			UpdateTip:  update.NewTip.Hash,
			ParentHash: update.NewTip.ParentHash,
		}
	}

	p.blockInfo = update.BlockInfo()

	// Mined hashes remove only the mined orders themselves; a sender's
	// remaining orders are re-tiered below once account deltas land.
	touched := make(map[types.Address]struct{})
	var mined int
	for _, hash := range update.MinedOrderHashes {
		vo := p.store.get(hash)
		if vo == nil {
			continue
		}
		touched[vo.Sender()] = struct{}{}
		p.removeOrder(vo, types.OrderEvent{
			Hash:      hash,
			Kind:      types.OrderEventMined,
			BlockHash: update.NewTip.Hash,
		})
		mined++
	}
	p.metrics.MinedOrders.Add(float64(mined))

	for _, acct := range update.ChangedAccounts {
		touched[acct.Address] = struct{}{}
		p.applyAccount(acct)
	}
	for sender := range touched {
		p.reclassifySender(sender)
	}

	// The new pending base fee can promote or demote any gap-free order.
	p.rebalanceBaseFee()

	p.metrics.observeSize(p.store.size.snapshot())
	p.logger.Info("applied canonical state update", "update", update)
	return nil
}

// UpdateAccounts applies sender account deltas outside of a canonical update,
// e.g. after a state resync.
func (p *OrderPool) UpdateAccounts(accounts []types.ChangedAccount) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, acct := range accounts {
		p.applyAccount(acct)
		p.reclassifySender(acct.Address)
	}
	p.metrics.observeSize(p.store.size.snapshot())
}

// applyAccount records the delta and evicts orders the account can no longer
// execute: stale nonces and orders whose cost exceeds the new balance.
func (p *OrderPool) applyAccount(acct types.ChangedAccount) {
	info := accountInfo{nonce: acct.Nonce}
	if acct.Balance != nil {
		b := types.U256FromInt(acct.Balance)
		info.balance = &b
	}
	p.accounts[acct.Address] = info

	var evicted int
	for _, vo := range p.store.bySender(acct.Address) {
		stale := vo.Nonce() < acct.Nonce
		broke := acct.Balance != nil && vo.Order.Cost().Gt(acct.Balance)
		if !stale && !broke {
			continue
		}
		p.removeOrder(vo, types.OrderEvent{Hash: vo.Hash(), Kind: types.OrderEventDiscarded})
		evicted++
	}
	if evicted > 0 {
		p.metrics.EvictedOrders.Add(float64(evicted))
	}
}

// SetBlockInfo force-sets the tracked tip, bypassing the child check. The
// caller owns consistency; used on startup and after resynchronization.
func (p *OrderPool) SetBlockInfo(info types.BlockInfo) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.blockInfo = info
	p.rebalanceBaseFee()
	p.metrics.observeSize(p.store.size.snapshot())
}

// rebalanceBaseFee re-evaluates every gap-free order against the current
// pending base fee. Queued orders are untouched; a gap dominates the fee.
func (p *OrderPool) rebalanceBaseFee() {
	for _, vo := range p.store.all() {
		if vo.subPool == types.SubPoolQueued {
			continue
		}
		p.retier(vo, p.tierFor(vo, true))
	}
}

// BlockInfo returns the chain tip the pool currently tracks.
func (p *OrderPool) BlockInfo() types.BlockInfo {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.blockInfo
}

// Get returns the pooled order with the given hash.
func (p *OrderPool) Get(hash types.Hash) (*ValidOrder, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	vo := p.store.get(hash)
	return vo, vo != nil
}

// GetAll returns the pooled orders among the given hashes, skipping unknown
// ones.
func (p *OrderPool) GetAll(hashes []types.Hash) []*ValidOrder {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := make([]*ValidOrder, 0, len(hashes))
	for _, hash := range hashes {
		if vo := p.store.get(hash); vo != nil {
			out = append(out, vo)
		}
	}
	return out
}

// Contains reports whether the pool holds the given order.
func (p *OrderPool) Contains(hash types.Hash) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.store.has(hash)
}

// RetainUnknown filters the given hashes down to those the pool does not
// hold, preserving order.
func (p *OrderPool) RetainUnknown(hashes []types.Hash) []types.Hash {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := hashes[:0]
	for _, hash := range hashes {
		if !p.store.has(hash) {
			out = append(out, hash)
		}
	}
	return out
}

// PooledOrderHashes returns hashes of all pooled orders in admission order.
// A positive max truncates the result without reordering.
func (p *OrderPool) PooledOrderHashes(max int) []types.Hash {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	all := p.store.all()
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]types.Hash, len(all))
	for i, vo := range all {
		out[i] = vo.Hash()
	}
	return out
}

// PooledOrders returns all pooled orders in admission order, truncated to a
// positive max.
func (p *OrderPool) PooledOrders(max int) []*ValidOrder {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	all := p.store.all()
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	return all
}

// GetPooledOrdersElements resolves the requested hashes to full orders for a
// peer response. Unknown hashes are skipped. Accumulation stops before the
// order whose encoded size would cross the soft byte limit; a non-positive
// limit disables the cap.
func (p *OrderPool) GetPooledOrdersElements(hashes []types.Hash, softLimitBytes int64) []types.Order {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := make([]types.Order, 0, len(hashes))
	var total int64
	for _, hash := range hashes {
		vo := p.store.get(hash)
		if vo == nil {
			continue
		}
		if softLimitBytes > 0 && total+int64(vo.encodedLen) > softLimitBytes {
			break
		}
		total += int64(vo.encodedLen)
		out = append(out, vo.Order)
	}
	return out
}

// OnPropagated records a completed broadcast: each listed peer is marked as
// having seen the order and a propagated event is emitted. Unknown hashes
// are ignored; the order may have been mined meanwhile.
func (p *OrderPool) OnPropagated(propagated types.PropagatedOrders) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for hash, peers := range propagated {
		vo := p.store.get(hash)
		if vo == nil {
			continue
		}
		for _, pk := range peers {
			vo.markSeenBy(pk.Peer)
		}
		p.events.broadcast(types.OrderEvent{
			Hash:       hash,
			Kind:       types.OrderEventPropagated,
			Propagated: peers,
		})
	}
}

// OrderSeenBy reports whether the given peer already sent us, or was already
// sent, the order.
func (p *OrderPool) OrderSeenBy(hash types.Hash, peer types.NodeID) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	vo := p.store.get(hash)
	return vo != nil && vo.isSeenBy(peer)
}

// UniqueSenders returns every sender with at least one pooled order.
func (p *OrderPool) UniqueSenders() []types.Address {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.store.uniqueSenders()
}

// GetOrdersBySender returns the sender's pooled orders in ascending nonce
// order.
func (p *OrderPool) GetOrdersBySender(sender types.Address) []*ValidOrder {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.store.bySender(sender)
}

// PendingOrders returns the pending tier in admission order.
func (p *OrderPool) PendingOrders() []*ValidOrder {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.store.allInSubPool(types.SubPoolPending)
}

// QueuedOrders returns every parked order: the base-fee and queued tiers.
func (p *OrderPool) QueuedOrders() []*ValidOrder {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := p.store.allInSubPool(types.SubPoolBaseFee)
	return append(out, p.store.allInSubPool(types.SubPoolQueued)...)
}

// AllOrders returns the pending tier and the parked tiers as two lists.
func (p *OrderPool) AllOrders() (pending, queued []*ValidOrder) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	pending = p.store.allInSubPool(types.SubPoolPending)
	queued = p.store.allInSubPool(types.SubPoolBaseFee)
	queued = append(queued, p.store.allInSubPool(types.SubPoolQueued)...)
	return pending, queued
}

// SizeStats returns a consistent snapshot of per-tier counts and byte sizes.
func (p *OrderPool) SizeStats() types.PoolSize {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.store.size.snapshot()
}

// SubscribeOrderEvents returns the lifecycle event stream of one pooled
// order. The stream closes after a final event. Subscribing to an unknown
// hash is an error.
func (p *OrderPool) SubscribeOrderEvents(hash types.Hash) (<-chan types.OrderEvent, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !p.store.has(hash) {
		return nil, types.ErrUnknownOrder
	}
	return p.events.subscribeOrder(hash), nil
}

// SubscribeAllOrderEvents returns the merged lifecycle event stream of every
// pooled order.
func (p *OrderPool) SubscribeAllOrderEvents() <-chan types.OrderEvent {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.events.subscribeAll()
}

// NewOrdersListener streams admissions, optionally restricted to orders that
// may be propagated to peers.
func (p *OrderPool) NewOrdersListener(kind types.ListenerKind) <-chan NewOrderEvent {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.events.subscribeNew(kind, nil)
}

// NewSubPoolOrdersListener streams admissions landing in one tier.
func (p *OrderPool) NewSubPoolOrdersListener(sub types.SubPool, kind types.ListenerKind) <-chan NewOrderEvent {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.events.subscribeNew(kind, &sub)
}

// feedBest pushes an order that entered the pending tier to live best-order
// iterators. Sends never block; a stalled iterator loses the extension.
func (p *OrderPool) feedBest(vo *ValidOrder) {
	for _, ch := range p.bestFeeds {
		select {
		case ch <- vo:
		default:
		}
	}
}

func (p *OrderPool) unregisterBestFeed(ch chan *ValidOrder) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for i, c := range p.bestFeeds {
		if c == ch {
			p.bestFeeds = append(p.bestFeeds[:i], p.bestFeeds[i+1:]...)
			return
		}
	}
}

// isLivePending reports whether the exact order is still pooled and pending.
func (p *OrderPool) isLivePending(vo *ValidOrder) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	cur := p.store.get(vo.Hash())
	return cur == vo && cur.subPool == types.SubPoolPending
}
