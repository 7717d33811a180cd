package orderpool

import (
	"container/heap"
	"sort"

	"github.com/ordermesh/ordermesh/types"
)

// BestOrdersIter drains the pending tier in priority order for block
// production. The iterator is not safe for concurrent use.
type BestOrdersIter interface {
	// Next returns the best remaining order, or nil when the iterator is
	// exhausted.
	Next() *ValidOrder

	// MarkInvalid tells the iterator the order failed execution; it and all
	// same-sender orders with a higher nonce are skipped from now on.
	MarkInvalid(*ValidOrder)

	// NoUpdates detaches the iterator from the pool's live promotion feed,
	// freezing its view.
	NoUpdates()
}

// BestOrders returns an iterator over the pending tier at the pool's current
// pending base fee. Orders promoted into pending while iterating extend the
// iterator until NoUpdates is called.
func (p *OrderPool) BestOrders() BestOrdersIter {
	return p.BestOrdersWithBaseFee(p.BlockInfo().PendingBaseFee)
}

// BestOrdersWithBaseFee returns a best-orders iterator ranking by effective
// tip at the given base fee.
func (p *OrderPool) BestOrdersWithBaseFee(baseFee uint64) BestOrdersIter {
	p.mtx.Lock()
	snapshot := p.store.allInSubPool(types.SubPoolPending)
	updates := make(chan *ValidOrder, p.cfg.EventBufferSize)
	p.bestFeeds = append(p.bestFeeds, updates)
	p.mtx.Unlock()

	it := &bestOrders{
		pool:    p,
		baseFee: baseFee,
		pending: make(map[types.Address][]*ValidOrder),
		invalid: make(map[types.Address]uint64),
		yielded: make(map[types.Hash]struct{}),
		updates: updates,
	}
	heap.Init(&it.heads)

	// Seed the heap with each sender's lowest pending nonce; successors
	// follow only after their predecessor is yielded, so a sender's orders
	// always come out in execution order.
	for _, vo := range snapshot {
		it.pending[vo.Sender()] = append(it.pending[vo.Sender()], vo)
	}
	for sender, list := range it.pending {
		sort.Slice(list, func(i, j int) bool { return list[i].Nonce() < list[j].Nonce() })
		heap.Push(&it.heads, &bestHead{order: list[0], baseFee: baseFee})
		it.pending[sender] = list[1:]
	}
	return it
}

// NewNoopBestOrders returns an iterator that yields nothing. Used where a
// best-orders source is required but the caller produces no blocks.
func NewNoopBestOrders() BestOrdersIter { return noopBestOrders{} }

type noopBestOrders struct{}

func (noopBestOrders) Next() *ValidOrder      { return nil }
func (noopBestOrders) MarkInvalid(*ValidOrder) {}
func (noopBestOrders) NoUpdates()              {}

// bestHead wraps a heap entry; the effective tip at the iterator's base fee
// is the priority, the admission sequence breaks ties.
type bestHead struct {
	order   *ValidOrder
	baseFee uint64
}

func (h *bestHead) tip() uint64 { return h.order.Order.EffectiveTip(h.baseFee) }

type bestHeap []*bestHead

func (h bestHeap) Len() int { return len(h) }

func (h bestHeap) Less(i, j int) bool {
	ti, tj := h[i].tip(), h[j].tip()
	if ti != tj {
		return ti > tj
	}
	return h[i].order.seq < h[j].order.seq
}

func (h bestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *bestHeap) Push(x interface{}) { *h = append(*h, x.(*bestHead)) }

func (h *bestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type bestOrders struct {
	pool    *OrderPool
	baseFee uint64

	heads   bestHeap
	pending map[types.Address][]*ValidOrder // successors per sender, ascending nonce
	invalid map[types.Address]uint64        // sender -> lowest invalidated nonce
	yielded map[types.Hash]struct{}

	updates chan *ValidOrder
	frozen  bool
}

var _ BestOrdersIter = (*bestOrders)(nil)

func (it *bestOrders) Next() *ValidOrder {
	it.drainUpdates()

	for it.heads.Len() > 0 {
		head := heap.Pop(&it.heads).(*bestHead)
		vo := head.order
		sender := vo.Sender()

		if inv, ok := it.invalid[sender]; ok && vo.Nonce() >= inv {
			delete(it.pending, sender)
			continue
		}
		// Removed or demoted since the snapshot. A replacement at the same
		// nonce may have arrived on the update feed and takes over as the
		// head; otherwise the sender's successors cannot execute either and
		// the sender is dropped.
		if !it.pool.isLivePending(vo) {
			it.replaceHead(sender, vo.Nonce())
			continue
		}
		if _, ok := it.yielded[vo.Hash()]; ok {
			continue
		}

		it.yielded[vo.Hash()] = struct{}{}
		it.pushSuccessor(sender, vo.Nonce())
		return vo
	}
	return nil
}

// replaceHead promotes a live same-nonce substitute for a stale head from
// the sender's pending list, or gives up on the sender if none exists.
func (it *bestOrders) replaceHead(sender types.Address, nonce uint64) {
	list := it.pending[sender]
	for i, vo := range list {
		if vo.Nonce() != nonce || !it.pool.isLivePending(vo) {
			continue
		}
		it.pending[sender] = append(list[:i:i], list[i+1:]...)
		heap.Push(&it.heads, &bestHead{order: vo, baseFee: it.baseFee})
		return
	}
	delete(it.pending, sender)
}

// pushSuccessor moves the sender's next consecutive nonce from the pending
// list into the heap.
func (it *bestOrders) pushSuccessor(sender types.Address, nonce uint64) {
	list := it.pending[sender]
	if len(list) == 0 {
		delete(it.pending, sender)
		return
	}
	if list[0].Nonce() != nonce+1 {
		return
	}
	heap.Push(&it.heads, &bestHead{order: list[0], baseFee: it.baseFee})
	it.pending[sender] = list[1:]
}

// drainUpdates folds live promotions into the iterator without blocking.
func (it *bestOrders) drainUpdates() {
	if it.frozen {
		return
	}
	for {
		select {
		case vo := <-it.updates:
			it.add(vo)
		default:
			return
		}
	}
}

func (it *bestOrders) add(vo *ValidOrder) {
	if _, ok := it.yielded[vo.Hash()]; ok {
		return
	}
	sender := vo.Sender()
	if inv, ok := it.invalid[sender]; ok && vo.Nonce() >= inv {
		return
	}

	list, tracked := it.pending[sender]
	if !tracked && !it.senderInHeap(sender) {
		heap.Push(&it.heads, &bestHead{order: vo, baseFee: it.baseFee})
		return
	}
	for _, queued := range list {
		if queued.Hash() == vo.Hash() {
			return
		}
	}
	list = append(list, vo)
	sort.Slice(list, func(i, j int) bool { return list[i].Nonce() < list[j].Nonce() })
	it.pending[sender] = list
}

func (it *bestOrders) senderInHeap(sender types.Address) bool {
	for _, head := range it.heads {
		if head.order.Sender() == sender {
			return true
		}
	}
	return false
}

func (it *bestOrders) MarkInvalid(vo *ValidOrder) {
	sender := vo.Sender()
	if inv, ok := it.invalid[sender]; !ok || vo.Nonce() < inv {
		it.invalid[sender] = vo.Nonce()
	}
}

func (it *bestOrders) NoUpdates() {
	if it.frozen {
		return
	}
	it.frozen = true
	it.pool.unregisterBestFeed(it.updates)
}
