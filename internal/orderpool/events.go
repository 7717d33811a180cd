package orderpool

import (
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

// NewOrderEvent is emitted on every admission, carrying the tier the order
// landed in.
type NewOrderEvent struct {
	SubPool types.SubPool
	Order   *ValidOrder
}

// newOrderListener is a subscription to admitted orders, optionally
// restricted to propagatable orders and/or a single tier.
type newOrderListener struct {
	kind    types.ListenerKind
	subPool *types.SubPool
	ch      chan NewOrderEvent
}

func (l *newOrderListener) wants(ev NewOrderEvent) bool {
	if l.kind.IsPropagateOnly() && !ev.Order.IsPropagateAllowed() {
		return false
	}
	if l.subPool != nil && *l.subPool != ev.SubPool {
		return false
	}
	return true
}

// eventBroadcast fans pool lifecycle events out to subscribers. All methods
// are called under the pool's write lock; sends never block, a subscriber
// that has fallen a full buffer behind loses events instead of stalling
// admission.
type eventBroadcast struct {
	logger  log.Logger
	metrics *Metrics
	bufSize int

	orderSubs map[types.Hash][]chan types.OrderEvent
	allSubs   []chan types.OrderEvent
	newSubs   []*newOrderListener
}

func newEventBroadcast(logger log.Logger, metrics *Metrics, bufSize int) *eventBroadcast {
	return &eventBroadcast{
		logger:    logger,
		metrics:   metrics,
		bufSize:   bufSize,
		orderSubs: make(map[types.Hash][]chan types.OrderEvent),
	}
}

func (b *eventBroadcast) subscribeOrder(hash types.Hash) <-chan types.OrderEvent {
	ch := make(chan types.OrderEvent, b.bufSize)
	b.orderSubs[hash] = append(b.orderSubs[hash], ch)
	return ch
}

func (b *eventBroadcast) unsubscribeOrder(hash types.Hash, ch <-chan types.OrderEvent) {
	subs := b.orderSubs[hash]
	for i, c := range subs {
		if c == ch {
			b.orderSubs[hash] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.orderSubs[hash]) == 0 {
		delete(b.orderSubs, hash)
	}
}

func (b *eventBroadcast) subscribeAll() <-chan types.OrderEvent {
	ch := make(chan types.OrderEvent, b.bufSize)
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func (b *eventBroadcast) subscribeNew(kind types.ListenerKind, sub *types.SubPool) <-chan NewOrderEvent {
	ch := make(chan NewOrderEvent, b.bufSize)
	b.newSubs = append(b.newSubs, &newOrderListener{kind: kind, subPool: sub, ch: ch})
	return ch
}

// broadcast delivers a lifecycle event to the order's subscribers and to the
// all-orders subscribers. A final event terminates the order's per-hash
// subscriptions.
func (b *eventBroadcast) broadcast(ev types.OrderEvent) {
	for _, ch := range b.orderSubs[ev.Hash] {
		b.send(ch, ev)
	}
	if ev.Kind.IsFinal() {
		for _, ch := range b.orderSubs[ev.Hash] {
			close(ch)
		}
		delete(b.orderSubs, ev.Hash)
	}
	for _, ch := range b.allSubs {
		b.send(ch, ev)
	}
}

// broadcastNew delivers an admission event to the new-order listeners whose
// filters match.
func (b *eventBroadcast) broadcastNew(ev NewOrderEvent) {
	for _, l := range b.newSubs {
		if !l.wants(ev) {
			continue
		}
		select {
		case l.ch <- ev:
		default:
			b.dropped(ev.Order.Hash())
		}
	}
}

func (b *eventBroadcast) send(ch chan types.OrderEvent, ev types.OrderEvent) {
	select {
	case ch <- ev:
	default:
		b.dropped(ev.Hash)
	}
}

func (b *eventBroadcast) dropped(hash types.Hash) {
	b.metrics.DroppedEvents.Add(1)
	b.logger.Debug("dropped pool event on slow subscriber", "order", hash)
}
