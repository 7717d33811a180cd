package types

import "fmt"

// OrderEventKind enumerates the lifecycle transitions of a pooled order.
type OrderEventKind byte

const (
	// OrderEventPending fires when an order enters the pending sub-pool.
	OrderEventPending OrderEventKind = iota

	// OrderEventBaseFee fires when an order is parked in the base-fee
	// sub-pool.
	OrderEventBaseFee

	// OrderEventQueued fires when an order enters the queued sub-pool.
	OrderEventQueued

	// OrderEventMined fires when the order was included in a block. Final.
	OrderEventMined

	// OrderEventReplaced fires when a same sender+nonce order with a higher
	// fee displaced this one. Final.
	OrderEventReplaced

	// OrderEventDiscarded fires when the order was evicted (stale nonce,
	// insufficient balance, pool limits). Final.
	OrderEventDiscarded

	// OrderEventPropagated fires when the order was sent to peers.
	OrderEventPropagated
)

func (k OrderEventKind) String() string {
	switch k {
	case OrderEventPending:
		return "pending"
	case OrderEventBaseFee:
		return "basefee"
	case OrderEventQueued:
		return "queued"
	case OrderEventMined:
		return "mined"
	case OrderEventReplaced:
		return "replaced"
	case OrderEventDiscarded:
		return "discarded"
	case OrderEventPropagated:
		return "propagated"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// IsFinal reports whether no more events are expected for the order after
// this one; per-order subscriptions terminate on a final event.
func (k OrderEventKind) IsFinal() bool {
	switch k {
	case OrderEventMined, OrderEventReplaced, OrderEventDiscarded:
		return true
	default:
		return false
	}
}

// OrderEvent describes one status change of a pooled order.
type OrderEvent struct {
	Hash Hash
	Kind OrderEventKind

	// BlockHash is set for mined events.
	BlockHash Hash

	// ReplacedBy is set for replaced events.
	ReplacedBy Hash

	// Propagated is set for propagated events.
	Propagated []PropagateKind
}
