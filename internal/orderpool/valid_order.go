package orderpool

import (
	"time"

	"github.com/ordermesh/ordermesh/types"
)

// OrderInfo are parameters that get passed when attempting to add an order
// to the pool from the network.
type OrderInfo struct {
	// SenderNodeID is the peer the order was received from, empty for
	// locally submitted orders.
	SenderNodeID types.NodeID
}

// ValidOrder is an order that passed validation, plus the pool-internal
// bookkeeping attached at admission. The wrapped order itself is immutable;
// only the sub-pool tag changes, and only under the pool's write lock.
type ValidOrder struct {
	// Order is the validated order.
	Order types.Order

	// Origin records where the order was picked up.
	Origin types.OrderOrigin

	// subPool is the tier the order currently belongs to.
	subPool types.SubPool

	// seq is the admission sequence number, used as the deterministic
	// tiebreaker for equal-priority orders.
	seq uint64

	// addedAt is when the pool first saw the order.
	addedAt time.Time

	// encodedLen caches the wire-encoded length, computed once at admission.
	encodedLen int

	// propagate is false for orders that must never leave this node.
	propagate bool

	// seenBy tracks peers that sent us the order or that we sent it to,
	// guarded by the pool's lock.
	seenBy map[types.NodeID]struct{}
}

// Hash returns the wrapped order's hash.
func (vo *ValidOrder) Hash() types.Hash { return vo.Order.Hash() }

// Sender returns the wrapped order's sender.
func (vo *ValidOrder) Sender() types.Address { return vo.Order.Sender() }

// Nonce returns the wrapped order's nonce.
func (vo *ValidOrder) Nonce() uint64 { return vo.Order.Nonce() }

// SubPool returns the tier the order currently belongs to.
func (vo *ValidOrder) SubPool() types.SubPool { return vo.subPool }

// EncodedLength returns the cached wire-encoded length.
func (vo *ValidOrder) EncodedLength() int { return vo.encodedLen }

// IsPropagateAllowed reports whether the order may be sent to peers.
func (vo *ValidOrder) IsPropagateAllowed() bool { return vo.propagate }

// AddedAt returns the admission time.
func (vo *ValidOrder) AddedAt() time.Time { return vo.addedAt }

func (vo *ValidOrder) markSeenBy(peer types.NodeID) {
	if peer == "" {
		return
	}
	if vo.seenBy == nil {
		vo.seenBy = make(map[types.NodeID]struct{})
	}
	vo.seenBy[peer] = struct{}{}
}

func (vo *ValidOrder) isSeenBy(peer types.NodeID) bool {
	_, ok := vo.seenBy[peer]
	return ok
}

// subPoolEvent maps a tier to its lifecycle event kind.
func subPoolEvent(sub types.SubPool) types.OrderEventKind {
	switch sub {
	case types.SubPoolPending:
		return types.OrderEventPending
	case types.SubPoolBaseFee:
		return types.OrderEventBaseFee
	default:
		return types.OrderEventQueued
	}
}
