package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SubPool identifies the readiness tier an order currently belongs to. Every
// admitted order belongs to exactly one sub-pool.
type SubPool byte

const (
	// SubPoolPending holds orders that are ready for inclusion in the next
	// block: no nonce gap and a positive effective tip at the current
	// pending base fee.
	SubPoolPending SubPool = iota

	// SubPoolBaseFee parks orders that have no nonce gap but whose fee cap
	// is insufficient for the current pending base fee. They are
	// re-evaluated on every canonical update.
	SubPoolBaseFee

	// SubPoolQueued holds orders with a nonce gap against the sender's known
	// account state.
	SubPoolQueued
)

func (s SubPool) String() string {
	switch s {
	case SubPoolPending:
		return "pending"
	case SubPoolBaseFee:
		return "basefee"
	case SubPoolQueued:
		return "queued"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// PoolSize is a point-in-time snapshot of per-tier order counts and byte
// sizes. Total always equals Pending+BaseFee+Queued.
type PoolSize struct {
	Pending      int
	PendingBytes int64

	BaseFee      int
	BaseFeeBytes int64

	Queued      int
	QueuedBytes int64

	Total      int
	TotalBytes int64
}

// BlockInfo is the chain tip the pool currently tracks.
type BlockInfo struct {
	LastSeenHash   Hash
	LastSeenNumber uint64

	// PendingBaseFee is the base fee of the next (pending) block.
	PendingBaseFee uint64
}

// BlockRef references a sealed block by hash, parent hash and number.
type BlockRef struct {
	Hash       Hash
	ParentHash Hash
	Number     uint64
}

// ChangedAccount is a sender-account delta produced by the execution layer.
type ChangedAccount struct {
	Address Address
	Nonce   uint64
	Balance *uint256.Int
}

// CanonicalStateUpdate is a batch of chain progress the pool must absorb.
// The new tip must be a child of the pool's previously known tip.
type CanonicalStateUpdate struct {
	NewTip BlockRef

	// PendingBaseFee is the base fee of the next block, derived from the
	// utilization of the new tip.
	PendingBaseFee uint64

	ChangedAccounts  []ChangedAccount
	MinedOrderHashes []Hash
}

// BlockInfo returns the tip tracking info the pool adopts once the update is
// applied.
func (u *CanonicalStateUpdate) BlockInfo() BlockInfo {
	return BlockInfo{
		LastSeenHash:   u.NewTip.Hash,
		LastSeenNumber: u.NewTip.Number,
		PendingBaseFee: u.PendingBaseFee,
	}
}

func (u *CanonicalStateUpdate) String() string {
	return fmt.Sprintf("{hash: %s, number: %d, pending_base_fee: %d, changed_accounts: %d, mined_orders: %d}",
		u.NewTip.Hash, u.NewTip.Number, u.PendingBaseFee, len(u.ChangedAccounts), len(u.MinedOrderHashes))
}

// OrderOrigin records where an order was picked up.
type OrderOrigin byte

const (
	// OriginLocal marks an order submitted through a local producer.
	OriginLocal OrderOrigin = iota

	// OriginExternal marks an order received from a peer. This is an
	// untrusted source.
	OriginExternal

	// OriginPrivate marks a local order that must never be propagated to
	// the network.
	OriginPrivate
)

// IsLocal reports whether the order originates from a local source.
func (o OrderOrigin) IsLocal() bool { return o == OriginLocal }

// IsPrivate reports whether the order must stay on this node.
func (o OrderOrigin) IsPrivate() bool { return o == OriginPrivate }

func (o OrderOrigin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginExternal:
		return "external"
	case OriginPrivate:
		return "private"
	default:
		return fmt.Sprintf("unknown(%d)", byte(o))
	}
}

// ListenerKind controls which new orders a stream emits.
type ListenerKind byte

const (
	// ListenerAll emits every new order.
	ListenerAll ListenerKind = iota

	// ListenerPropagateOnly emits only orders that are allowed to be
	// propagated over the network.
	ListenerPropagateOnly
)

// IsPropagateOnly reports whether the stream is restricted to orders that
// may leave the node.
func (k ListenerKind) IsPropagateOnly() bool { return k == ListenerPropagateOnly }

// PropagateKind records how an order was sent to one peer.
type PropagateKind struct {
	Peer NodeID

	// Full is true when the complete order was sent, false when only its
	// hash was announced.
	Full bool
}

// PropagatedOrders is the dissemination record for a batch of broadcasts:
// order hash to the peers it reached and how.
type PropagatedOrders map[Hash][]PropagateKind
