package types

import (
	"errors"
	"fmt"
)

// ErrOrderInPool is returned when an order with the same hash is already
// pooled. Duplicate submission is an error, never a silent no-op.
var ErrOrderInPool = errors.New("order already exists in pool")

// ErrUnknownOrder is returned when subscribing to or querying a hash the
// pool does not hold.
var ErrUnknownOrder = errors.New("unknown order hash")

// ErrReplacementUnderpriced is returned when an order collides on
// sender+nonce with a pooled order but does not pay a strictly higher fee.
var ErrReplacementUnderpriced = errors.New("replacement order underpriced")

// ErrOrderTooLarge is returned when an order exceeds the maximum encoded
// size the pool accepts.
type ErrOrderTooLarge struct {
	Max    int
	Actual int
}

func (e ErrOrderTooLarge) Error() string {
	return fmt.Sprintf("order too large: max %d bytes, got %d", e.Max, e.Actual)
}

// ErrPoolIsFull is returned when the pool cannot admit any more orders.
type ErrPoolIsFull struct {
	NumOrders int
	MaxOrders int

	OrderBytes    int64
	MaxOrderBytes int64
}

func (e ErrPoolIsFull) Error() string {
	return fmt.Sprintf(
		"pool is full: %d orders (max: %d), %d bytes (max: %d)",
		e.NumOrders, e.MaxOrders, e.OrderBytes, e.MaxOrderBytes)
}

// ErrNonceTooLow is returned when an order's nonce is behind the sender's
// known account nonce.
type ErrNonceTooLow struct {
	OrderNonce   uint64
	AccountNonce uint64
}

func (e ErrNonceTooLow) Error() string {
	return fmt.Sprintf("nonce too low: order %d, account %d", e.OrderNonce, e.AccountNonce)
}

// ErrInsufficientBalance is returned when the sender cannot cover the
// order's worst-case cost.
type ErrInsufficientBalance struct {
	Cost    string
	Balance string
}

func (e ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: cost %s, balance %s", e.Cost, e.Balance)
}

// ErrNotChained is returned when a canonical state update's tip is not a
// child of the pool's last known tip. The pool's block tracking is not
// advanced; the caller owns resynchronization.
type ErrNotChained struct {
	KnownTip   Hash
	UpdateTip  Hash
	ParentHash Hash
}

func (e ErrNotChained) Error() string {
	return fmt.Sprintf(
		"canonical update not chained: known tip %s, update tip %s (parent %s)",
		e.KnownTip, e.UpdateTip, e.ParentHash)
}
