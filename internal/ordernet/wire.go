package ordernet

import (
	"errors"
	"fmt"

	amino "github.com/tendermint/go-amino"

	"github.com/ordermesh/ordermesh/types"
)

const (
	// OrderChannel is the wire channel orders travel on.
	OrderChannel = byte(0x40)

	// maxHashesPerMessage bounds hash lists in announcements and requests.
	maxHashesPerMessage = 4096

	// maxMsgSize bounds a single wire message; responses stay under the
	// soft byte limit, this is the hard cap on top.
	maxMsgSize = 4 * 1024 * 1024
)

var cdc = amino.NewCodec()

func init() {
	cdc.RegisterInterface((*Message)(nil), nil)
	cdc.RegisterConcrete(&HashAnnouncement{}, "ordermesh/net/HashAnnouncement", nil)
	cdc.RegisterConcrete(&GetPooledOrders{}, "ordermesh/net/GetPooledOrders", nil)
	cdc.RegisterConcrete(&PooledOrders{}, "ordermesh/net/PooledOrders", nil)
	cdc.RegisterConcrete(&NewPooledOrders{}, "ordermesh/net/NewPooledOrders", nil)
	types.RegisterOrderAminoTypes(cdc)
}

// Message is a message sent or received on the order channel.
type Message interface {
	ValidateBasic() error
}

// HashAnnouncement advertises pooled order hashes to a peer without the
// order bodies. Sent on session establishment and for economy broadcast.
type HashAnnouncement struct {
	Hashes []types.Hash
}

func (m *HashAnnouncement) ValidateBasic() error {
	if len(m.Hashes) == 0 {
		return errors.New("empty hash announcement")
	}
	if len(m.Hashes) > maxHashesPerMessage {
		return fmt.Errorf("too many hashes: %d (max %d)", len(m.Hashes), maxHashesPerMessage)
	}
	return nil
}

func (m *HashAnnouncement) String() string {
	return fmt.Sprintf("[HashAnnouncement %d hashes]", len(m.Hashes))
}

// GetPooledOrders requests full orders for previously announced hashes. The
// responder stops filling before the order that would cross SoftLimitBytes.
type GetPooledOrders struct {
	RequestID      string
	Hashes         []types.Hash
	SoftLimitBytes int64
}

func (m *GetPooledOrders) ValidateBasic() error {
	if m.RequestID == "" {
		return errors.New("missing request id")
	}
	if len(m.Hashes) == 0 {
		return errors.New("empty order request")
	}
	if len(m.Hashes) > maxHashesPerMessage {
		return fmt.Errorf("too many hashes: %d (max %d)", len(m.Hashes), maxHashesPerMessage)
	}
	if m.SoftLimitBytes < 0 {
		return errors.New("negative soft limit")
	}
	return nil
}

func (m *GetPooledOrders) String() string {
	return fmt.Sprintf("[GetPooledOrders %s, %d hashes]", m.RequestID, len(m.Hashes))
}

// PooledOrders answers a GetPooledOrders request. Unknown hashes are simply
// absent; the requester must tolerate partial responses.
type PooledOrders struct {
	RequestID string
	Orders    []types.Order
}

func (m *PooledOrders) ValidateBasic() error {
	if m.RequestID == "" {
		return errors.New("missing request id")
	}
	for i, o := range m.Orders {
		if o == nil {
			return fmt.Errorf("nil order at index %d", i)
		}
	}
	return nil
}

func (m *PooledOrders) String() string {
	return fmt.Sprintf("[PooledOrders %s, %d orders]", m.RequestID, len(m.Orders))
}

// NewPooledOrders pushes full order bodies to a peer, used for validator
// peers and for peers not known to have the order yet.
type NewPooledOrders struct {
	Orders []types.Order
}

func (m *NewPooledOrders) ValidateBasic() error {
	if len(m.Orders) == 0 {
		return errors.New("empty order push")
	}
	for i, o := range m.Orders {
		if o == nil {
			return fmt.Errorf("nil order at index %d", i)
		}
	}
	return nil
}

func (m *NewPooledOrders) String() string {
	return fmt.Sprintf("[NewPooledOrders %d orders]", len(m.Orders))
}

// encodeMsg serializes a message for the order channel. Encoding a
// registered message cannot fail; a failure is a programming error.
func encodeMsg(msg Message) []byte {
	bz, err := cdc.MarshalBinaryBare(msg)
	if err != nil {
		panic(fmt.Sprintf("failed to encode %T: %v", msg, err))
	}
	return bz
}

// decodeMsg parses a message received on the order channel.
func decodeMsg(bz []byte) (Message, error) {
	if len(bz) > maxMsgSize {
		return nil, fmt.Errorf("message exceeds max size (%d > %d)", len(bz), maxMsgSize)
	}
	var msg Message
	if err := cdc.UnmarshalBinaryBare(bz, &msg); err != nil {
		return nil, err
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}
