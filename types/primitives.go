package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// HashSize is the size of an order or block hash in bytes.
const HashSize = 32

// AddressSize is the size of an account address in bytes.
const AddressSize = 20

// Hash uniquely identifies an order or a block.
type Hash [HashSize]byte

func (h Hash) String() string { return fmt.Sprintf("%X", h[:]) }

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromBytes converts a byte slice into a Hash. The slice length must be
// exactly HashSize.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length: %d", len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// Address is the sender account of an order.
type Address [AddressSize]byte

func (a Address) String() string { return fmt.Sprintf("0x%x", a[:]) }

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte { return append([]byte(nil), a[:]...) }

// AddressFromHex parses a 0x-prefixed or bare hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	bz, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(bz) != AddressSize {
		return a, fmt.Errorf("invalid address length: %d", len(bz))
	}
	copy(a[:], bz)
	return a, nil
}

// NodeID identifies a remote peer on the order network.
type NodeID string

// AccessTuple names an account and the storage slots an order touches.
type AccessTuple struct {
	Address     Address
	StorageKeys []Hash
}

// AccessList is the set of accounts and storage slots an order declares it
// will access.
type AccessList []AccessTuple

// StorageKeys returns the total number of storage keys in the access list.
func (al AccessList) StorageKeys() int {
	var n int
	for _, tuple := range al {
		n += len(tuple.StorageKeys)
	}
	return n
}

// U256 is a 256-bit unsigned integer with a stable wire representation. It
// wraps uint256.Int so order values and balances round-trip through the
// amino codec as big-endian bytes.
type U256 struct {
	i uint256.Int
}

// NewU256 returns a U256 holding the given value.
func NewU256(v uint64) U256 {
	var u U256
	u.i.SetUint64(v)
	return u
}

// U256FromInt returns a U256 copying the given uint256.
func U256FromInt(v *uint256.Int) U256 {
	var u U256
	if v != nil {
		u.i.Set(v)
	}
	return u
}

// Int returns a copy of the wrapped integer.
func (u U256) Int() *uint256.Int {
	return new(uint256.Int).Set(&u.i)
}

// Uint64 returns the low 64 bits of the value.
func (u U256) Uint64() uint64 { return u.i.Uint64() }

func (u U256) String() string { return u.i.String() }

// Eq reports whether two values are equal.
func (u U256) Eq(other U256) bool { return u.i.Eq(&other.i) }

// MarshalAmino encodes the value as minimal big-endian bytes.
func (u U256) MarshalAmino() ([]byte, error) {
	return u.i.Bytes(), nil
}

// UnmarshalAmino decodes the value from big-endian bytes.
func (u *U256) UnmarshalAmino(bz []byte) error {
	if len(bz) > 32 {
		return fmt.Errorf("U256 overflow: %d bytes", len(bz))
	}
	u.i.SetBytes(bz)
	return nil
}

// maxUint256 is the saturation value for overflowing cost computations.
var maxUint256 = func() *uint256.Int {
	z := new(uint256.Int)
	b := bytes.Repeat([]byte{0xff}, 32)
	z.SetBytes(b)
	return z
}()

// satMul returns a*b, saturating at the maximum 256-bit value.
func satMul(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxUint256)
	}
	return z
}

// satAdd returns a+b, saturating at the maximum 256-bit value.
func satAdd(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxUint256)
	}
	return z
}
