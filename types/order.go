package types

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	amino "github.com/tendermint/go-amino"
)

// cdc encodes orders for hashing and encoded-length accounting. The network
// layer registers the same concrete types into its own wire codec.
var cdc = amino.NewCodec()

func init() {
	RegisterOrderAminoTypes(cdc)
}

// RegisterOrderAminoTypes registers the closed set of order variants with the
// given codec so they can travel behind the Order interface.
func RegisterOrderAminoTypes(c *amino.Codec) {
	c.RegisterInterface((*Order)(nil), nil)
	c.RegisterConcrete(&LimitOrder{}, "ordermesh/LimitOrder", nil)
	c.RegisterConcrete(&ComposableOrder{}, "ordermesh/ComposableOrder", nil)
	c.RegisterConcrete(&SearcherOrder{}, "ordermesh/SearcherOrder", nil)
	c.RegisterConcrete(&ComposableSearcherOrder{}, "ordermesh/ComposableSearcherOrder", nil)
}

// OrderKind tags one of the four order variants.
type OrderKind byte

const (
	OrderKindLimit OrderKind = iota
	OrderKindComposable
	OrderKindSearcher
	OrderKindComposableSearcher
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindLimit:
		return "limit"
	case OrderKindComposable:
		return "composable"
	case OrderKindSearcher:
		return "searcher"
	case OrderKindComposableSearcher:
		return "composable-searcher"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Order is the capability interface shared by the closed set of order
// variants. The kind set is fixed by protocol design; consumers that need a
// variant-specific attribute assert to Searcher or ComposableSearcher.
type Order interface {
	// Hash uniquely identifies the order in the pool.
	Hash() Hash

	// Sender is the recovered signer of the order.
	Sender() Address

	// Nonce is the sender's order sequence number.
	Nonce() uint64

	// Cost is the worst case balance the order can consume:
	// fee cap * gas limit + value (+ blob cost where applicable), computed
	// with saturating arithmetic and cached on first use.
	Cost() *uint256.Int

	// GasLimit is the gas the order may consume, paid up front.
	GasLimit() uint64

	// FeeCap is the maximum fee per gas the sender is willing to pay.
	FeeCap() uint64

	// TipCap returns the maximum priority fee per gas and true, or zero and
	// false for fee-cap-less variants.
	TipCap() (uint64, bool)

	// EffectiveTip is min(feeCap-baseFee, tipCap) for priority-fee variants,
	// or feeCap-baseFee otherwise, saturating at zero.
	EffectiveTip(baseFee uint64) uint64

	// PriorityFeeOrPrice is the tip cap for priority-fee variants and the
	// flat price otherwise.
	PriorityFeeOrPrice() uint64

	// To is the recipient, or nil for creation-like orders.
	To() *Address

	// Input is the order calldata.
	Input() []byte

	// AccessList is the declared account/storage access set.
	AccessList() AccessList

	// EncodedLength is the length of the wire encoding, cached on first use.
	EncodedLength() int

	// Size is an estimate of the order's heap footprint, used for pool byte
	// accounting.
	Size() int

	// Kind tags the variant.
	Kind() OrderKind
}

// Searcher is the capability interface of searcher order variants.
type Searcher interface {
	Order

	// LVRBid is the value of the searcher's bid.
	LVRBid() uint64

	// BidProportion is the proportion of the bid shared with the pool.
	BidProportion() uint64

	// PoolPricePostArbitrage is the pool price after the searcher's
	// arbitrage executes.
	PoolPricePostArbitrage() uint64
}

// ComposableSearcher is the capability interface of composable searcher
// orders, which carry execution hooks and a direct builder bribe.
type ComposableSearcher interface {
	Searcher

	// CoinbaseTip is the direct payment to the block builder.
	CoinbaseTip() *uint256.Int

	// PreHookAccessList is the access set of the pre-execution hook.
	PreHookAccessList() AccessList

	// PostHookAccessList is the access set of the post-execution hook.
	PostHookAccessList() AccessList
}

// KindOf returns the variant tag for a supported order, panicking on an
// unknown implementation. An order kind the model does not support is a
// construction-time fault, not a runtime admission error.
func KindOf(o Order) OrderKind {
	switch o.(type) {
	case *LimitOrder:
		return OrderKindLimit
	case *ComposableOrder:
		return OrderKindComposable
	case *SearcherOrder:
		return OrderKindSearcher
	case *ComposableSearcherOrder:
		return OrderKindComposableSearcher
	default:
		panic(fmt.Sprintf("unsupported order variant %T", o))
	}
}

// orderMeta caches the derived attributes of an order. Orders are immutable
// once admitted, so hash, cost and encoded length are computed at most once.
type orderMeta struct {
	once   sync.Once
	hash   Hash
	cost   uint256.Int
	encLen int
}

func (m *orderMeta) seal(o Order, cost func() *uint256.Int) {
	m.once.Do(func() {
		bz, err := cdc.MarshalBinaryBare(o)
		if err != nil {
			panic(fmt.Sprintf("failed to encode %s order: %v", o.Kind(), err))
		}
		m.hash = sha256.Sum256(bz)
		m.encLen = len(bz)
		m.cost.Set(cost())
	})
}

// effectiveTipDynamic computes min(feeCap-baseFee, tipCap), saturating at
// zero.
func effectiveTipDynamic(feeCap, tipCap, baseFee uint64) uint64 {
	if feeCap <= baseFee {
		return 0
	}
	tip := feeCap - baseFee
	if tip > tipCap {
		tip = tipCap
	}
	return tip
}

// effectiveTipFlat computes price-baseFee, saturating at zero.
func effectiveTipFlat(price, baseFee uint64) uint64 {
	if price <= baseFee {
		return 0
	}
	return price - baseFee
}

func gasCost(feePerGas, gas uint64) *uint256.Int {
	return satMul(uint256.NewInt(feePerGas), uint256.NewInt(gas))
}

const orderBaseSize = 256

func accessListSize(al AccessList) int {
	return len(al)*AddressSize + al.StorageKeys()*HashSize
}

// LimitOrderData carries the signed fields of a plain limit order.
type LimitOrderData struct {
	ChainID    uint64
	Nonce      uint64
	Gas        uint64
	FeeCap     uint64
	TipCap     uint64
	To         *Address
	Value      U256
	Input      []byte
	Access     AccessList
	BlobFeeCap uint64
	BlobGas    uint64
	From       Address
}

// LimitOrder is the plain order variant: a single signed trade intent with a
// dynamic fee cap and priority tip.
type LimitOrder struct {
	data LimitOrderData
	meta orderMeta
}

var _ Order = (*LimitOrder)(nil)

// NewLimitOrder wraps the given signed fields in a pool order.
func NewLimitOrder(data LimitOrderData) *LimitOrder {
	return &LimitOrder{data: data}
}

// MarshalAmino uses a value receiver so the method is in LimitOrder's value
// method set; go-amino only detects marshalers there.
func (o LimitOrder) MarshalAmino() (LimitOrderData, error)     { return o.data, nil }
func (o *LimitOrder) UnmarshalAmino(data LimitOrderData) error { o.data = data; return nil }

func (o *LimitOrder) seal() {
	o.meta.seal(o, func() *uint256.Int {
		cost := satAdd(gasCost(o.data.FeeCap, o.data.Gas), o.data.Value.Int())
		if o.data.BlobGas > 0 {
			// Blob cost saturates like the base cost path.
			cost = satAdd(cost, gasCost(o.data.BlobFeeCap, o.data.BlobGas))
		}
		return cost
	})
}

func (o *LimitOrder) Hash() Hash {
	o.seal()
	return o.meta.hash
}

func (o *LimitOrder) Sender() Address { return o.data.From }
func (o *LimitOrder) Nonce() uint64   { return o.data.Nonce }

func (o *LimitOrder) Cost() *uint256.Int {
	o.seal()
	return new(uint256.Int).Set(&o.meta.cost)
}

func (o *LimitOrder) GasLimit() uint64        { return o.data.Gas }
func (o *LimitOrder) FeeCap() uint64          { return o.data.FeeCap }
func (o *LimitOrder) TipCap() (uint64, bool)  { return o.data.TipCap, true }
func (o *LimitOrder) To() *Address            { return o.data.To }
func (o *LimitOrder) Input() []byte           { return o.data.Input }
func (o *LimitOrder) AccessList() AccessList  { return o.data.Access }
func (o *LimitOrder) Kind() OrderKind         { return OrderKindLimit }
func (o *LimitOrder) PriorityFeeOrPrice() uint64 { return o.data.TipCap }

func (o *LimitOrder) EffectiveTip(baseFee uint64) uint64 {
	return effectiveTipDynamic(o.data.FeeCap, o.data.TipCap, baseFee)
}

func (o *LimitOrder) EncodedLength() int {
	o.seal()
	return o.meta.encLen
}

func (o *LimitOrder) Size() int {
	return orderBaseSize + len(o.data.Input) + accessListSize(o.data.Access)
}

// ComposableOrderData carries the signed fields of a composable order, which
// extends the plain variant with pre and post execution hook calldata.
type ComposableOrderData struct {
	ChainID  uint64
	Nonce    uint64
	Gas      uint64
	FeeCap   uint64
	TipCap   uint64
	To       *Address
	Value    U256
	Input    []byte
	Access   AccessList
	PreHook  []byte
	PostHook []byte
	From     Address
}

// ComposableOrder is a limit order that reads or writes external state
// through pre/post execution hooks.
type ComposableOrder struct {
	data ComposableOrderData
	meta orderMeta
}

var _ Order = (*ComposableOrder)(nil)

// NewComposableOrder wraps the given signed fields in a pool order.
func NewComposableOrder(data ComposableOrderData) *ComposableOrder {
	return &ComposableOrder{data: data}
}

func (o ComposableOrder) MarshalAmino() (ComposableOrderData, error) { return o.data, nil }
func (o *ComposableOrder) UnmarshalAmino(data ComposableOrderData) error {
	o.data = data
	return nil
}

func (o *ComposableOrder) seal() {
	o.meta.seal(o, func() *uint256.Int {
		return satAdd(gasCost(o.data.FeeCap, o.data.Gas), o.data.Value.Int())
	})
}

func (o *ComposableOrder) Hash() Hash {
	o.seal()
	return o.meta.hash
}

func (o *ComposableOrder) Sender() Address { return o.data.From }
func (o *ComposableOrder) Nonce() uint64   { return o.data.Nonce }

func (o *ComposableOrder) Cost() *uint256.Int {
	o.seal()
	return new(uint256.Int).Set(&o.meta.cost)
}

func (o *ComposableOrder) GasLimit() uint64        { return o.data.Gas }
func (o *ComposableOrder) FeeCap() uint64          { return o.data.FeeCap }
func (o *ComposableOrder) TipCap() (uint64, bool)  { return o.data.TipCap, true }
func (o *ComposableOrder) To() *Address            { return o.data.To }
func (o *ComposableOrder) Input() []byte           { return o.data.Input }
func (o *ComposableOrder) AccessList() AccessList  { return o.data.Access }
func (o *ComposableOrder) Kind() OrderKind         { return OrderKindComposable }
func (o *ComposableOrder) PriorityFeeOrPrice() uint64 { return o.data.TipCap }

// PreHook returns the calldata executed before the order settles.
func (o *ComposableOrder) PreHook() []byte { return o.data.PreHook }

// PostHook returns the calldata executed after the order settles.
func (o *ComposableOrder) PostHook() []byte { return o.data.PostHook }

func (o *ComposableOrder) EffectiveTip(baseFee uint64) uint64 {
	return effectiveTipDynamic(o.data.FeeCap, o.data.TipCap, baseFee)
}

func (o *ComposableOrder) EncodedLength() int {
	o.seal()
	return o.meta.encLen
}

func (o *ComposableOrder) Size() int {
	return orderBaseSize + len(o.data.Input) + len(o.data.PreHook) + len(o.data.PostHook) +
		accessListSize(o.data.Access)
}

// SearcherOrderData carries the signed fields of a searcher order. Searcher
// orders pay a flat price per gas and bid for the arbitrage opportunity.
type SearcherOrderData struct {
	ChainID       uint64
	Nonce         uint64
	Gas           uint64
	Price         uint64
	To            *Address
	Value         U256
	Input         []byte
	Access        AccessList
	Bid           uint64
	BidProportion uint64
	PoolPrice     uint64
	From          Address
}

// SearcherOrder is the searcher variant: a flat-priced order carrying an LVR
// bid against the pool.
type SearcherOrder struct {
	data SearcherOrderData
	meta orderMeta
}

var _ Searcher = (*SearcherOrder)(nil)

// NewSearcherOrder wraps the given signed fields in a pool order.
func NewSearcherOrder(data SearcherOrderData) *SearcherOrder {
	return &SearcherOrder{data: data}
}

func (o SearcherOrder) MarshalAmino() (SearcherOrderData, error)     { return o.data, nil }
func (o *SearcherOrder) UnmarshalAmino(data SearcherOrderData) error { o.data = data; return nil }

func (o *SearcherOrder) seal() {
	o.meta.seal(o, func() *uint256.Int {
		return satAdd(gasCost(o.data.Price, o.data.Gas), o.data.Value.Int())
	})
}

func (o *SearcherOrder) Hash() Hash {
	o.seal()
	return o.meta.hash
}

func (o *SearcherOrder) Sender() Address { return o.data.From }
func (o *SearcherOrder) Nonce() uint64   { return o.data.Nonce }

func (o *SearcherOrder) Cost() *uint256.Int {
	o.seal()
	return new(uint256.Int).Set(&o.meta.cost)
}

func (o *SearcherOrder) GasLimit() uint64        { return o.data.Gas }
func (o *SearcherOrder) FeeCap() uint64          { return o.data.Price }
func (o *SearcherOrder) TipCap() (uint64, bool)  { return 0, false }
func (o *SearcherOrder) To() *Address            { return o.data.To }
func (o *SearcherOrder) Input() []byte           { return o.data.Input }
func (o *SearcherOrder) AccessList() AccessList  { return o.data.Access }
func (o *SearcherOrder) Kind() OrderKind         { return OrderKindSearcher }
func (o *SearcherOrder) PriorityFeeOrPrice() uint64 { return o.data.Price }

func (o *SearcherOrder) EffectiveTip(baseFee uint64) uint64 {
	return effectiveTipFlat(o.data.Price, baseFee)
}

func (o *SearcherOrder) EncodedLength() int {
	o.seal()
	return o.meta.encLen
}

func (o *SearcherOrder) Size() int {
	return orderBaseSize + len(o.data.Input) + accessListSize(o.data.Access)
}

func (o *SearcherOrder) LVRBid() uint64                 { return o.data.Bid }
func (o *SearcherOrder) BidProportion() uint64          { return o.data.BidProportion }
func (o *SearcherOrder) PoolPricePostArbitrage() uint64 { return o.data.PoolPrice }

// ComposableSearcherOrderData carries the signed fields of a composable
// searcher order, which extends the searcher variant with execution hooks
// and a direct builder bribe.
type ComposableSearcherOrderData struct {
	ChainID        uint64
	Nonce          uint64
	Gas            uint64
	Price          uint64
	To             *Address
	Value          U256
	Input          []byte
	Access         AccessList
	Bid            uint64
	BidProportion  uint64
	PoolPrice      uint64
	CoinbaseTip    U256
	PreHookAccess  AccessList
	PostHookAccess AccessList
	From           Address
}

// ComposableSearcherOrder is the composable searcher variant.
type ComposableSearcherOrder struct {
	data ComposableSearcherOrderData
	meta orderMeta
}

var _ ComposableSearcher = (*ComposableSearcherOrder)(nil)

// NewComposableSearcherOrder wraps the given signed fields in a pool order.
func NewComposableSearcherOrder(data ComposableSearcherOrderData) *ComposableSearcherOrder {
	return &ComposableSearcherOrder{data: data}
}

func (o ComposableSearcherOrder) MarshalAmino() (ComposableSearcherOrderData, error) {
	return o.data, nil
}

func (o *ComposableSearcherOrder) UnmarshalAmino(data ComposableSearcherOrderData) error {
	o.data = data
	return nil
}

func (o *ComposableSearcherOrder) seal() {
	o.meta.seal(o, func() *uint256.Int {
		// The coinbase tip is paid from the sender's balance as well.
		cost := satAdd(gasCost(o.data.Price, o.data.Gas), o.data.Value.Int())
		return satAdd(cost, o.data.CoinbaseTip.Int())
	})
}

func (o *ComposableSearcherOrder) Hash() Hash {
	o.seal()
	return o.meta.hash
}

func (o *ComposableSearcherOrder) Sender() Address { return o.data.From }
func (o *ComposableSearcherOrder) Nonce() uint64   { return o.data.Nonce }

func (o *ComposableSearcherOrder) Cost() *uint256.Int {
	o.seal()
	return new(uint256.Int).Set(&o.meta.cost)
}

func (o *ComposableSearcherOrder) GasLimit() uint64        { return o.data.Gas }
func (o *ComposableSearcherOrder) FeeCap() uint64          { return o.data.Price }
func (o *ComposableSearcherOrder) TipCap() (uint64, bool)  { return 0, false }
func (o *ComposableSearcherOrder) To() *Address            { return o.data.To }
func (o *ComposableSearcherOrder) Input() []byte           { return o.data.Input }
func (o *ComposableSearcherOrder) AccessList() AccessList  { return o.data.Access }
func (o *ComposableSearcherOrder) Kind() OrderKind         { return OrderKindComposableSearcher }
func (o *ComposableSearcherOrder) PriorityFeeOrPrice() uint64 { return o.data.Price }

func (o *ComposableSearcherOrder) EffectiveTip(baseFee uint64) uint64 {
	return effectiveTipFlat(o.data.Price, baseFee)
}

func (o *ComposableSearcherOrder) EncodedLength() int {
	o.seal()
	return o.meta.encLen
}

func (o *ComposableSearcherOrder) Size() int {
	return orderBaseSize + len(o.data.Input) +
		accessListSize(o.data.Access) +
		accessListSize(o.data.PreHookAccess) +
		accessListSize(o.data.PostHookAccess)
}

func (o *ComposableSearcherOrder) LVRBid() uint64                 { return o.data.Bid }
func (o *ComposableSearcherOrder) BidProportion() uint64          { return o.data.BidProportion }
func (o *ComposableSearcherOrder) PoolPricePostArbitrage() uint64 { return o.data.PoolPrice }

func (o *ComposableSearcherOrder) CoinbaseTip() *uint256.Int { return o.data.CoinbaseTip.Int() }

func (o *ComposableSearcherOrder) PreHookAccessList() AccessList  { return o.data.PreHookAccess }
func (o *ComposableSearcherOrder) PostHookAccessList() AccessList { return o.data.PostHookAccess }
