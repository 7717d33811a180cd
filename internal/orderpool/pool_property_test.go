package orderpool

import (
	"testing"

	"github.com/holiman/uint256"
	"pgregory.net/rapid"

	"github.com/ordermesh/ordermesh/config"
	"github.com/ordermesh/ordermesh/libs/log"
	"github.com/ordermesh/ordermesh/types"
)

// TestPoolPartitionInvariant drives the pool with random admissions, mined
// blocks and account updates, checking after every step that the three-way
// partition reconciles: every order in exactly one tier, counts and bytes
// summing to the totals.
func TestPoolPartitionInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := config.DefaultPoolConfig()
		cfg.MaxOrders = 64
		pool := NewOrderPool(log.NewNopLogger(), cfg)

		var blockNum uint64

		steps := rapid.IntRange(1, 60).Draw(rt, "steps").(int)
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op").(int) {
			case 0, 1: // admit
				sender := byte(rapid.IntRange(1, 4).Draw(rt, "sender").(int))
				nonce := uint64(rapid.IntRange(0, 6).Draw(rt, "nonce").(int))
				tip := uint64(rapid.IntRange(0, 20).Draw(rt, "tip").(int))
				order := limitOrder(sender, nonce, 100, tip)
				_, _ = pool.AddOrder(types.OriginLocal, order)

			case 2: // mine a block over some pooled orders
				var mined []types.Hash
				for _, vo := range pool.PooledOrders(0) {
					if rapid.Bool().Draw(rt, "mine").(bool) {
						mined = append(mined, vo.Hash())
					}
					if len(mined) == 3 {
						break
					}
				}
				blockNum++
				update := &types.CanonicalStateUpdate{
					NewTip: types.BlockRef{
						Hash:       blockHash(blockNum),
						ParentHash: pool.BlockInfo().LastSeenHash,
						Number:     blockNum,
					},
					PendingBaseFee:   uint64(rapid.IntRange(0, 30).Draw(rt, "basefee").(int)),
					MinedOrderHashes: mined,
				}
				if err := pool.OnCanonicalStateChange(update); err != nil {
					rt.Fatalf("chained update rejected: %v", err)
				}

			case 3: // account delta
				sender := byte(rapid.IntRange(1, 4).Draw(rt, "acct-sender").(int))
				pool.UpdateAccounts([]types.ChangedAccount{{
					Address: testAddr(sender),
					Nonce:   uint64(rapid.IntRange(0, 6).Draw(rt, "acct-nonce").(int)),
					Balance: uint256.NewInt(1 << 40),
				}})
			}

			checkPartition(rt, pool)
		}
	})
}

func blockHash(n uint64) types.Hash {
	var h types.Hash
	h[0] = 0xb1
	h[1] = byte(n)
	h[2] = byte(n >> 8)
	return h
}

func checkPartition(rt *rapid.T, pool *OrderPool) {
	sz := pool.SizeStats()
	if sz.Total != sz.Pending+sz.BaseFee+sz.Queued {
		rt.Fatalf("count partition broken: %+v", sz)
	}
	if sz.TotalBytes != sz.PendingBytes+sz.BaseFeeBytes+sz.QueuedBytes {
		rt.Fatalf("byte partition broken: %+v", sz)
	}

	pending, queued := pool.AllOrders()
	if got := len(pending) + len(queued); got != sz.Total {
		rt.Fatalf("enumerated %d orders, size reports %d", got, sz.Total)
	}

	seen := make(map[types.Hash]struct{}, sz.Total)
	for _, vo := range append(pending, queued...) {
		if _, dup := seen[vo.Hash()]; dup {
			rt.Fatalf("order %s enumerated in two tiers", vo.Hash())
		}
		seen[vo.Hash()] = struct{}{}
	}
}
