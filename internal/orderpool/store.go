package orderpool

import (
	"bytes"
	"sort"

	"github.com/google/btree"

	"github.com/ordermesh/ordermesh/types"
)

// senderNonceKey orders pooled orders by (sender, nonce) so a sender's orders
// can be walked in execution order.
type senderNonceKey struct {
	sender types.Address
	nonce  uint64
	order  *ValidOrder // nil for probe keys
}

func (k *senderNonceKey) Less(item btree.Item) bool {
	o := item.(*senderNonceKey)
	if c := bytes.Compare(k.sender[:], o.sender[:]); c != 0 {
		return c < 0
	}
	return k.nonce < o.nonce
}

// sizeTracker accumulates per-tier order counts and byte sizes.
type sizeTracker struct {
	count [3]int
	bytes [3]int64
}

func (s *sizeTracker) add(sub types.SubPool, n int64) {
	s.count[sub]++
	s.bytes[sub] += n
}

func (s *sizeTracker) sub(sub types.SubPool, n int64) {
	s.count[sub]--
	s.bytes[sub] -= n
}

func (s *sizeTracker) snapshot() types.PoolSize {
	return types.PoolSize{
		Pending:      s.count[types.SubPoolPending],
		PendingBytes: s.bytes[types.SubPoolPending],
		BaseFee:      s.count[types.SubPoolBaseFee],
		BaseFeeBytes: s.bytes[types.SubPoolBaseFee],
		Queued:       s.count[types.SubPoolQueued],
		QueuedBytes:  s.bytes[types.SubPoolQueued],
		Total:        s.count[0] + s.count[1] + s.count[2],
		TotalBytes:   s.bytes[0] + s.bytes[1] + s.bytes[2],
	}
}

// orderStore indexes pooled orders by hash and by (sender, nonce). It is not
// safe for concurrent use; the pool serializes access under its own lock.
type orderStore struct {
	hashes  map[types.Hash]*ValidOrder
	senders *btree.BTree
	size    sizeTracker
}

func newOrderStore() *orderStore {
	return &orderStore{
		hashes:  make(map[types.Hash]*ValidOrder),
		senders: btree.New(2),
	}
}

func (s *orderStore) len() int { return len(s.hashes) }

func (s *orderStore) totalBytes() int64 {
	return s.size.bytes[0] + s.size.bytes[1] + s.size.bytes[2]
}

func (s *orderStore) get(hash types.Hash) *ValidOrder {
	return s.hashes[hash]
}

func (s *orderStore) has(hash types.Hash) bool {
	_, ok := s.hashes[hash]
	return ok
}

// bySenderNonce returns the pooled order occupying the given sender+nonce
// slot, if any.
func (s *orderStore) bySenderNonce(sender types.Address, nonce uint64) *ValidOrder {
	item := s.senders.Get(&senderNonceKey{sender: sender, nonce: nonce})
	if item == nil {
		return nil
	}
	return item.(*senderNonceKey).order
}

func (s *orderStore) insert(vo *ValidOrder) {
	s.hashes[vo.Hash()] = vo
	s.senders.ReplaceOrInsert(&senderNonceKey{
		sender: vo.Sender(),
		nonce:  vo.Nonce(),
		order:  vo,
	})
	s.size.add(vo.subPool, int64(vo.encodedLen))
}

func (s *orderStore) remove(vo *ValidOrder) {
	if _, ok := s.hashes[vo.Hash()]; !ok {
		return
	}
	delete(s.hashes, vo.Hash())
	s.senders.Delete(&senderNonceKey{sender: vo.Sender(), nonce: vo.Nonce()})
	s.size.sub(vo.subPool, int64(vo.encodedLen))
}

// retier moves an order between sub-pools, keeping the size accounting
// consistent.
func (s *orderStore) retier(vo *ValidOrder, sub types.SubPool) {
	if vo.subPool == sub {
		return
	}
	s.size.sub(vo.subPool, int64(vo.encodedLen))
	vo.subPool = sub
	s.size.add(sub, int64(vo.encodedLen))
}

// bySenderFrom returns the sender's pooled orders with nonce >= from, in
// ascending nonce order.
func (s *orderStore) bySenderFrom(sender types.Address, from uint64) []*ValidOrder {
	var out []*ValidOrder
	s.senders.AscendGreaterOrEqual(&senderNonceKey{sender: sender, nonce: from}, func(item btree.Item) bool {
		k := item.(*senderNonceKey)
		if k.sender != sender {
			return false
		}
		out = append(out, k.order)
		return true
	})
	return out
}

// bySender returns all of the sender's pooled orders in ascending nonce order.
func (s *orderStore) bySender(sender types.Address) []*ValidOrder {
	return s.bySenderFrom(sender, 0)
}

// uniqueSenders returns the set of senders with at least one pooled order.
func (s *orderStore) uniqueSenders() []types.Address {
	var (
		out  []types.Address
		last types.Address
		any  bool
	)
	s.senders.Ascend(func(item btree.Item) bool {
		k := item.(*senderNonceKey)
		if !any || k.sender != last {
			out = append(out, k.sender)
			last = k.sender
			any = true
		}
		return true
	})
	return out
}

// all returns every pooled order in admission order.
func (s *orderStore) all() []*ValidOrder {
	out := make([]*ValidOrder, 0, len(s.hashes))
	for _, vo := range s.hashes {
		out = append(out, vo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// allInSubPool returns every order in the given tier, in admission order.
func (s *orderStore) allInSubPool(sub types.SubPool) []*ValidOrder {
	out := make([]*ValidOrder, 0, s.size.count[sub])
	for _, vo := range s.hashes {
		if vo.subPool == sub {
			out = append(out, vo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
