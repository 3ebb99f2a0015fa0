package core

import (
	"sort"
	"sync"
)

// MempoolParams bounds the in-memory transaction pool. The pool is an
// implementation convenience only — it carries no consensus weight and is
// never consulted when validating a block.
type MempoolParams struct {
	MaxSize int
}

type mempoolEntry struct {
	tx     Transaction
	digest Hash
	owner  Address
}

// Mempool holds transactions the local node has seen but not yet applied in
// a block, keyed by txid, grounded on the pending-tx map shape in
// core/consensus.go's candidate-block assembly. It is safe for concurrent
// use by the HTTP surface, the peer sync loop and the miner.
type Mempool struct {
	params MempoolParams
	mu     sync.Mutex
	byID   map[Hash]mempoolEntry
	order  []Hash // insertion order, for deterministic eviction/iteration
}

// NewMempool constructs an empty Mempool.
func NewMempool(params MempoolParams) *Mempool {
	if params.MaxSize <= 0 {
		params.MaxSize = 10000
	}
	return &Mempool{params: params, byID: make(map[Hash]mempoolEntry)}
}

// Add admits t if id is not already present, evicting the lowest-Amount
// pooled entry once the pool is at capacity to make room: a full mempool
// favors keeping higher-value transactions over older ones.
func (m *Mempool) Add(t Transaction, digest Hash) error {
	owner, err := t.Owner()
	if err != nil {
		return err
	}
	id, err := t.TxID()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[id]; exists {
		return nil
	}
	if len(m.order) >= m.params.MaxSize {
		m.evictLowestLocked()
	}
	m.byID[id] = mempoolEntry{tx: t, digest: digest, owner: owner}
	m.order = append(m.order, id)
	return nil
}

// evictLowestLocked drops the pooled transaction with the smallest Amount,
// breaking ties by insertion order, to free a slot for a new admission.
// Called with mu held.
func (m *Mempool) evictLowestLocked() {
	if len(m.order) == 0 {
		return
	}
	lowest := m.order[0]
	for _, id := range m.order[1:] {
		if m.byID[id].tx.Amount < m.byID[lowest].tx.Amount {
			lowest = id
		}
	}
	m.removeLocked(lowest)
}

// Remove drops id from the pool, a no-op if absent.
func (m *Mempool) Remove(id Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Mempool) removeLocked(id Hash) {
	if _, exists := m.byID[id]; !exists {
		return
	}
	delete(m.byID, id)
	for i, h := range m.order {
		if h == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// RemoveApplied drops every transaction of b from the pool, called by the
// chain engine right after ApplyBlock succeeds. It also purges any other
// pooled transaction from the same senders whose Count the applied block
// has now made stale — an applied spend from a sender invalidates every
// pooled transaction from that sender with Count less than or equal to the
// just-applied one, since the account's committed Count has moved past
// them whether or not they were the ones actually mined.
func (m *Mempool) RemoveApplied(b *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := make(map[Address]uint64)
	for i := range b.Txs {
		t := &b.Txs[i]
		id, err := t.TxID()
		if err != nil {
			continue
		}
		m.removeLocked(id)
		if t.Type != TxSpend {
			continue
		}
		owner, err := t.Owner()
		if err != nil {
			continue
		}
		if cur, seen := highest[owner]; !seen || t.Count > cur {
			highest[owner] = t.Count
		}
	}
	if len(highest) == 0 {
		return
	}
	for _, id := range append([]Hash(nil), m.order...) {
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		if stale, tracked := highest[e.owner]; tracked && e.tx.Count <= stale {
			m.removeLocked(id)
		}
	}
}

// HighestPooledCount returns the largest Count among owner's currently
// pooled spends, and ok=false if owner has none pooled.
func (m *Mempool) HighestPooledCount(owner Address) (highest uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		e, exists := m.byID[id]
		if !exists || e.owner != owner {
			continue
		}
		if !ok || e.tx.Count > highest {
			highest = e.tx.Count
			ok = true
		}
	}
	return highest, ok
}

// Readmit pushes every non-reward transaction of b back into the pool, called by the
// chain engine after a reorg unapplies b: a stashed block's transactions
// are re-admitted so they are not lost to the sender.
func (m *Mempool) Readmit(b *Block) {
	for i := 1; i < len(b.Txs); i++ { // skip the synthetic reward at index 0
		t := b.Txs[i]
		digest, err := t.SignDigest()
		if err != nil {
			continue
		}
		_ = m.Add(t, digest)
	}
}

// Get returns the pooled transaction for id, if present.
func (m *Mempool) Get(id Hash) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return Transaction{}, false
	}
	return e.tx, true
}

// Len reports the current pool size.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// CandidateTxs returns up to limit pooled transactions ordered by
// (owner, Count) — ascending nonce order per sender — so a miner assembling
// a block never orders a sender's transactions out of sequence: each
// sender's spends must apply in strictly increasing Count order.
func (m *Mempool) CandidateTxs(limit int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]mempoolEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.byID[id])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].owner != entries[j].owner {
			return entries[i].owner.String() < entries[j].owner.String()
		}
		return entries[i].tx.Count < entries[j].tx.Count
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.tx
	}
	return out
}

// All returns every pooled transaction, for the HTTP /txs surface.
func (m *Mempool) All() []Transaction {
	return m.CandidateTxs(0)
}
