package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

// bookMirror is a short-TTL in-memory mirror of active orders per contract,
// indexed by price-time priority. It serves pair selection only; trade
// execution always re-reads order rows inside the store transaction. Every
// write path invalidates the mirror explicitly.
type bookMirror struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*mirrorEntry
}

type mirrorEntry struct {
	fetched time.Time
	bids    *btree.BTreeG[*types.Order]
	offers  *btree.BTreeG[*types.Order]
}

func newBookMirror(ttl time.Duration) *bookMirror {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &bookMirror{
		ttl:     ttl,
		entries: make(map[string]*mirrorEntry),
	}
}

// bidLess orders bids best-first: highest price, then oldest, then id for a
// total order.
func bidLess(a, b *types.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// offerLess orders offers best-first: lowest price, then oldest, then id.
func offerLess(a, b *types.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// snapshot returns the contract's active orders in priority order, refreshing
// from the store when the mirror entry is missing or stale.
func (m *bookMirror) snapshot(ctx context.Context, st *store.Store, contract string) (bids, offers []*types.Order, err error) {
	m.mu.Lock()
	entry, ok := m.entries[contract]
	if ok && time.Since(entry.fetched) <= m.ttl {
		bids, offers = flatten(entry)
		m.mu.Unlock()
		return bids, offers, nil
	}
	m.mu.Unlock()

	freshBids, freshOffers, err := st.ActiveOrders(ctx, contract)
	if err != nil {
		return nil, nil, err
	}

	entry = &mirrorEntry{
		fetched: time.Now(),
		bids:    btree.NewG(8, bidLess),
		offers:  btree.NewG(8, offerLess),
	}
	for _, o := range freshBids {
		entry.bids.ReplaceOrInsert(o)
	}
	for _, o := range freshOffers {
		entry.offers.ReplaceOrInsert(o)
	}

	m.mu.Lock()
	m.entries[contract] = entry
	bids, offers = flatten(entry)
	m.mu.Unlock()
	return bids, offers, nil
}

func flatten(e *mirrorEntry) (bids, offers []*types.Order) {
	bids = make([]*types.Order, 0, e.bids.Len())
	e.bids.Ascend(func(o *types.Order) bool {
		bids = append(bids, o)
		return true
	})
	offers = make([]*types.Order, 0, e.offers.Len())
	e.offers.Ascend(func(o *types.Order) bool {
		offers = append(offers, o)
		return true
	})
	return bids, offers
}

// invalidate drops the contract's mirror entry.
func (m *bookMirror) invalidate(contract string) {
	m.mu.Lock()
	delete(m.entries, contract)
	m.mu.Unlock()
}
