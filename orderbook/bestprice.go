package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

// snapshotTable holds the authoritative per-contract best-price snapshots.
// The cache mirrors it for lookups but carries a TTL; the table does not, so
// change detection never false-positives after a cache eviction.
type snapshotTable struct {
	mu   sync.Mutex
	best map[string]types.BestPrices
}

func newSnapshotTable() *snapshotTable {
	return &snapshotTable{best: make(map[string]types.BestPrices)}
}

// swap stores next and returns the previous snapshot.
func (t *snapshotTable) swap(contract string, next types.BestPrices) types.BestPrices {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.best[contract]
	t.best[contract] = next
	return prev
}

func (t *snapshotTable) get(contract string) types.BestPrices {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.best[contract]
}

// RefreshContract recomputes the contract's book projection and best-price
// snapshot after a mutation. The cache is always refreshed; a
// market:price_changed event is published only when either best price actually
// moved.
func (s *Service) RefreshContract(ctx context.Context, contract string) (types.BestPrices, bool) {
	bids, offers, err := s.store.ActiveOrders(ctx, contract)
	if err != nil {
		s.log.Warn("book refresh failed", zap.String("contract", contract), zap.Error(err))
		return s.snapshots.get(contract), false
	}

	book := make([]*types.Order, 0, len(bids)+len(offers))
	book = append(book, bids...)
	book = append(book, offers...)
	s.cache.SetOrderBook(contract, book)

	var next types.BestPrices
	if len(bids) > 0 {
		p := bids[0].Price
		next.BestBid = &p
	}
	if len(offers) > 0 {
		p := offers[0].Price
		next.BestOffer = &p
	}

	prev := s.snapshots.swap(contract, next)
	s.cache.SetBestPrices(contract, next)

	if next.Equal(prev) {
		return next, false
	}

	s.cache.Publish(types.EventPriceChanged, types.PriceChangeEvent{
		Contract:          contract,
		BestBid:           next.BestBid,
		BestOffer:         next.BestOffer,
		PreviousBestBid:   prev.BestBid,
		PreviousBestOffer: prev.BestOffer,
		BidChanged:        !eqDec(next.BestBid, prev.BestBid),
		OfferChanged:      !eqDec(next.BestOffer, prev.BestOffer),
		Timestamp:         time.Now().UTC(),
	})
	return next, true
}

// BestPrices returns the current snapshot for a contract.
func (s *Service) BestPrices(contract string) types.BestPrices {
	return s.snapshots.get(contract)
}

func eqDec(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
