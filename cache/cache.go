// Package cache holds the process-wide market cache: a TTL key-value store of
// per-contract order-book projections and best-price snapshots, plus the
// publish/subscribe bus for intra-process events. The cache is best-effort
// only; the persistent store remains the source of truth and every read miss
// falls back to it.
package cache

import (
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

const (
	bookTTL = time.Hour
	flagTTL = 5 * time.Minute
)

// MarketCache is safe for concurrent use. Values are JSON-encoded so the
// layout matches what an external cache (or a debugging dump) would hold.
type MarketCache struct {
	kv  *gocache.Cache
	bus *Bus
	log *zap.Logger
}

// New creates an empty market cache with its own event bus.
func New(log *zap.Logger) *MarketCache {
	return &MarketCache{
		kv:  gocache.New(bookTTL, 10*time.Minute),
		bus: NewBus(log),
		log: log,
	}
}

// Bus returns the cache's publish/subscribe bus.
func (c *MarketCache) Bus() *Bus { return c.bus }

// Publish stamps and publishes an event on the bus.
func (c *MarketCache) Publish(t types.EventType, data interface{}) {
	c.bus.Publish(types.NewEnvelope(t, data))
}

func bookKey(contract string) string      { return "orderbook:" + contract }
func bestBidKey(contract string) string   { return "market:" + contract + ":best_bid" }
func bestOfferKey(contract string) string { return "market:" + contract + ":best_offer" }

const (
	keyHasActiveOrders = "matching:has_active_orders"
	keyLastRun         = "matching:last_run"
)

func (c *MarketCache) setJSON(key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.kv.Set(key, data, ttl)
}

func (c *MarketCache) getJSON(key string, v interface{}) bool {
	raw, ok := c.kv.Get(key)
	if !ok {
		return false
	}
	data, ok := raw.([]byte)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn("cache decode failed", zap.String("key", key), zap.Error(err))
		c.kv.Delete(key)
		return false
	}
	return true
}

// SetOrderBook caches the active-order projection for a contract.
func (c *MarketCache) SetOrderBook(contract string, orders []*types.Order) {
	c.setJSON(bookKey(contract), orders, bookTTL)
}

// GetOrderBook returns the cached projection, if present.
func (c *MarketCache) GetOrderBook(contract string) ([]*types.Order, bool) {
	var orders []*types.Order
	if !c.getJSON(bookKey(contract), &orders) {
		return nil, false
	}
	return orders, true
}

// InvalidateOrderBook drops the projection after any write to the contract.
func (c *MarketCache) InvalidateOrderBook(contract string) {
	c.kv.Delete(bookKey(contract))
}

// SetBestPrices caches the best-price snapshot for a contract. An absent side
// clears its key so lookups never see a stale price.
func (c *MarketCache) SetBestPrices(contract string, bp types.BestPrices) {
	if bp.BestBid != nil {
		c.setJSON(bestBidKey(contract), bp.BestBid, bookTTL)
	} else {
		c.kv.Delete(bestBidKey(contract))
	}
	if bp.BestOffer != nil {
		c.setJSON(bestOfferKey(contract), bp.BestOffer, bookTTL)
	} else {
		c.kv.Delete(bestOfferKey(contract))
	}
}

// GetBestPrices returns the cached snapshot. ok is false when neither side is
// cached, in which case the caller falls back to the store.
func (c *MarketCache) GetBestPrices(contract string) (types.BestPrices, bool) {
	var bp types.BestPrices
	okBid := c.getJSON(bestBidKey(contract), &bp.BestBid)
	okOffer := c.getJSON(bestOfferKey(contract), &bp.BestOffer)
	return bp, okBid || okOffer
}

// SetHasActiveOrders caches the venue-wide "anything to match" flag.
func (c *MarketCache) SetHasActiveOrders(v bool) {
	c.setJSON(keyHasActiveOrders, v, flagTTL)
}

// HasActiveOrders returns the cached flag; ok is false when expired.
func (c *MarketCache) HasActiveOrders() (value, ok bool) {
	var v bool
	if !c.getJSON(keyHasActiveOrders, &v) {
		return false, false
	}
	return v, true
}

// SetLastRun records when the matching loop last completed a pass.
func (c *MarketCache) SetLastRun(t time.Time) {
	c.setJSON(keyLastRun, t, flagTTL)
}

// LastRun returns the last completed pass time, used only by health checks.
func (c *MarketCache) LastRun() (time.Time, bool) {
	var t time.Time
	if !c.getJSON(keyLastRun, &t) {
		return time.Time{}, false
	}
	return t, true
}
