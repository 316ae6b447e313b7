package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

// TestBestPricesRoundTrip tests the best-price keys including side clearing
func TestBestPricesRoundTrip(t *testing.T) {
	c := New(zap.NewNop())

	bid := decimal.RequireFromString("25.00")
	offer := decimal.RequireFromString("25.50")
	c.SetBestPrices("jan26-silver", types.BestPrices{BestBid: &bid, BestOffer: &offer})

	got, ok := c.GetBestPrices("jan26-silver")
	if !ok {
		t.Fatal("expected cached snapshot")
	}
	if got.BestBid == nil || !got.BestBid.Equal(bid) {
		t.Errorf("expected best bid 25.00, got %v", got.BestBid)
	}
	if got.BestOffer == nil || !got.BestOffer.Equal(offer) {
		t.Errorf("expected best offer 25.50, got %v", got.BestOffer)
	}

	// Clearing one side must not leave a stale price behind.
	c.SetBestPrices("jan26-silver", types.BestPrices{BestBid: &bid})
	got, ok = c.GetBestPrices("jan26-silver")
	if !ok {
		t.Fatal("expected cached snapshot")
	}
	if got.BestOffer != nil {
		t.Errorf("offer side should be cleared, got %v", got.BestOffer)
	}
}

// TestOrderBookInvalidate tests projection caching and invalidation
func TestOrderBookInvalidate(t *testing.T) {
	c := New(zap.NewNop())

	if _, ok := c.GetOrderBook("jan26-silver"); ok {
		t.Error("empty cache should miss")
	}

	c.SetOrderBook("jan26-silver", []*types.Order{{ID: "o1"}})
	orders, ok := c.GetOrderBook("jan26-silver")
	if !ok || len(orders) != 1 || orders[0].ID != "o1" {
		t.Fatalf("expected cached projection, got %v, %v", orders, ok)
	}

	c.InvalidateOrderBook("jan26-silver")
	if _, ok := c.GetOrderBook("jan26-silver"); ok {
		t.Error("invalidated projection should miss")
	}
}

// TestHasActiveOrdersFlag tests the matching flag round trip
func TestHasActiveOrdersFlag(t *testing.T) {
	c := New(zap.NewNop())

	if _, ok := c.HasActiveOrders(); ok {
		t.Error("unset flag should report not ok")
	}
	c.SetHasActiveOrders(true)
	v, ok := c.HasActiveOrders()
	if !ok || !v {
		t.Errorf("expected true flag, got %v, %v", v, ok)
	}
	c.SetHasActiveOrders(false)
	v, ok = c.HasActiveOrders()
	if !ok || v {
		t.Errorf("expected false flag, got %v, %v", v, ok)
	}
}

// TestBusFiltering tests that subscribers only see their event types
func TestBusFiltering(t *testing.T) {
	c := New(zap.NewNop())
	defer c.Bus().Close()

	orders := c.Bus().Subscribe(8, types.EventOrderCreated)
	defer orders.Cancel()
	all := c.Bus().Subscribe(8)
	defer all.Cancel()

	c.Publish(types.EventOrderCreated, types.OrderEvent{Order: &types.Order{ID: "o1"}})
	c.Publish(types.EventTradeExecuted, types.TradeEvent{Trade: &types.Trade{ID: "t1"}})

	select {
	case env := <-orders.C:
		if env.Type != types.EventOrderCreated {
			t.Errorf("filtered subscriber got %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber never received the order event")
	}
	select {
	case env := <-orders.C:
		t.Errorf("filtered subscriber should not see %s", env.Type)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.C:
		case <-time.After(time.Second):
			t.Fatalf("unfiltered subscriber received %d of 2 events", i)
		}
	}
}

// TestBusSlowSubscriber tests that a full buffer drops instead of blocking
func TestBusSlowSubscriber(t *testing.T) {
	c := New(zap.NewNop())
	defer c.Bus().Close()

	sub := c.Bus().Subscribe(1, types.EventOrderCreated)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.Publish(types.EventOrderCreated, types.OrderEvent{Order: &types.Order{ID: "o"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
