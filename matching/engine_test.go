package matching

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/cache"
	"github.com/openalpha/commodex/orderbook"
	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

type sinkMsg struct {
	to   string
	text string
}

// captureSink records outbound messages for assertions.
type captureSink struct {
	mu   sync.Mutex
	msgs []sinkMsg
}

func (s *captureSink) Send(_ context.Context, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sinkMsg{to: recipient, text: text})
	return nil
}

func (s *captureSink) sentTo(recipient string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if m.to == recipient {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *captureSink) reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Interval:            time.Hour, // periodic loop unused in tests
		PassBudget:          16,
		CommissionRate:      decimal.NewFromFloat(0.001),
		ConfirmDeadline:     time.Minute,
		NegotiationDeadline: time.Minute,
		SpreadAlertCap:      decimal.NewFromFloat(0.05),
		MirrorTTL:           time.Millisecond, // always fresh from the store
		SinkTimeout:         time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *orderbook.Service, *store.Store, *cache.MarketCache, *captureSink) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	st, err := store.OpenMemory(name, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mc := cache.New(zap.NewNop())
	t.Cleanup(func() { mc.Bus().Close() })

	books := orderbook.NewService(st, mc, orderbook.DefaultConfig(), zap.NewNop())
	sink := &captureSink{}
	engine := New(st, mc, books, sink, cfg, zap.NewNop())
	books.SetMatcher(engine)

	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.CreateUser(ctx, &store.User{
			ID: id, Handle: id, MessagingID: "msg-" + id, CreatedAt: time.Now().UTC(),
		}))
	}
	return engine, books, st, mc, sink
}

func placeOrder(t *testing.T, books *orderbook.Service, owner, side, price string, qty int64) *types.Order {
	t.Helper()
	order, err := books.CreateOrder(context.Background(), owner, orderbook.CreateRequest{
		Side:      side,
		Price:     decimal.RequireFromString(price),
		MonthYear: "jan26",
		Product:   "silver",
		Qty:       qty,
	})
	require.NoError(t, err)
	return order
}

func drainUntil(t *testing.T, sub *cache.Subscription, want types.EventType) types.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-sub.C:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("event %s never published", want)
		}
	}
}

func TestMatchEqualQuantities(t *testing.T) {
	engine, books, st, mc, sink := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventTradeExecuted, types.EventOrderFilled)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 100)
	offer := placeOrder(t, books, "bob", "OFFER", "24.50", 100)

	engine.matchContract(ctx, "jan26-silver")

	env := drainUntil(t, sub, types.EventTradeExecuted)
	ev := env.Data.(types.TradeEvent)
	require.Equal(t, types.MatchFull, ev.Kind)
	require.True(t, ev.Trade.Price.Equal(decimal.RequireFromString("24.50")),
		"trade must settle at the offer price")
	require.Equal(t, int64(100), ev.Trade.Qty)
	require.Equal(t, "alice", ev.Trade.Buyer)
	require.Equal(t, "bob", ev.Trade.Seller)

	for _, id := range []string{bid.ID, offer.ID} {
		o, err := st.GetOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.OrderStatusMatched, o.Status)
	}

	require.NotEmpty(t, sink.sentTo("alice"))
	require.NotEmpty(t, sink.sentTo("bob"))
}

func TestMatchPriceNotCrossed(t *testing.T) {
	engine, books, st, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	placeOrder(t, books, "alice", "BID", "20.00", 100)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades, "wide spread must not trade")
}

func TestSelfTradeAvoidance(t *testing.T) {
	engine, books, st, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	// Alice holds both the best bid and the best offer. Bob's worse-priced
	// offer is the next-best counterparty.
	placeOrder(t, books, "alice", "BID", "25.00", 100)
	placeOrder(t, books, "alice", "OFFER", "24.00", 100)
	bobOffer := placeOrder(t, books, "bob", "OFFER", "24.50", 100)

	engine.matchContract(ctx, "jan26-silver")

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "bob", trades[0].Seller)
	require.Equal(t, bobOffer.ID, trades[0].SellerOrder)
	require.True(t, trades[0].Price.Equal(decimal.RequireFromString("24.50")))

	// Alice's own offer is untouched.
	o, err := st.GetOrder(ctx, bobOffer.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusMatched, o.Status)
}

func TestQuantityMismatchOpensConfirmation(t *testing.T) {
	engine, books, st, mc, sink := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	offer := placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")

	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)
	require.Equal(t, "alice", req.Recipient, "the smaller party answers")
	require.Equal(t, bid.ID, req.YourOrderID)
	require.Equal(t, offer.ID, req.CounterpartyOrderID)
	require.Equal(t, int64(40), req.YourQty)
	require.Equal(t, int64(100), req.CounterpartyQty)
	require.Equal(t, int64(60), req.AdditionalQty)
	require.Equal(t, "BUY", req.Side)

	// No trade yet.
	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades)

	// Exactly one ask over the messaging channel, with reply instructions.
	msgs := sink.sentTo("alice")
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "YES "+bid.ID[:8])

	// A second pass must not re-ask while the confirmation is pending.
	sink.reset()
	engine.matchContract(ctx, "jan26-silver")
	require.Empty(t, sink.sentTo("alice"))
}

func TestConfirmationAcceptLifts(t *testing.T) {
	engine, books, st, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest, types.EventTradeExecuted)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)

	// Accept without a counter quantity: lift to the larger amount.
	require.NoError(t, engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
	}))

	tradeEnv := drainUntil(t, sub, types.EventTradeExecuted)
	ev := tradeEnv.Data.(types.TradeEvent)
	require.Equal(t, int64(100), ev.Trade.Qty)
	require.Equal(t, types.MatchFull, ev.Kind)

	o, err := st.GetOrder(ctx, bid.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), o.OriginalQty, "bid lifted to the larger quantity")
	require.Equal(t, types.OrderStatusMatched, o.Status)
}

func TestConfirmationAcceptAtOwnQuantity(t *testing.T) {
	engine, books, st, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest, types.EventTradeExecuted)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	offer := placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)

	// Accept but keep the original quantity: trade 40, the offer stays open.
	require.NoError(t, engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
		NewQty:          40,
	}))

	tradeEnv := drainUntil(t, sub, types.EventTradeExecuted)
	ev := tradeEnv.Data.(types.TradeEvent)
	require.Equal(t, int64(40), ev.Trade.Qty)
	require.Equal(t, types.MatchPartialBuyer, ev.Kind)

	bidRow, err := st.GetOrder(ctx, bid.ID)
	require.NoError(t, err)
	require.Equal(t, int64(40), bidRow.OriginalQty)
	require.Equal(t, types.OrderStatusMatched, bidRow.Status)

	offerRow, err := st.GetOrder(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusActive, offerRow.Status)
	require.Equal(t, int64(60), offerRow.RemainingQty)
}

func TestConfirmationDecline(t *testing.T) {
	engine, books, st, mc, sink := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64,
		types.EventConfirmationRequest,
		types.EventPartialFillDeclined,
		types.EventCounterpartyDeclined)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	offer := placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)
	sink.reset()

	require.NoError(t, engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        false,
	}))

	declined := drainUntil(t, sub, types.EventPartialFillDeclined)
	require.Equal(t, "alice", declined.Data.(types.ConfirmationOutcome).Recipient)
	counter := drainUntil(t, sub, types.EventCounterpartyDeclined)
	require.Equal(t, "bob", counter.Data.(types.ConfirmationOutcome).Recipient)

	// No trade, both orders stay active.
	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades)
	for _, id := range []string{bid.ID, offer.ID} {
		o, err := st.GetOrder(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.OrderStatusActive, o.Status)
	}
	require.NotEmpty(t, sink.sentTo("alice"))
	require.NotEmpty(t, sink.sentTo("bob"))

	// The declined pair is not re-asked.
	sink.reset()
	engine.matchContract(ctx, "jan26-silver")
	require.Empty(t, sink.msgs)

	// A material change to either order clears the block: the pair becomes
	// matchable again.
	engine.clearPairState(bid.ID)
	engine.matchContract(ctx, "jan26-silver")
	require.NotEmpty(t, sink.sentTo("alice"))
}

func TestConfirmationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmDeadline = 50 * time.Millisecond
	engine, books, st, mc, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64,
		types.EventConfirmationRequest,
		types.EventPartialFillDeclined)
	defer sub.Cancel()

	placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)

	// Let the deadline fire.
	drainUntil(t, sub, types.EventPartialFillDeclined)

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades, "timeout must not trade")

	// A late answer is rejected.
	err = engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
	})
	require.ErrorIs(t, err, types.ErrConfirmationNotFound)
}

func TestConfirmationWrongUser(t *testing.T) {
	engine, books, _, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest)
	defer sub.Cancel()

	placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)

	err := engine.HandleConfirmationResponse(ctx, "bob", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
	})
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestNegotiationRound(t *testing.T) {
	engine, books, st, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64,
		types.EventConfirmationRequest,
		types.EventNegotiationYourTurn,
		types.EventTradeExecuted)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	offer := placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	env := drainUntil(t, sub, types.EventConfirmationRequest)
	req := env.Data.(types.ConfirmationRequest)

	// Alice counters between the two quantities.
	require.NoError(t, engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
		NewQty:          70,
	}))

	turnEnv := drainUntil(t, sub, types.EventNegotiationYourTurn)
	turn := turnEnv.Data.(types.NegotiationTurn)
	require.Equal(t, "bob", turn.Recipient, "the larger party answers the counter")
	require.Equal(t, int64(70), turn.CounterQty)

	// Bob accepts the counter: trade 70 lots.
	require.NoError(t, engine.HandleNegotiationResponse(ctx, "bob", types.NegotiationResponse{
		NegotiationKey: turn.NegotiationKey,
		Accepted:       true,
	}))

	tradeEnv := drainUntil(t, sub, types.EventTradeExecuted)
	ev := tradeEnv.Data.(types.TradeEvent)
	require.Equal(t, int64(70), ev.Trade.Qty)

	bidRow, err := st.GetOrder(ctx, bid.ID)
	require.NoError(t, err)
	require.Equal(t, int64(70), bidRow.OriginalQty, "bid lifted to the counter quantity")
	require.Equal(t, types.OrderStatusMatched, bidRow.Status)

	offerRow, err := st.GetOrder(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30), offerRow.RemainingQty)
	require.Equal(t, types.OrderStatusActive, offerRow.Status)
}

func TestNegotiationDecline(t *testing.T) {
	engine, books, st, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64,
		types.EventConfirmationRequest,
		types.EventNegotiationYourTurn,
		types.EventCounterpartyDeclined)
	defer sub.Cancel()

	placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	req := drainUntil(t, sub, types.EventConfirmationRequest).Data.(types.ConfirmationRequest)

	require.NoError(t, engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
		NewQty:          70,
	}))
	turn := drainUntil(t, sub, types.EventNegotiationYourTurn).Data.(types.NegotiationTurn)

	require.NoError(t, engine.HandleNegotiationResponse(ctx, "bob", types.NegotiationResponse{
		NegotiationKey: turn.NegotiationKey,
		Accepted:       false,
	}))

	drainUntil(t, sub, types.EventCounterpartyDeclined)
	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestConfirmationRejectsOutOfRangeQty(t *testing.T) {
	engine, books, _, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest)
	defer sub.Cancel()

	placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	req := drainUntil(t, sub, types.EventConfirmationRequest).Data.(types.ConfirmationRequest)

	for _, qty := range []int64{10, 150} {
		err := engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
			ConfirmationKey: req.ConfirmationKey,
			Accepted:        true,
			NewQty:          qty,
		})
		require.ErrorIs(t, err, types.ErrInvalidInput)
	}

	// The confirmation survives invalid answers.
	err := engine.HandleConfirmationResponse(ctx, "alice", types.ConfirmationResponse{
		ConfirmationKey: req.ConfirmationKey,
		Accepted:        true,
	})
	require.NoError(t, err)
}

func TestInboundTextReplies(t *testing.T) {
	engine, books, st, mc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventConfirmationRequest, types.EventTradeExecuted)
	defer sub.Cancel()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 40)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	drainUntil(t, sub, types.EventConfirmationRequest)

	// Garbage replies are rejected without side effects.
	require.ErrorIs(t, engine.HandleInboundText(ctx, "msg-alice", "maybe later"),
		types.ErrInvalidInput)
	// Too-short prefix does not parse.
	require.ErrorIs(t, engine.HandleInboundText(ctx, "msg-alice", "YES "+bid.ID[:4]),
		types.ErrInvalidInput)
	// Unknown sender.
	require.Error(t, engine.HandleInboundText(ctx, "msg-nobody", "YES "+bid.ID[:8]))
	// Wrong user's prefix finds nothing.
	require.ErrorIs(t, engine.HandleInboundText(ctx, "msg-carol", "YES "+bid.ID[:8]),
		types.ErrConfirmationNotFound)

	// The owner's YES executes the lift.
	require.NoError(t, engine.HandleInboundText(ctx, "msg-alice", "YES "+bid.ID[:8]))
	ev := drainUntil(t, sub, types.EventTradeExecuted).Data.(types.TradeEvent)
	require.Equal(t, int64(100), ev.Trade.Qty)

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestSpreadAlert(t *testing.T) {
	engine, books, _, mc, sink := newTestEngine(t, testConfig())
	ctx := context.Background()

	sub := mc.Bus().Subscribe(64, types.EventMarketUpdate)
	defer sub.Cancel()

	// 24.00 bid vs 25.00 offer: ~4.2% spread, inside the 5% cap.
	placeOrder(t, books, "alice", "BID", "24.00", 100)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := drainUntil(t, sub, types.EventMarketUpdate)
		alert := env.Data.(types.MarketAlert)
		seen[alert.Recipient] = true
	}
	require.True(t, seen["alice"] && seen["bob"], "both best-price holders are alerted")
	require.NotEmpty(t, sink.sentTo("alice"))
	require.NotEmpty(t, sink.sentTo("bob"))

	// Same prices, second pass: throttled.
	sink.reset()
	engine.matchContract(ctx, "jan26-silver")
	require.Empty(t, sink.msgs)
}

func TestSpreadAlertCapSilence(t *testing.T) {
	engine, books, _, _, sink := newTestEngine(t, testConfig())
	ctx := context.Background()

	// 20.00 bid vs 25.00 offer: 25% spread, no alert.
	placeOrder(t, books, "alice", "BID", "20.00", 100)
	placeOrder(t, books, "bob", "OFFER", "25.00", 100)

	engine.matchContract(ctx, "jan26-silver")
	require.Empty(t, sink.msgs)
}

func TestRunPassExpiresAndMatches(t *testing.T) {
	cfg := testConfig()
	engine, books, st, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	bid := placeOrder(t, books, "alice", "BID", "25.00", 100)
	placeOrder(t, books, "bob", "OFFER", "24.00", 100)

	// An overdue third order is swept before matching.
	stale := placeOrder(t, books, "carol", "BID", "10.00", 5)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.UpdateOrder(ctx, stale))

	engine.runPass(ctx)

	staleRow, err := st.GetOrder(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusExpired, staleRow.Status)

	bidRow, err := st.GetOrder(ctx, bid.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusMatched, bidRow.Status)
}

func TestSelectPair(t *testing.T) {
	mk := func(id, owner string) *types.Order {
		return &types.Order{ID: id, Owner: owner}
	}

	// All pairings self-trade: nothing to match.
	bid, offer := selectPair([]*types.Order{mk("b1", "alice")}, []*types.Order{mk("o1", "alice")})
	require.Nil(t, bid)
	require.Nil(t, offer)

	// The best bid pairs with the first offer from another owner.
	bid, offer = selectPair(
		[]*types.Order{mk("b1", "alice"), mk("b2", "bob")},
		[]*types.Order{mk("o1", "alice"), mk("o2", "carol")},
	)
	require.Equal(t, "b1", bid.ID)
	require.Equal(t, "o2", offer.ID)
}

func TestImmediatePassSeesNewOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MirrorTTL = time.Hour // the cached book must be invalidated, not aged out
	engine, books, st, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	placeOrder(t, books, "bob", "OFFER", "24.50", 100)
	engine.matchContract(ctx, "jan26-silver") // caches the one-sided book

	placeOrder(t, books, "alice", "BID", "25.00", 100)
	engine.matchContract(ctx, "jan26-silver")

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "a crossing order placed after a pass must match on the next pass")
}

func TestZeroCommissionRate(t *testing.T) {
	cfg := testConfig()
	cfg.CommissionRate = decimal.Zero
	engine, books, st, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	require.True(t, engine.cfg.CommissionRate.IsZero(),
		"an explicit zero rate must survive default application")

	placeOrder(t, books, "alice", "BID", "25.00", 100)
	placeOrder(t, books, "bob", "OFFER", "24.50", 100)

	engine.matchContract(ctx, "jan26-silver")

	trades, err := st.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Commission.IsZero(),
		"zero-rate venue must not charge commission, got %s", trades[0].Commission)
}
