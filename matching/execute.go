package matching

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

// executeLocked commits one trade and fans out its consequences. The caller
// holds the contract lock; the store transaction re-validates both orders so
// a stale mirror can only cause a rejected commit, never a bad trade.
func (e *Engine) executeLocked(ctx context.Context, contract, bidID, offerID, liftID string, liftQty int64) error {
	trade, bid, offer, err := e.store.ExecuteTrade(ctx, store.TradeParams{
		BidID:          bidID,
		OfferID:        offerID,
		CommissionRate: e.cfg.CommissionRate,
		LiftOrderID:    liftID,
		LiftQty:        liftQty,
	})
	if err != nil {
		e.mirror.invalidate(contract)
		return err
	}

	e.mirror.invalidate(contract)
	e.alerts.reset(contract)
	e.clearPairState(bid.ID)
	e.clearPairState(offer.ID)

	e.books.RefreshContract(ctx, contract)
	if has, err := e.store.HasActiveOrders(ctx); err == nil {
		e.cache.SetHasActiveOrders(has)
	}

	kind := classify(bid, offer)
	commission, _ := trade.Commission.Float64()
	e.stats.RecordTrade(contract, string(kind), trade.Qty, commission)

	e.cache.Publish(types.EventTradeExecuted, types.TradeEvent{
		Trade:        trade,
		Kind:         kind,
		BuyerRemain:  bid.RemainingQty,
		SellerRemain: offer.RemainingQty,
	})
	e.publishFill(bid)
	e.publishFill(offer)

	e.notifyFill(ctx, trade, bid)
	e.notifyFill(ctx, trade, offer)

	e.log.Info("trade executed",
		zap.String("trade_id", trade.ID),
		zap.String("contract", contract),
		zap.String("price", trade.Price.String()),
		zap.Int64("qty", trade.Qty),
		zap.String("kind", string(kind)),
		zap.String("commission", trade.Commission.String()))
	return nil
}

// classify tags the trade by which side, if any, still has quantity open.
func classify(bid, offer *types.Order) types.MatchKind {
	switch {
	case bid.RemainingQty == 0 && offer.RemainingQty == 0:
		return types.MatchFull
	case offer.RemainingQty > 0:
		return types.MatchPartialBuyer
	default:
		return types.MatchPartialSeller
	}
}

// publishFill emits the per-order consequence of a trade: matched always,
// then filled or partial_fill by remaining quantity.
func (e *Engine) publishFill(o *types.Order) {
	e.cache.Publish(types.EventOrderMatched, types.OrderEvent{Order: o})
	if o.RemainingQty == 0 {
		e.cache.Publish(types.EventOrderFilled, types.OrderEvent{Order: o})
		return
	}
	e.cache.Publish(types.EventOrderPartial, types.OrderEvent{Order: o})
}

// notifyFill sends the participant's trade confirmation over the messaging
// channel.
func (e *Engine) notifyFill(ctx context.Context, trade *types.Trade, o *types.Order) {
	verb := "bought"
	if o.Side == types.SideOffer {
		verb = "sold"
	}
	var tail string
	if o.RemainingQty == 0 {
		tail = fmt.Sprintf("Order %s is fully filled.", shortID(o.ID))
	} else {
		tail = fmt.Sprintf("Order %s has %d lots remaining.", shortID(o.ID), o.RemainingQty)
	}
	text := fmt.Sprintf("Trade executed on %s at %s: you %s %d lots (commission %s). %s",
		trade.Contract, trade.Price, verb, trade.Qty, trade.Commission, tail)
	e.sendText(ctx, o.Owner, text)
}

// Health reports whether the periodic loop has completed a pass recently.
// Used by the HTTP health endpoint.
func (e *Engine) Health() (lastRun time.Time, ok bool) {
	return e.cache.LastRun()
}
