package matching

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

// alertThrottle caps competitive bidding alerts at one per (contract, order)
// per price-change event. The throttle key is the pair of best prices; when
// either best price moves, the contract's sent set resets and the holders can
// be alerted again.
type alertThrottle struct {
	mu    sync.Mutex
	state map[string]*alertState
}

type alertState struct {
	pair string
	sent map[string]bool // order IDs already alerted at this pair
}

func newAlertThrottle() *alertThrottle {
	return &alertThrottle{state: make(map[string]*alertState)}
}

// allow reports whether an alert for the order may be sent at the current
// best-price pair, and marks it sent.
func (t *alertThrottle) allow(contract, orderID, pair string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[contract]
	if !ok || st.pair != pair {
		st = &alertState{pair: pair, sent: make(map[string]bool)}
		t.state[contract] = st
	}
	if st.sent[orderID] {
		return false
	}
	st.sent[orderID] = true
	return true
}

func (t *alertThrottle) reset(contract string) {
	t.mu.Lock()
	delete(t.state, contract)
	t.mu.Unlock()
}

// maybeAlert sends informational notices to the two best-price holders when
// the book is not crossed but the fractional spread is within the configured
// cap. Alerts are best-effort and never block matching.
func (e *Engine) maybeAlert(ctx context.Context, contract string, bid, offer *types.Order) {
	spread := offer.Price.Sub(bid.Price)
	if !spread.IsPositive() {
		return
	}
	frac := spread.Div(bid.Price)
	if frac.GreaterThan(e.cfg.SpreadAlertCap) {
		return
	}

	pair := bid.Price.String() + "|" + offer.Price.String()

	if e.alerts.allow(contract, bid.ID, pair) {
		alert := types.MarketAlert{
			Recipient:    bid.Owner,
			Contract:     contract,
			YourOrderID:  bid.ID,
			YourPrice:    bid.Price,
			CounterPrice: offer.Price,
			Message: fmt.Sprintf("Best offer on %s is %s, %s above your bid of %s. Raising your bid to %s would trade immediately.",
				contract, offer.Price, spread, bid.Price, offer.Price),
		}
		e.cache.Publish(types.EventMarketUpdate, alert)
		e.sendText(ctx, bid.Owner, alert.Message)
	}

	if e.alerts.allow(contract, offer.ID, pair) {
		alert := types.MarketAlert{
			Recipient:    offer.Owner,
			Contract:     contract,
			YourOrderID:  offer.ID,
			YourPrice:    offer.Price,
			CounterPrice: bid.Price,
			Message: fmt.Sprintf("Best bid on %s is %s, %s below your offer of %s. Lowering your offer to %s would trade immediately.",
				contract, bid.Price, spread, offer.Price, bid.Price),
		}
		e.cache.Publish(types.EventMarketUpdate, alert)
		e.sendText(ctx, offer.Owner, alert.Message)
	}
}

// sendText delivers over the external messaging channel, logging failures
// only.
func (e *Engine) sendText(ctx context.Context, recipient, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SinkTimeout)
	defer cancel()
	err := e.sink.Send(sendCtx, recipient, text)
	e.stats.RecordSinkSend(err == nil)
	if err != nil {
		e.log.Warn("messaging sink send failed",
			zap.String("recipient", recipient),
			zap.Error(err))
	}
}
