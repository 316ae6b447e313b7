package matching

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

// Confirmation is a pending quantity confirmation: a specific (bid, offer)
// pair at a shared price whose quantities differ, waiting on the smaller
// party. Process-local; lost on restart and re-discovered on the next pass.
type Confirmation struct {
	Key          string
	Contract     string
	BidID        string
	OfferID      string
	SmallerParty types.Party
	SmallerOrder string
	LargerOrder  string
	SmallerOwner string
	LargerOwner  string
	SmallerQty   int64
	LargerQty    int64
	Price        decimal.Decimal
	Deadline     time.Time

	timer *time.Timer
}

// Negotiation is a counter-offer round: the smaller party proposed a quantity
// between theirs and the larger party's, and the larger party must answer.
type Negotiation struct {
	Key          string
	Contract     string
	BidID        string
	OfferID      string
	SmallerOrder string
	LargerOrder  string
	SmallerOwner string
	LargerOwner  string
	CounterQty   int64
	Price        decimal.Decimal
	Deadline     time.Time

	timer *time.Timer
}

// confirmTable owns all pending confirmations, negotiations and the declined
// set. Single-owner state of the matching engine; every access goes through
// its mutex so timer expiry and early responses cannot race.
type confirmTable struct {
	mu           sync.Mutex
	pending      map[string]*Confirmation
	negotiations map[string]*Negotiation
	declined     map[string]bool
}

func newConfirmTable() *confirmTable {
	return &confirmTable{
		pending:      make(map[string]*Confirmation),
		negotiations: make(map[string]*Negotiation),
		declined:     make(map[string]bool),
	}
}

func pairKey(contract, bidID, offerID string) string {
	return contract + ":" + bidID + ":" + offerID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// openConfirmation creates the pending confirmation for a price-equal
// quantity mismatch and asks the smaller party exactly once over both
// channels. Returns false when the pair is already pending or was declined.
func (e *Engine) openConfirmation(ctx context.Context, contract string, bid, offer *types.Order) bool {
	key := pairKey(contract, bid.ID, offer.ID)

	c := &Confirmation{
		Key:      key,
		Contract: contract,
		BidID:    bid.ID,
		OfferID:  offer.ID,
		Price:    offer.Price,
		Deadline: time.Now().Add(e.cfg.ConfirmDeadline),
	}
	if bid.RemainingQty < offer.RemainingQty {
		c.SmallerParty = types.PartyBuyer
		c.SmallerOrder, c.LargerOrder = bid.ID, offer.ID
		c.SmallerOwner, c.LargerOwner = bid.Owner, offer.Owner
		c.SmallerQty, c.LargerQty = bid.RemainingQty, offer.RemainingQty
	} else {
		c.SmallerParty = types.PartySeller
		c.SmallerOrder, c.LargerOrder = offer.ID, bid.ID
		c.SmallerOwner, c.LargerOwner = offer.Owner, bid.Owner
		c.SmallerQty, c.LargerQty = offer.RemainingQty, bid.RemainingQty
	}

	e.confirms.mu.Lock()
	if e.confirms.declined[key] {
		e.confirms.mu.Unlock()
		return false
	}
	if _, exists := e.confirms.pending[key]; exists {
		e.confirms.mu.Unlock()
		return false
	}
	if _, exists := e.confirms.negotiations[key]; exists {
		e.confirms.mu.Unlock()
		return false
	}
	c.timer = time.AfterFunc(e.cfg.ConfirmDeadline, func() { e.onConfirmationDeadline(key) })
	e.confirms.pending[key] = c
	e.confirms.mu.Unlock()

	additional := c.LargerQty - c.SmallerQty
	side := "BUY"
	if c.SmallerParty == types.PartySeller {
		side = "SELL"
	}
	verb := "buy"
	if c.SmallerParty == types.PartySeller {
		verb = "sell"
	}
	msg := fmt.Sprintf(
		"Counterparty on %s wants %d lots at %s but your order %s is for %d (%d more). Reply YES %s to raise your quantity to %d, or NO %s to %s only your %d. You have %d seconds.",
		contract, c.LargerQty, c.Price, shortID(c.SmallerOrder), c.SmallerQty, additional,
		shortID(c.SmallerOrder), c.LargerQty, shortID(c.SmallerOrder), verb, c.SmallerQty,
		int(e.cfg.ConfirmDeadline.Seconds()))

	e.cache.Publish(types.EventConfirmationRequest, types.ConfirmationRequest{
		Recipient:           c.SmallerOwner,
		ConfirmationKey:     key,
		Contract:            contract,
		YourOrderID:         c.SmallerOrder,
		CounterpartyOrderID: c.LargerOrder,
		YourQty:             c.SmallerQty,
		CounterpartyQty:     c.LargerQty,
		AdditionalQty:       additional,
		Price:               c.Price,
		Side:                side,
		Message:             msg,
		DeadlineSeconds:     int(e.cfg.ConfirmDeadline.Seconds()),
	})
	e.sendText(ctx, c.SmallerOwner, msg)

	e.log.Info("quantity confirmation opened",
		zap.String("key", key),
		zap.String("smaller_party", string(c.SmallerParty)),
		zap.Int64("smaller_qty", c.SmallerQty),
		zap.Int64("larger_qty", c.LargerQty))
	return true
}

// onConfirmationDeadline fires when the smaller party never answered.
// Deadline expiry is an implicit decline.
func (e *Engine) onConfirmationDeadline(key string) {
	e.confirms.mu.Lock()
	c, ok := e.confirms.pending[key]
	if !ok {
		e.confirms.mu.Unlock()
		return
	}
	delete(e.confirms.pending, key)
	e.confirms.declined[key] = true
	e.confirms.mu.Unlock()

	e.stats.RecordConfirmation("timed_out")
	e.log.Info("quantity confirmation timed out", zap.String("key", key))
	e.notifyNoTrade(context.Background(), key, c.Contract, c.SmallerOwner, c.LargerOwner,
		c.SmallerOrder, c.LargerOrder, true)
}

// HandleConfirmationResponse settles a pending confirmation from the session
// channel or the messaging-channel parser. Late responses (after the deadline
// fired) are discarded with ErrConfirmationNotFound.
func (e *Engine) HandleConfirmationResponse(ctx context.Context, user string, resp types.ConfirmationResponse) error {
	e.confirms.mu.Lock()
	c, ok := e.confirms.pending[resp.ConfirmationKey]
	if !ok {
		e.confirms.mu.Unlock()
		return fmt.Errorf("key %s: %w", resp.ConfirmationKey, types.ErrConfirmationNotFound)
	}
	if c.SmallerOwner != user {
		e.confirms.mu.Unlock()
		return fmt.Errorf("confirmation %s: %w", resp.ConfirmationKey, types.ErrUnauthorized)
	}

	if !resp.Accepted {
		c.timer.Stop()
		delete(e.confirms.pending, resp.ConfirmationKey)
		e.confirms.declined[resp.ConfirmationKey] = true
		e.confirms.mu.Unlock()

		e.stats.RecordConfirmation("declined")
		e.log.Info("quantity confirmation declined", zap.String("key", c.Key))
		e.notifyNoTrade(ctx, c.Key, c.Contract, c.SmallerOwner, c.LargerOwner,
			c.SmallerOrder, c.LargerOrder, false)
		return nil
	}

	target := resp.NewQty
	if target == 0 {
		target = c.LargerQty
	}
	if target < c.SmallerQty || target > c.LargerQty {
		e.confirms.mu.Unlock()
		return fmt.Errorf("%w: qty %d outside [%d, %d]", types.ErrInvalidInput, target, c.SmallerQty, c.LargerQty)
	}

	if target > c.SmallerQty && target < c.LargerQty {
		// Counter-offer: the confirmation is consumed and the larger party
		// gets one negotiation round.
		c.timer.Stop()
		delete(e.confirms.pending, c.Key)
		e.openNegotiationLocked(c, target)
		e.confirms.mu.Unlock()
		e.announceNegotiation(ctx, c, target)
		return nil
	}

	c.timer.Stop()
	delete(e.confirms.pending, c.Key)
	e.confirms.mu.Unlock()

	var liftID string
	var liftQty int64
	if target > c.SmallerQty {
		liftID, liftQty = c.SmallerOrder, target
	}
	// target == SmallerQty is a no-op on quantities and trades the smaller
	// amount, the legacy partial-proceed outcome.

	e.cache.Publish(types.EventPartialFillApproval, types.ConfirmationOutcome{
		Recipient:       c.LargerOwner,
		ConfirmationKey: c.Key,
		Contract:        c.Contract,
		OrderID:         c.LargerOrder,
		Message:         fmt.Sprintf("Counterparty confirmed %d lots on %s.", target, c.Contract),
	})

	return e.executeConfirmed(ctx, c.Contract, c.BidID, c.OfferID, liftID, liftQty)
}

// openNegotiationLocked registers the negotiation; confirms.mu must be held.
func (e *Engine) openNegotiationLocked(c *Confirmation, counterQty int64) {
	n := &Negotiation{
		Key:          c.Key,
		Contract:     c.Contract,
		BidID:        c.BidID,
		OfferID:      c.OfferID,
		SmallerOrder: c.SmallerOrder,
		LargerOrder:  c.LargerOrder,
		SmallerOwner: c.SmallerOwner,
		LargerOwner:  c.LargerOwner,
		CounterQty:   counterQty,
		Price:        c.Price,
		Deadline:     time.Now().Add(e.cfg.NegotiationDeadline),
	}
	n.timer = time.AfterFunc(e.cfg.NegotiationDeadline, func() { e.onNegotiationDeadline(n.Key) })
	e.confirms.negotiations[n.Key] = n
}

func (e *Engine) announceNegotiation(ctx context.Context, c *Confirmation, counterQty int64) {
	msg := fmt.Sprintf(
		"Counterparty on %s offers %d lots at %s against your order %s for %d. Reply YES %s to trade %d now (your order stays open for the rest), or NO %s to pass. You have %d seconds.",
		c.Contract, counterQty, c.Price, shortID(c.LargerOrder), c.LargerQty,
		shortID(c.LargerOrder), counterQty, shortID(c.LargerOrder),
		int(e.cfg.NegotiationDeadline.Seconds()))

	e.cache.Publish(types.EventNegotiationYourTurn, types.NegotiationTurn{
		Recipient:       c.LargerOwner,
		NegotiationKey:  c.Key,
		Contract:        c.Contract,
		YourOrderID:     c.LargerOrder,
		CounterQty:      counterQty,
		Price:           c.Price,
		Message:         msg,
		DeadlineSeconds: int(e.cfg.NegotiationDeadline.Seconds()),
	})
	e.sendText(ctx, c.LargerOwner, msg)

	e.stats.RecordNegotiation("opened")
	e.log.Info("negotiation opened",
		zap.String("key", c.Key),
		zap.Int64("counter_qty", counterQty))
}

func (e *Engine) onNegotiationDeadline(key string) {
	e.confirms.mu.Lock()
	n, ok := e.confirms.negotiations[key]
	if !ok {
		e.confirms.mu.Unlock()
		return
	}
	delete(e.confirms.negotiations, key)
	e.confirms.declined[key] = true
	e.confirms.mu.Unlock()

	e.stats.RecordNegotiation("timed_out")
	e.log.Info("negotiation timed out", zap.String("key", key))
	e.notifyNoTrade(context.Background(), key, n.Contract, n.SmallerOwner, n.LargerOwner,
		n.SmallerOrder, n.LargerOrder, true)
}

// HandleNegotiationResponse settles a pending negotiation round.
func (e *Engine) HandleNegotiationResponse(ctx context.Context, user string, resp types.NegotiationResponse) error {
	e.confirms.mu.Lock()
	n, ok := e.confirms.negotiations[resp.NegotiationKey]
	if !ok {
		e.confirms.mu.Unlock()
		return fmt.Errorf("key %s: %w", resp.NegotiationKey, types.ErrConfirmationNotFound)
	}
	if n.LargerOwner != user {
		e.confirms.mu.Unlock()
		return fmt.Errorf("negotiation %s: %w", resp.NegotiationKey, types.ErrUnauthorized)
	}
	n.timer.Stop()
	delete(e.confirms.negotiations, resp.NegotiationKey)
	if !resp.Accepted {
		e.confirms.declined[resp.NegotiationKey] = true
	}
	e.confirms.mu.Unlock()

	if !resp.Accepted {
		e.stats.RecordNegotiation("declined")
		e.log.Info("negotiation declined", zap.String("key", n.Key))
		e.notifyNoTrade(ctx, n.Key, n.Contract, n.SmallerOwner, n.LargerOwner,
			n.SmallerOrder, n.LargerOrder, false)
		return nil
	}

	e.stats.RecordNegotiation("accepted")
	e.log.Info("negotiation accepted", zap.String("key", n.Key), zap.Int64("qty", n.CounterQty))
	return e.executeConfirmed(ctx, n.Contract, n.BidID, n.OfferID, n.SmallerOrder, n.CounterQty)
}

// notifyNoTrade tells both parties that the pair produced no trade and their
// orders remain active.
func (e *Engine) notifyNoTrade(ctx context.Context, key, contract, smallerOwner, largerOwner, smallerOrder, largerOrder string, timedOut bool) {
	reason := "declined"
	if timedOut {
		reason = "not answered in time"
	}

	smallerMsg := fmt.Sprintf("No trade was executed on %s (%s). Your order %s remains active.",
		contract, reason, shortID(smallerOrder))
	largerMsg := fmt.Sprintf("Counterparty declined on %s. No trade was executed; your order %s remains active.",
		contract, shortID(largerOrder))

	e.cache.Publish(types.EventPartialFillDeclined, types.ConfirmationOutcome{
		Recipient:       smallerOwner,
		ConfirmationKey: key,
		Contract:        contract,
		OrderID:         smallerOrder,
		Message:         smallerMsg,
	})
	e.cache.Publish(types.EventCounterpartyDeclined, types.ConfirmationOutcome{
		Recipient:       largerOwner,
		ConfirmationKey: key,
		Contract:        contract,
		OrderID:         largerOrder,
		Message:         largerMsg,
	})
	e.sendText(ctx, smallerOwner, smallerMsg)
	e.sendText(ctx, largerOwner, largerMsg)
}

// clearPairState drops every confirmation, negotiation and declined-set entry
// that references the order. Called when an order terminates or materially
// changes, so the pair becomes eligible for a fresh look.
func (e *Engine) clearPairState(orderID string) {
	marker := ":" + orderID
	e.confirms.mu.Lock()
	defer e.confirms.mu.Unlock()

	for key, c := range e.confirms.pending {
		if strings.Contains(key, marker) {
			c.timer.Stop()
			delete(e.confirms.pending, key)
		}
	}
	for key, n := range e.confirms.negotiations {
		if strings.Contains(key, marker) {
			n.timer.Stop()
			delete(e.confirms.negotiations, key)
		}
	}
	for key := range e.confirms.declined {
		if strings.Contains(key, marker) {
			delete(e.confirms.declined, key)
		}
	}
}

// pairBlocked reports whether the pair already has an open confirmation or
// negotiation, or sits in the declined set.
func (e *Engine) pairBlocked(key string) bool {
	e.confirms.mu.Lock()
	defer e.confirms.mu.Unlock()
	if e.confirms.declined[key] {
		return true
	}
	if _, ok := e.confirms.pending[key]; ok {
		return true
	}
	_, ok := e.confirms.negotiations[key]
	return ok
}

var inboundReplyRe = regexp.MustCompile(`^(YES|NO)\s+([0-9a-f]{8,})\b`)

// HandleInboundText resolves a free-text messaging-channel reply of the form
// "YES <orderid-prefix>" / "NO <orderid-prefix>" to a pending confirmation or
// negotiation owned by the sender.
func (e *Engine) HandleInboundText(ctx context.Context, messagingID, text string) error {
	m := inboundReplyRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return fmt.Errorf("%w: unrecognized reply", types.ErrInvalidInput)
	}
	accepted := m[1] == "YES"
	prefix := m[2]

	user, err := e.store.GetUserByMessagingID(ctx, messagingID)
	if err != nil {
		return err
	}

	e.confirms.mu.Lock()
	var confirmKey, negotiationKey string
	for key, c := range e.confirms.pending {
		if c.SmallerOwner == user.ID && strings.HasPrefix(c.SmallerOrder, prefix) {
			confirmKey = key
			break
		}
	}
	if confirmKey == "" {
		for key, n := range e.confirms.negotiations {
			if n.LargerOwner == user.ID && strings.HasPrefix(n.LargerOrder, prefix) {
				negotiationKey = key
				break
			}
		}
	}
	e.confirms.mu.Unlock()

	switch {
	case confirmKey != "":
		return e.HandleConfirmationResponse(ctx, user.ID, types.ConfirmationResponse{
			ConfirmationKey: confirmKey,
			Accepted:        accepted,
		})
	case negotiationKey != "":
		return e.HandleNegotiationResponse(ctx, user.ID, types.NegotiationResponse{
			NegotiationKey: negotiationKey,
			Accepted:       accepted,
		})
	default:
		return fmt.Errorf("order prefix %s: %w", prefix, types.ErrConfirmationNotFound)
	}
}
