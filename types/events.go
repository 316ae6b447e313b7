package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the closed set of event tags carried on the cache bus and the
// session bus. Dispatch is a tag match; payloads are the typed structs below.
type EventType string

const (
	EventOrderCreated   EventType = "order:created"
	EventOrderUpdated   EventType = "order:updated"
	EventOrderCancelled EventType = "order:cancelled"
	EventOrderMatched   EventType = "order:matched"
	EventOrderFilled    EventType = "order:filled"
	EventOrderPartial   EventType = "order:partial_fill"
	EventTradeExecuted  EventType = "trade:executed"
	EventMarketUpdate   EventType = "market:update"
	EventPriceChanged   EventType = "market:price_changed"

	EventConfirmationRequest  EventType = "quantity:confirmation_request"
	EventPartialFillApproval  EventType = "quantity:partial_fill_approval"
	EventPartialFillDeclined  EventType = "quantity:partial_fill_declined"
	EventCounterpartyDeclined EventType = "quantity:counterparty_declined"
	EventNegotiationYourTurn  EventType = "negotiation:your_turn"
)

// Envelope is the wire form of every published event.
type Envelope struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope stamps an event with the current time.
func NewEnvelope(t EventType, data interface{}) Envelope {
	return Envelope{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// OrderEvent carries order lifecycle changes.
type OrderEvent struct {
	Order *Order `json:"order"`
}

// TradeEvent carries an executed trade plus its classification and the
// post-fill state of both orders.
type TradeEvent struct {
	Trade        *Trade    `json:"trade"`
	Kind         MatchKind `json:"kind"`
	BuyerRemain  int64     `json:"buyer_remaining"`
	SellerRemain int64     `json:"seller_remaining"`
}

// PriceChangeEvent is broadcast to a contract room when either best price
// moved.
type PriceChangeEvent struct {
	Contract          string           `json:"contract"`
	BestBid           *decimal.Decimal `json:"best_bid,omitempty"`
	BestOffer         *decimal.Decimal `json:"best_offer,omitempty"`
	PreviousBestBid   *decimal.Decimal `json:"previous_best_bid,omitempty"`
	PreviousBestOffer *decimal.Decimal `json:"previous_best_offer,omitempty"`
	BidChanged        bool             `json:"bid_changed"`
	OfferChanged      bool             `json:"offer_changed"`
	Timestamp         time.Time        `json:"timestamp"`
}

// ConfirmationRequest asks the smaller party of a price-equal quantity
// mismatch whether they will lift their quantity. Recipient scopes session
// routing and stays off the wire.
type ConfirmationRequest struct {
	Recipient           string          `json:"-"`
	ConfirmationKey     string          `json:"confirmation_key"`
	Contract            string          `json:"contract"`
	YourOrderID         string          `json:"your_order_id"`
	CounterpartyOrderID string          `json:"counterparty_order_id"`
	YourQty             int64           `json:"your_qty"`
	CounterpartyQty     int64           `json:"counterparty_qty"`
	AdditionalQty       int64           `json:"additional_qty"`
	Price               decimal.Decimal `json:"price"`
	Side                string          `json:"side"` // BUY or SELL
	Message             string          `json:"message"`
	DeadlineSeconds     int             `json:"deadline_seconds"`
}

// ConfirmationResponse is the inbound session-channel answer to a
// ConfirmationRequest.
type ConfirmationResponse struct {
	ConfirmationKey string `json:"confirmation_key"`
	Accepted        bool   `json:"accepted"`
	NewQty          int64  `json:"new_qty,omitempty"`
}

// ConfirmationOutcome notifies an involved party that a confirmation ended
// without a trade.
type ConfirmationOutcome struct {
	Recipient       string `json:"-"`
	ConfirmationKey string `json:"confirmation_key"`
	Contract        string `json:"contract"`
	OrderID         string `json:"order_id"`
	Message         string `json:"message"`
}

// NegotiationTurn invites the larger party to accept a counter quantity.
type NegotiationTurn struct {
	Recipient       string          `json:"-"`
	NegotiationKey  string          `json:"negotiation_key"`
	Contract        string          `json:"contract"`
	YourOrderID     string          `json:"your_order_id"`
	CounterQty      int64           `json:"counter_qty"`
	Price           decimal.Decimal `json:"price"`
	Message         string          `json:"message"`
	DeadlineSeconds int             `json:"deadline_seconds"`
}

// NegotiationResponse is the inbound answer to a NegotiationTurn.
type NegotiationResponse struct {
	NegotiationKey string `json:"negotiation_key"`
	Accepted       bool   `json:"accepted"`
}

// MarketAlert is the informational competitive-bidding notice sent to a
// best-price holder when the spread is tight but not crossed.
type MarketAlert struct {
	Recipient    string          `json:"-"`
	Contract     string          `json:"contract"`
	YourOrderID  string          `json:"your_order_id"`
	YourPrice    decimal.Decimal `json:"your_price"`
	CounterPrice decimal.Decimal `json:"counter_price"`
	Message      string          `json:"message"`
}
