package types

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents which side of the book an order rests on.
type Side int

const (
	SideUnspecified Side = iota
	SideBid
	SideOffer
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideOffer:
		return "OFFER"
	default:
		return "UNSPECIFIED"
	}
}

func (s Side) Opposite() Side {
	if s == SideBid {
		return SideOffer
	}
	return SideBid
}

// ParseSide parses the wire representation of a side.
func ParseSide(v string) (Side, error) {
	switch v {
	case "BID":
		return SideBid, nil
	case "OFFER":
		return SideOffer, nil
	default:
		return SideUnspecified, fmt.Errorf("%w: side %q", ErrInvalidInput, v)
	}
}

// OrderStatus represents order lifecycle status.
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusActive
	OrderStatusMatched
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusActive:
		return "ACTIVE"
	case OrderStatusMatched:
		return "MATCHED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNSPECIFIED"
	}
}

// IsTerminal reports whether the status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusMatched || s == OrderStatusCancelled || s == OrderStatusExpired
}

var (
	monthYearRe = regexp.MustCompile(`^[a-z]{3}[0-9]{2}$`)
	productRe   = regexp.MustCompile(`^[a-z]{2,}$`)
	contractRe  = regexp.MustCompile(`^[a-z]{3}[0-9]{2}-[a-z]{2,}$`)
)

// NewContract normalizes a (monthyear, product) pair into the contract
// identifier "<monthyear>-<product>" that keys an independent order book.
func NewContract(monthYear, product string) (string, error) {
	if !monthYearRe.MatchString(monthYear) {
		return "", fmt.Errorf("%w: monthyear %q", ErrInvalidInput, monthYear)
	}
	if !productRe.MatchString(product) {
		return "", fmt.Errorf("%w: product %q", ErrInvalidInput, product)
	}
	return monthYear + "-" + product, nil
}

// ValidContract reports whether s is a well-formed contract identifier.
func ValidContract(s string) bool {
	return contractRe.MatchString(s)
}

// Order represents a resting bid or offer for a contract.
type Order struct {
	ID           string          `db:"id" json:"id"`
	Owner        string          `db:"owner" json:"owner"`
	Contract     string          `db:"contract" json:"contract"`
	Side         Side            `db:"side" json:"side"`
	Price        decimal.Decimal `db:"price" json:"price"`
	OriginalQty  int64           `db:"original_qty" json:"original_qty"`
	RemainingQty int64           `db:"remaining_qty" json:"remaining_qty"`
	Status       OrderStatus     `db:"status" json:"status"`
	Counterparty string          `db:"counterparty" json:"counterparty,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	ExpiresAt    time.Time       `db:"expires_at" json:"expires_at"`
}

// IsActive returns true if the order is visible to the matcher.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusActive && o.RemainingQty > 0
}

// IsExpired reports whether the order's lifetime has passed at now.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Fill reduces the remaining quantity and flips the order to MATCHED
// when nothing remains.
func (o *Order) Fill(qty int64, counterparty string, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: fill qty %d", ErrInvalidInput, qty)
	}
	if qty > o.RemainingQty {
		return fmt.Errorf("%w: fill qty %d exceeds remaining %d", ErrInvalidInput, qty, o.RemainingQty)
	}
	o.RemainingQty -= qty
	o.UpdatedAt = now
	if o.RemainingQty == 0 {
		o.Status = OrderStatusMatched
		o.Counterparty = counterparty
	}
	return nil
}

// Cancel transitions the order to CANCELLED.
func (o *Order) Cancel(now time.Time) error {
	if o.Status != OrderStatusActive {
		return fmt.Errorf("%w: status %s", ErrNotActive, o.Status)
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
	return nil
}

// Expire transitions the order to EXPIRED.
func (o *Order) Expire(now time.Time) error {
	if o.Status != OrderStatusActive {
		return fmt.Errorf("%w: status %s", ErrNotActive, o.Status)
	}
	o.Status = OrderStatusExpired
	o.UpdatedAt = now
	return nil
}

// Trade is an immutable record of an executed match. Price is always the
// resting offer's price.
type Trade struct {
	ID          string          `db:"id" json:"id"`
	Contract    string          `db:"contract" json:"contract"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Qty         int64           `db:"qty" json:"qty"`
	BuyerOrder  string          `db:"buyer_order" json:"buyer_order"`
	SellerOrder string          `db:"seller_order" json:"seller_order"`
	Buyer       string          `db:"buyer" json:"buyer"`
	Seller      string          `db:"seller" json:"seller"`
	Commission  decimal.Decimal `db:"commission" json:"commission"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Commission computes the venue commission for a fill. Rounding is half
// away from zero to two decimal places.
func Commission(qty int64, price, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(qty).Mul(price).Mul(rate).Round(2)
}

// MatchKind classifies a trade for event consumers; it does not alter
// settlement.
type MatchKind string

const (
	MatchFull          MatchKind = "FULL_MATCH"
	MatchPartialBuyer  MatchKind = "PARTIAL_FILL_BUYER"
	MatchPartialSeller MatchKind = "PARTIAL_FILL_SELLER"
)

// BestPrices is the per-contract best-price snapshot. A nil side means no
// active orders on that side.
type BestPrices struct {
	BestBid   *decimal.Decimal `json:"best_bid,omitempty"`
	BestOffer *decimal.Decimal `json:"best_offer,omitempty"`
}

// Equal compares two snapshots value-wise.
func (b BestPrices) Equal(other BestPrices) bool {
	return decEqual(b.BestBid, other.BestBid) && decEqual(b.BestOffer, other.BestOffer)
}

func decEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Party identifies which side of a pending confirmation holds the smaller
// quantity.
type Party string

const (
	PartyBuyer  Party = "BUYER"
	PartySeller Party = "SELLER"
)

// AccountSummary is the per-user trading overview returned by the order
// book service.
type AccountSummary struct {
	User            string          `json:"user"`
	ActiveOrders    int             `json:"active_orders"`
	TotalTrades     int             `json:"total_trades"`
	TotalVolume     int64           `json:"total_volume"`
	TotalCommission decimal.Decimal `json:"total_commission"`
}
