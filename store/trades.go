package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openalpha/commodex/types"
)

// TradeParams drives one atomic trade commit. Order rows are re-read inside
// the transaction; cached projections are never trusted for execution.
type TradeParams struct {
	BidID          string
	OfferID        string
	CommissionRate decimal.Decimal

	// LiftOrderID, when non-empty, raises that order's original and remaining
	// quantity to LiftQty inside the same transaction before the fill. Used by
	// the quantity-confirmation accept path.
	LiftOrderID string
	LiftQty     int64
}

// ExecuteTrade commits a single trade between a bid and an offer. Quantity is
// the minimum of both remaining quantities at commit time and the price is the
// offer's price. The whole operation is one store transaction; on any error
// nothing is written and both orders are untouched.
func (s *Store) ExecuteTrade(ctx context.Context, p TradeParams) (*types.Trade, *types.Order, *types.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin trade: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	bid, err := getOrderTx(ctx, tx, p.BidID)
	if err != nil {
		return nil, nil, nil, err
	}
	offer, err := getOrderTx(ctx, tx, p.OfferID)
	if err != nil {
		return nil, nil, nil, err
	}

	if bid.Side != types.SideBid || offer.Side != types.SideOffer {
		return nil, nil, nil, fmt.Errorf("%w: sides %s/%s", types.ErrInvalidInput, bid.Side, offer.Side)
	}
	if bid.Contract != offer.Contract {
		return nil, nil, nil, fmt.Errorf("%w: contracts %s/%s", types.ErrInvalidInput, bid.Contract, offer.Contract)
	}
	if bid.Owner == offer.Owner {
		return nil, nil, nil, fmt.Errorf("%w: self trade", types.ErrInvalidInput)
	}
	if !bid.IsActive() || !offer.IsActive() {
		return nil, nil, nil, fmt.Errorf("trade %s/%s: %w", p.BidID, p.OfferID, types.ErrNotActive)
	}
	if bid.Price.LessThan(offer.Price) {
		return nil, nil, nil, fmt.Errorf("%w: bid %s below offer %s", types.ErrInvalidInput, bid.Price, offer.Price)
	}

	now := time.Now().UTC()

	if p.LiftOrderID != "" {
		var lifted *types.Order
		switch p.LiftOrderID {
		case bid.ID:
			lifted = bid
		case offer.ID:
			lifted = offer
		default:
			return nil, nil, nil, fmt.Errorf("%w: lift order %s not in pair", types.ErrInvalidInput, p.LiftOrderID)
		}
		if p.LiftQty < lifted.RemainingQty {
			return nil, nil, nil, fmt.Errorf("%w: lift qty %d below remaining %d", types.ErrInvalidInput, p.LiftQty, lifted.RemainingQty)
		}
		lifted.OriginalQty = p.LiftQty
		lifted.RemainingQty = p.LiftQty
		lifted.UpdatedAt = now
	}

	qty := bid.RemainingQty
	if offer.RemainingQty < qty {
		qty = offer.RemainingQty
	}
	price := offer.Price

	trade := &types.Trade{
		ID:          uuid.NewString(),
		Contract:    bid.Contract,
		Price:       price,
		Qty:         qty,
		BuyerOrder:  bid.ID,
		SellerOrder: offer.ID,
		Buyer:       bid.Owner,
		Seller:      offer.Owner,
		Commission:  types.Commission(qty, price, p.CommissionRate),
		CreatedAt:   now,
	}

	if err := bid.Fill(qty, offer.Owner, now); err != nil {
		return nil, nil, nil, err
	}
	if err := offer.Fill(qty, bid.Owner, now); err != nil {
		return nil, nil, nil, err
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO trades (id, contract, price, qty, buyer_order, seller_order,
		                    buyer, seller, commission, created_at)
		VALUES (:id, :contract, :price, :qty, :buyer_order, :seller_order,
		        :buyer, :seller, :commission, :created_at)`, trade); err != nil {
		return nil, nil, nil, fmt.Errorf("insert trade: %w", err)
	}
	for _, o := range []*types.Order{bid, offer} {
		if _, err := tx.NamedExecContext(ctx, `
			UPDATE orders
			SET original_qty = :original_qty, remaining_qty = :remaining_qty,
			    status = :status, counterparty = :counterparty, updated_at = :updated_at
			WHERE id = :id`, o); err != nil {
			return nil, nil, nil, fmt.Errorf("update order %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit trade: %w", err)
	}
	return trade, bid, offer, nil
}

func getOrderTx(ctx context.Context, tx interface {
	GetContext(context.Context, interface{}, string, ...interface{}) error
}, id string) (*types.Order, error) {
	var o types.Order
	err := tx.GetContext(ctx, &o, `SELECT * FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// RecentTrades returns the latest trades venue-wide, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []*types.Trade
	err := s.db.SelectContext(ctx, &trades, `
		SELECT * FROM trades ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent trades: %w", err)
	}
	return trades, nil
}

// TradesForUser returns the latest trades in which the user was a
// counterparty, newest first.
func (s *Store) TradesForUser(ctx context.Context, user string, limit int) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []*types.Trade
	err := s.db.SelectContext(ctx, &trades, `
		SELECT * FROM trades WHERE buyer = ? OR seller = ?
		ORDER BY created_at DESC, id ASC LIMIT ?`, user, user, limit)
	if err != nil {
		return nil, fmt.Errorf("select user trades: %w", err)
	}
	return trades, nil
}

// AccountSummary aggregates the user's trading activity.
func (s *Store) AccountSummary(ctx context.Context, user string) (*types.AccountSummary, error) {
	active, err := s.CountActiveByOwner(ctx, user)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Qty        int64           `db:"qty"`
		Commission decimal.Decimal `db:"commission"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT qty, commission FROM trades WHERE buyer = ? OR seller = ?`,
		user, user); err != nil {
		return nil, fmt.Errorf("select trade summary: %w", err)
	}

	sum := &types.AccountSummary{
		User:            user,
		ActiveOrders:    active,
		TotalTrades:     len(rows),
		TotalCommission: decimal.Zero,
	}
	for _, r := range rows {
		sum.TotalVolume += r.Qty
		sum.TotalCommission = sum.TotalCommission.Add(r.Commission)
	}
	return sum, nil
}
