package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openalpha/commodex/types"
)

// InsertOrder persists a new order row.
func (s *Store) InsertOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, owner, contract, side, price, original_qty, remaining_qty,
		                    status, counterparty, created_at, updated_at, expires_at)
		VALUES (:id, :owner, :contract, :side, :price, :original_qty, :remaining_qty,
		        :status, :counterparty, :created_at, :updated_at, :expires_at)`, o)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	var o types.Order
	err := s.db.GetContext(ctx, &o, `SELECT * FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// UpdateOrder persists the mutable columns of an order. The caller is the
// single writer (order book service or matching engine); concurrent fills go
// through ExecuteTrade instead.
func (s *Store) UpdateOrder(ctx context.Context, o *types.Order) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE orders
		SET price = :price, original_qty = :original_qty, remaining_qty = :remaining_qty,
		    status = :status, counterparty = :counterparty, updated_at = :updated_at,
		    expires_at = :expires_at
		WHERE id = :id`, o)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, types.ErrNotFound)
	}
	return nil
}

// ActiveOrders returns every matchable order for a contract. Bids sort by
// price descending then created_at ascending; offers by price ascending then
// created_at ascending, so the head of each slice is the best price.
func (s *Store) ActiveOrders(ctx context.Context, contract string) (bids, offers []*types.Order, err error) {
	err = s.db.SelectContext(ctx, &bids, `
		SELECT * FROM orders
		WHERE contract = ? AND side = ? AND status = ? AND remaining_qty > 0
		ORDER BY CAST(price AS REAL) DESC, created_at ASC, id ASC`,
		contract, types.SideBid, types.OrderStatusActive)
	if err != nil {
		return nil, nil, fmt.Errorf("select bids: %w", err)
	}
	err = s.db.SelectContext(ctx, &offers, `
		SELECT * FROM orders
		WHERE contract = ? AND side = ? AND status = ? AND remaining_qty > 0
		ORDER BY CAST(price AS REAL) ASC, created_at ASC, id ASC`,
		contract, types.SideOffer, types.OrderStatusActive)
	if err != nil {
		return nil, nil, fmt.Errorf("select offers: %w", err)
	}
	return bids, offers, nil
}

// ActiveContracts returns the distinct contracts that currently hold at least
// one matchable order.
func (s *Store) ActiveContracts(ctx context.Context) ([]string, error) {
	var contracts []string
	err := s.db.SelectContext(ctx, &contracts, `
		SELECT DISTINCT contract FROM orders
		WHERE status = ? AND remaining_qty > 0
		ORDER BY contract`, types.OrderStatusActive)
	if err != nil {
		return nil, fmt.Errorf("select active contracts: %w", err)
	}
	return contracts, nil
}

// ActiveContractsForOwner returns the contracts in which the owner holds an
// active order; the session layer uses it for room auto-subscription.
func (s *Store) ActiveContractsForOwner(ctx context.Context, owner string) ([]string, error) {
	var contracts []string
	err := s.db.SelectContext(ctx, &contracts, `
		SELECT DISTINCT contract FROM orders
		WHERE owner = ? AND status = ? AND remaining_qty > 0
		ORDER BY contract`, owner, types.OrderStatusActive)
	if err != nil {
		return nil, fmt.Errorf("select owner contracts: %w", err)
	}
	return contracts, nil
}

// CountActiveByOwner returns how many active orders the owner holds, for the
// per-owner cap.
func (s *Store) CountActiveByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM orders WHERE owner = ? AND status = ?`,
		owner, types.OrderStatusActive)
	if err != nil {
		return 0, fmt.Errorf("count active orders: %w", err)
	}
	return n, nil
}

// OrdersByOwner returns the owner's orders, newest first.
func (s *Store) OrdersByOwner(ctx context.Context, owner string) ([]*types.Order, error) {
	var orders []*types.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders WHERE owner = ? ORDER BY created_at DESC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("select owner orders: %w", err)
	}
	return orders, nil
}

// HasActiveOrders reports whether any matchable order exists venue-wide.
func (s *Store) HasActiveOrders(ctx context.Context) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE status = ? AND remaining_qty > 0)`,
		types.OrderStatusActive)
	if err != nil {
		return false, fmt.Errorf("has active orders: %w", err)
	}
	return n != 0, nil
}

// ExpireDue transitions every active order past its expiry to EXPIRED and
// returns the affected rows, in one transaction.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*types.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var due []*types.Order
	if err := tx.SelectContext(ctx, &due, `
		SELECT * FROM orders WHERE status = ? AND expires_at <= ?`,
		types.OrderStatusActive, now); err != nil {
		return nil, fmt.Errorf("select due orders: %w", err)
	}
	if len(due) == 0 {
		return nil, tx.Commit()
	}

	for _, o := range due {
		o.Status = types.OrderStatusExpired
		o.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
			types.OrderStatusExpired, now, o.ID); err != nil {
			return nil, fmt.Errorf("expire order %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return due, nil
}
