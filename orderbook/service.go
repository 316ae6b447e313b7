// Package orderbook implements the order book service: the single writer for
// order state. It validates and records order lifecycle operations, maintains
// per-contract best-price snapshots, and emits lifecycle events on the market
// cache bus.
package orderbook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/cache"
	"github.com/openalpha/commodex/metrics"
	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

// MatchRequester schedules an on-demand match pass for a contract. The
// matching engine implements it; the indirection keeps the write path free of
// a package cycle.
type MatchRequester interface {
	RequestMatch(contract string)
}

// Config holds the order book service limits.
type Config struct {
	MaxOrdersPerUser int
	OrderExpiry      time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxOrdersPerUser: 50,
		OrderExpiry:      24 * time.Hour,
	}
}

// Service is safe for concurrent use.
type Service struct {
	store   *store.Store
	cache   *cache.MarketCache
	cfg     Config
	log     *zap.Logger
	stats   *metrics.Collector
	matcher MatchRequester

	snapshots *snapshotTable
}

// NewService wires the order book service.
func NewService(st *store.Store, mc *cache.MarketCache, cfg Config, log *zap.Logger) *Service {
	if cfg.MaxOrdersPerUser <= 0 {
		cfg.MaxOrdersPerUser = 50
	}
	if cfg.OrderExpiry <= 0 {
		cfg.OrderExpiry = 24 * time.Hour
	}
	return &Service{
		store:     st,
		cache:     mc,
		cfg:       cfg,
		log:       log,
		stats:     metrics.GetCollector(),
		snapshots: newSnapshotTable(),
	}
}

// SetMatcher installs the on-demand match trigger. Must be called once during
// bootstrap, before the service takes writes.
func (s *Service) SetMatcher(m MatchRequester) { s.matcher = m }

// CreateRequest is the normalized order intent consumed by CreateOrder.
type CreateRequest struct {
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	MonthYear string          `json:"monthyear"`
	Product   string          `json:"product"`
	Qty       int64           `json:"qty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// CreateOrder validates, persists and announces a new order, then schedules a
// match pass for its contract.
func (s *Service) CreateOrder(ctx context.Context, owner string, req CreateRequest) (*types.Order, error) {
	timer := metrics.NewTimer()
	defer func() { s.stats.RecordOrderLatency("create", timer.ElapsedMs()) }()

	side, err := types.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", types.ErrInvalidInput)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", types.ErrInvalidInput)
	}
	contract, err := types.NewContract(req.MonthYear, req.Product)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(s.cfg.OrderExpiry)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at must be in the future", types.ErrInvalidInput)
		}
		expires = req.ExpiresAt.UTC()
	}

	active, err := s.store.CountActiveByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	if active >= s.cfg.MaxOrdersPerUser {
		return nil, fmt.Errorf("%w: %d active orders (cap %d)", types.ErrLimitExceeded, active, s.cfg.MaxOrdersPerUser)
	}

	order := &types.Order{
		ID:           uuid.NewString(),
		Owner:        owner,
		Contract:     contract,
		Side:         side,
		Price:        req.Price,
		OriginalQty:  req.Qty,
		RemainingQty: req.Qty,
		Status:       types.OrderStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    expires,
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}

	s.cache.SetHasActiveOrders(true)
	s.stats.RecordOrder(contract, side.String(), "created")
	s.cache.Publish(types.EventOrderCreated, types.OrderEvent{Order: order})
	s.RefreshContract(ctx, contract)
	if s.matcher != nil {
		s.matcher.RequestMatch(contract)
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("owner", owner),
		zap.String("contract", contract),
		zap.String("side", side.String()),
		zap.String("price", req.Price.String()),
		zap.Int64("qty", req.Qty))
	return order, nil
}

// UpdateRequest carries the mutable order attributes; nil fields are left
// unchanged.
type UpdateRequest struct {
	Price     *decimal.Decimal `json:"price,omitempty"`
	Qty       *int64           `json:"qty,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// UpdateOrder mutates an active order owned by the caller. Reducing qty below
// the current remaining quantity clamps the remainder.
func (s *Service) UpdateOrder(ctx context.Context, owner, orderID string, req UpdateRequest) (*types.Order, error) {
	timer := metrics.NewTimer()
	defer func() { s.stats.RecordOrderLatency("update", timer.ElapsedMs()) }()

	order, err := s.ownedOrder(ctx, owner, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderStatusActive {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotActive)
	}
	if req.Price == nil && req.Qty == nil && req.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: nothing to update", types.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: price must be positive", types.ErrInvalidInput)
		}
		order.Price = *req.Price
	}
	if req.Qty != nil {
		if *req.Qty <= 0 {
			return nil, fmt.Errorf("%w: qty must be positive", types.ErrInvalidInput)
		}
		if order.RemainingQty == order.OriginalQty {
			// no fills yet: the remainder tracks the new quantity
			order.RemainingQty = *req.Qty
		} else if order.RemainingQty > *req.Qty {
			// reduced below the remainder: clamp
			order.RemainingQty = *req.Qty
		}
		order.OriginalQty = *req.Qty
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at must be in the future", types.ErrInvalidInput)
		}
		order.ExpiresAt = req.ExpiresAt.UTC()
	}
	order.UpdatedAt = now

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}

	s.cache.Publish(types.EventOrderUpdated, types.OrderEvent{Order: order})
	s.RefreshContract(ctx, order.Contract)
	if s.matcher != nil {
		s.matcher.RequestMatch(order.Contract)
	}

	s.log.Info("order updated",
		zap.String("order_id", order.ID),
		zap.String("owner", owner),
		zap.String("contract", order.Contract))
	return order, nil
}

// CancelOrder transitions an active order owned by the caller to CANCELLED.
func (s *Service) CancelOrder(ctx context.Context, owner, orderID string) (*types.Order, error) {
	timer := metrics.NewTimer()
	defer func() { s.stats.RecordOrderLatency("cancel", timer.ElapsedMs()) }()

	order, err := s.ownedOrder(ctx, owner, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.Cancel(time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}

	s.stats.RecordOrder(order.Contract, order.Side.String(), "cancelled")
	s.cache.Publish(types.EventOrderCancelled, types.OrderEvent{Order: order})
	s.RefreshContract(ctx, order.Contract)
	s.refreshActiveFlag(ctx)

	s.log.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.String("owner", owner),
		zap.String("contract", order.Contract))
	return order, nil
}

// ExpireOrders transitions every overdue active order to EXPIRED and refreshes
// the affected contracts. The matching engine calls it each periodic pass.
func (s *Service) ExpireOrders(ctx context.Context, now time.Time) ([]*types.Order, error) {
	expired, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	contracts := make(map[string]bool)
	for _, o := range expired {
		contracts[o.Contract] = true
		s.stats.RecordOrder(o.Contract, o.Side.String(), "expired")
		s.cache.Publish(types.EventOrderCancelled, types.OrderEvent{Order: o})
	}
	for contract := range contracts {
		s.RefreshContract(ctx, contract)
	}
	s.refreshActiveFlag(ctx)

	s.log.Info("orders expired", zap.Int("count", len(expired)))
	return expired, nil
}

func (s *Service) ownedOrder(ctx context.Context, owner, orderID string) (*types.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// An order belonging to someone else is reported as not found rather than
	// leaking its existence.
	if order.Owner != owner {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return order, nil
}

func (s *Service) refreshActiveFlag(ctx context.Context) {
	has, err := s.store.HasActiveOrders(ctx)
	if err != nil {
		s.log.Warn("active-order flag refresh failed", zap.Error(err))
		return
	}
	s.cache.SetHasActiveOrders(has)
}
