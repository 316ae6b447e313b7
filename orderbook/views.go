package orderbook

import (
	"context"
	"fmt"

	"github.com/openalpha/commodex/types"
)

// ContractBook is the market-data projection for one contract. Only orders
// with status ACTIVE and remaining quantity appear; bids sort best-first
// (price descending, then age), offers likewise (price ascending, then age).
type ContractBook struct {
	Contract string         `json:"contract"`
	Bids     []*types.Order `json:"bids"`
	Offers   []*types.Order `json:"offers"`
}

// GetMarketData returns the projection for every contract with at least one
// active order.
func (s *Service) GetMarketData(ctx context.Context) ([]*ContractBook, error) {
	contracts, err := s.store.ActiveContracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	books := make([]*ContractBook, 0, len(contracts))
	for _, contract := range contracts {
		book, err := s.GetContractBook(ctx, contract)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

// GetContractBook returns the projection for a single contract.
func (s *Service) GetContractBook(ctx context.Context, contract string) (*ContractBook, error) {
	bids, offers, err := s.store.ActiveOrders(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return &ContractBook{Contract: contract, Bids: bids, Offers: offers}, nil
}

// GetUserOrders returns the caller's orders, newest first.
func (s *Service) GetUserOrders(ctx context.Context, owner string) ([]*types.Order, error) {
	orders, err := s.store.OrdersByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return orders, nil
}

// GetRecentTrades returns the latest trades venue-wide.
func (s *Service) GetRecentTrades(ctx context.Context, limit int) ([]*types.Trade, error) {
	trades, err := s.store.RecentTrades(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return trades, nil
}

// GetUserTrades returns the latest trades involving the caller.
func (s *Service) GetUserTrades(ctx context.Context, owner string, limit int) ([]*types.Trade, error) {
	trades, err := s.store.TradesForUser(ctx, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return trades, nil
}

// GetAccountSummary returns the caller's trading overview.
func (s *Service) GetAccountSummary(ctx context.Context, owner string) (*types.AccountSummary, error) {
	sum, err := s.store.AccountSummary(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	return sum, nil
}
