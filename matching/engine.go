// Package matching implements the matching engine: the periodic and on-demand
// pass over each contract's book, price-time pair selection with self-trade
// avoidance, trade execution, quantity confirmations and the competitive
// bidding alerts. All pair state (pending confirmations, negotiations, the
// declined set) is process-local.
package matching

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/cache"
	"github.com/openalpha/commodex/metrics"
	"github.com/openalpha/commodex/notify"
	"github.com/openalpha/commodex/orderbook"
	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

// Config holds the matching engine tunables.
type Config struct {
	// Interval is the periodic pass cadence.
	Interval time.Duration
	// PassBudget caps how many contracts one periodic pass visits.
	PassBudget int
	// CommissionRate is the per-trade commission fraction. Zero means free
	// trading; a negative value selects the default rate.
	CommissionRate decimal.Decimal
	// ConfirmDeadline bounds quantity confirmations.
	ConfirmDeadline time.Duration
	// NegotiationDeadline bounds counter-offer rounds.
	NegotiationDeadline time.Duration
	// SpreadAlertCap is the maximum fractional spread that still triggers a
	// competitive bidding alert.
	SpreadAlertCap decimal.Decimal
	// MirrorTTL bounds staleness of the in-memory book mirror.
	MirrorTTL time.Duration
	// SinkTimeout bounds each outbound messaging send.
	SinkTimeout time.Duration
}

// DefaultConfig returns the stock engine tunables.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Second,
		PassBudget:          64,
		CommissionRate:      decimal.NewFromFloat(0.001),
		ConfirmDeadline:     60 * time.Second,
		NegotiationDeadline: 30 * time.Second,
		SpreadAlertCap:      decimal.NewFromFloat(0.20),
		MirrorTTL:           30 * time.Second,
		SinkTimeout:         5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.PassBudget <= 0 {
		c.PassBudget = d.PassBudget
	}
	if c.CommissionRate.IsNegative() {
		c.CommissionRate = d.CommissionRate
	}
	if c.ConfirmDeadline <= 0 {
		c.ConfirmDeadline = d.ConfirmDeadline
	}
	if c.NegotiationDeadline <= 0 {
		c.NegotiationDeadline = d.NegotiationDeadline
	}
	if c.SpreadAlertCap.IsZero() {
		c.SpreadAlertCap = d.SpreadAlertCap
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = d.MirrorTTL
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
}

// Engine drives matching for all contracts. One Engine runs per process;
// per-contract mutexes serialize everything that can commit a trade on a
// contract.
type Engine struct {
	store *store.Store
	cache *cache.MarketCache
	books *orderbook.Service
	sink  notify.Sink
	cfg   Config
	log   *zap.Logger
	stats *metrics.Collector

	confirms *confirmTable
	alerts   *alertThrottle
	mirror   *bookMirror

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	requests chan string
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New wires the matching engine. Callers must also install it on the order
// book service via SetMatcher.
func New(st *store.Store, mc *cache.MarketCache, books *orderbook.Service, sink notify.Sink, cfg Config, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Engine{
		store:    st,
		cache:    mc,
		books:    books,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		stats:    metrics.GetCollector(),
		confirms: newConfirmTable(),
		alerts:   newAlertThrottle(),
		mirror:   newBookMirror(cfg.MirrorTTL),
		locks:    make(map[string]*sync.Mutex),
		requests: make(chan string, 256),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RequestMatch schedules an on-demand pass for the contract. Never blocks; a
// full queue falls back to the periodic pass.
func (e *Engine) RequestMatch(contract string) {
	// The caller just changed the book; the pass must not run against the
	// cached snapshot.
	e.mirror.invalidate(contract)
	select {
	case e.requests <- contract:
	default:
		e.log.Debug("match request queue full", zap.String("contract", contract))
	}
}

// Run drives the periodic and on-demand loops until ctx is cancelled or Stop
// is called. It also consumes order lifecycle events to keep the mirror and
// the pair state honest.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	sub := e.cache.Bus().Subscribe(128,
		types.EventOrderCreated,
		types.EventOrderUpdated,
		types.EventOrderCancelled,
	)
	defer sub.Cancel()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.log.Info("matching engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.String("commission_rate", e.cfg.CommissionRate.String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case env := <-sub.C:
			e.onOrderEvent(env)
		case contract := <-e.requests:
			e.matchContract(ctx, contract)
		case <-ticker.C:
			e.runPass(ctx)
		}
	}
}

// Stop shuts the engine down and waits for the loop to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

// onOrderEvent reacts to an order changing under the engine: the mirror entry
// is stale and any pair state referencing the order no longer describes the
// book.
func (e *Engine) onOrderEvent(env types.Envelope) {
	ev, ok := env.Data.(types.OrderEvent)
	if !ok || ev.Order == nil {
		return
	}
	e.mirror.invalidate(ev.Order.Contract)
	e.clearPairState(ev.Order.ID)
}

// runPass is one periodic sweep: expire overdue orders, then match every
// contract with active orders, up to the pass budget.
func (e *Engine) runPass(ctx context.Context) {
	if has, ok := e.cache.HasActiveOrders(); ok && !has {
		return
	}

	expired, err := e.books.ExpireOrders(ctx, time.Now().UTC())
	if err != nil {
		e.log.Warn("expiry sweep failed", zap.Error(err))
	}
	for _, o := range expired {
		e.mirror.invalidate(o.Contract)
		e.clearPairState(o.ID)
	}

	contracts, err := e.store.ActiveContracts(ctx)
	if err != nil {
		e.log.Warn("active contract listing failed", zap.Error(err))
		return
	}
	if len(contracts) == 0 {
		e.cache.SetHasActiveOrders(false)
		e.cache.SetLastRun(time.Now().UTC())
		return
	}
	if len(contracts) > e.cfg.PassBudget {
		e.log.Warn("pass budget exceeded, deferring contracts",
			zap.Int("active", len(contracts)),
			zap.Int("budget", e.cfg.PassBudget))
		contracts = contracts[:e.cfg.PassBudget]
	}

	for _, contract := range contracts {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}
		e.matchContract(ctx, contract)
	}
	e.cache.SetLastRun(time.Now().UTC())
}

func (e *Engine) contractLock(contract string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[contract]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[contract] = mu
	}
	return mu
}

// maxExecutionsPerPass bounds the execute-and-rescan loop within one contract
// pass so a deep crossed book cannot starve the run loop.
const maxExecutionsPerPass = 32

// matchContract runs one pass over a single contract under its lock: select
// the best matchable pair, then execute, open a confirmation, or alert.
func (e *Engine) matchContract(ctx context.Context, contract string) {
	mu := e.contractLock(contract)
	mu.Lock()
	defer mu.Unlock()

	timer := metrics.NewTimer()
	outcome := "idle"

	for i := 0; i < maxExecutionsPerPass; i++ {
		bids, offers, err := e.mirror.snapshot(ctx, e.store, contract)
		if err != nil {
			e.log.Warn("book snapshot failed",
				zap.String("contract", contract),
				zap.Error(err))
			outcome = "error"
			break
		}
		e.stats.SetBookDepth(contract, len(bids), len(offers))
		if len(bids) == 0 || len(offers) == 0 {
			break
		}

		bid, offer := selectPair(bids, offers)
		if bid == nil {
			break
		}

		if bid.Price.LessThan(offer.Price) {
			e.maybeAlert(ctx, contract, bid, offer)
			outcome = "spread"
			break
		}

		if bid.RemainingQty == offer.RemainingQty {
			if err := e.executeLocked(ctx, contract, bid.ID, offer.ID, "", 0); err != nil {
				e.log.Warn("trade execution failed",
					zap.String("contract", contract),
					zap.String("bid", bid.ID),
					zap.String("offer", offer.ID),
					zap.Error(err))
				outcome = "error"
				break
			}
			outcome = "trade"
			continue
		}

		key := pairKey(contract, bid.ID, offer.ID)
		if e.pairBlocked(key) {
			outcome = "awaiting_confirmation"
			break
		}
		if e.openConfirmation(ctx, contract, bid, offer) {
			e.stats.RecordConfirmation("opened")
		}
		outcome = "awaiting_confirmation"
		break
	}

	e.stats.RecordMatchPass(contract, outcome, timer.ElapsedMs())
}

// selectPair picks the matchable (bid, offer) pair: best bid against best
// offer, stepping the offer to the next-best counterparty when the best pair
// would self-trade, then stepping the bid. Returns nils when every pairing is
// a self-trade.
func selectPair(bids, offers []*types.Order) (*types.Order, *types.Order) {
	for _, bid := range bids {
		for _, offer := range offers {
			if bid.Owner != offer.Owner {
				return bid, offer
			}
		}
	}
	return nil, nil
}

// executeConfirmed commits a trade settled through a confirmation or
// negotiation. It takes the contract lock itself because responses arrive on
// API and gateway goroutines, not the engine loop.
func (e *Engine) executeConfirmed(ctx context.Context, contract, bidID, offerID, liftID string, liftQty int64) error {
	mu := e.contractLock(contract)
	mu.Lock()
	err := e.executeLocked(ctx, contract, bidID, offerID, liftID, liftQty)
	mu.Unlock()

	if err != nil {
		// The pair stays unblocked; the next pass takes a fresh look.
		e.log.Warn("confirmed trade execution failed",
			zap.String("contract", contract),
			zap.String("bid", bidID),
			zap.String("offer", offerID),
			zap.Error(err))
		return err
	}
	e.stats.RecordConfirmation("accepted")
	e.RequestMatch(contract)
	return nil
}
