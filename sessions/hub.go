// Package sessions implements session fan-out: the WebSocket hub that routes
// market cache bus events to connected participants. Each connection joins its
// user room on attach; contract rooms are joined by subscription or
// automatically when the user trades the contract.
package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/openalpha/commodex/cache"
	"github.com/openalpha/commodex/metrics"
	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

// Responder receives confirmation and negotiation answers arriving on a
// session. The matching engine implements it.
type Responder interface {
	HandleConfirmationResponse(ctx context.Context, user string, resp types.ConfirmationResponse) error
	HandleNegotiationResponse(ctx context.Context, user string, resp types.NegotiationResponse) error
}

func userRoom(userID string) string     { return "user:" + userID }
func marketRoom(contract string) string { return "market:" + contract }

const adminRoom = "admin"

type subscriptionRequest struct {
	client *Client
	room   string
}

// Hub maintains the set of active clients and fans bus events out to rooms.
type Hub struct {
	store     *store.Store
	cache     *cache.MarketCache
	responder Responder
	log       *zap.Logger
	stats     *metrics.Collector

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu sync.RWMutex
}

// NewHub wires the session hub.
func NewHub(st *store.Store, mc *cache.MarketCache, responder Responder, log *zap.Logger) *Hub {
	return &Hub{
		store:       st,
		cache:       mc,
		responder:   responder,
		log:         log,
		stats:       metrics.GetCollector(),
		clients:     make(map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *subscriptionRequest, 256),
		unsubscribe: make(chan *subscriptionRequest, 256),
	}
}

// Run drives the hub until ctx is cancelled, consuming every bus event.
func (h *Hub) Run(ctx context.Context) {
	sub := h.cache.Bus().Subscribe(256)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.registerClient(ctx, client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case req := <-h.subscribe:
			h.joinRoom(req.client, req.room)
		case req := <-h.unsubscribe:
			h.leaveRoom(req.client, req.room)
		case env := <-sub.C:
			h.route(ctx, env)
		}
	}
}

func (h *Hub) registerClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Every session lives in its user room; admins also see the venue-wide
	// feed.
	h.joinRoom(client, userRoom(client.userID))
	if client.isAdmin {
		h.joinRoom(client, adminRoom)
	}

	// A reconnecting participant keeps their stake: rejoin the contract room
	// for every contract where they hold an active order.
	contracts, err := h.store.ActiveContractsForOwner(ctx, client.userID)
	if err != nil {
		h.log.Warn("attach auto-join lookup failed",
			zap.String("user", client.userID),
			zap.Error(err))
	}
	h.mu.Lock()
	for _, c := range contracts {
		room := marketRoom(c)
		if _, ok := h.rooms[room]; !ok {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][client] = true
		client.autoJoined[room] = true
	}
	h.mu.Unlock()

	h.stats.RecordWSConnection(1)
	h.log.Info("session attached",
		zap.String("user", client.userID),
		zap.String("remote", client.remote))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for room, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	client.closeSend()
	h.mu.Unlock()

	h.stats.RecordWSConnection(-1)
	h.log.Info("session detached", zap.String("user", client.userID))
}

func (h *Hub) joinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
}

func (h *Hub) leaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// sendToRooms marshals the envelope once and delivers it to every distinct
// client across the rooms. Slow clients drop the message rather than stall
// the hub.
func (h *Hub) sendToRooms(env types.Envelope, rooms ...string) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("event encode failed", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]bool)
	for _, room := range rooms {
		for client := range h.rooms[room] {
			targets[client] = true
		}
	}
	h.mu.RUnlock()

	for client := range targets {
		if client.trySend(data) {
			h.stats.RecordWSMessage(string(env.Type))
		} else {
			h.stats.RecordWSDrop(string(env.Type))
		}
	}
}

// route applies the event routing matrix: market-wide events go to the
// contract room, user-scoped events to the recipient's room, order lifecycle
// to the owner with OFFER updates also announced to the market.
func (h *Hub) route(ctx context.Context, env types.Envelope) {
	switch env.Type {
	case types.EventOrderCreated, types.EventOrderCancelled:
		ev, ok := env.Data.(types.OrderEvent)
		if !ok || ev.Order == nil {
			return
		}
		if env.Type == types.EventOrderCreated {
			h.autoJoinMarket(ev.Order.Owner, ev.Order.Contract)
		}
		// Creation and cancellation stay between the owner and the venue; the
		// market room learns about the book through price_changed.
		h.sendToRooms(env, userRoom(ev.Order.Owner), adminRoom)
		if env.Type == types.EventOrderCancelled {
			h.autoUnsubscribe(ctx, ev.Order)
		}

	case types.EventOrderUpdated:
		ev, ok := env.Data.(types.OrderEvent)
		if !ok || ev.Order == nil {
			return
		}
		// Offer-side changes move the ask the market sees; bid updates stay
		// private to the owner.
		if ev.Order.Side == types.SideOffer {
			h.sendToRooms(env, userRoom(ev.Order.Owner), marketRoom(ev.Order.Contract), adminRoom)
		} else {
			h.sendToRooms(env, userRoom(ev.Order.Owner), adminRoom)
		}

	case types.EventOrderMatched, types.EventOrderPartial:
		ev, ok := env.Data.(types.OrderEvent)
		if !ok || ev.Order == nil {
			return
		}
		h.sendToRooms(env, userRoom(ev.Order.Owner), adminRoom)

	case types.EventOrderFilled:
		ev, ok := env.Data.(types.OrderEvent)
		if !ok || ev.Order == nil {
			return
		}
		h.sendToRooms(env, userRoom(ev.Order.Owner), adminRoom)
		h.autoUnsubscribe(ctx, ev.Order)

	case types.EventTradeExecuted:
		ev, ok := env.Data.(types.TradeEvent)
		if !ok || ev.Trade == nil {
			return
		}
		h.sendToRooms(env,
			marketRoom(ev.Trade.Contract),
			userRoom(ev.Trade.Buyer),
			userRoom(ev.Trade.Seller),
			adminRoom)

	case types.EventPriceChanged:
		ev, ok := env.Data.(types.PriceChangeEvent)
		if !ok {
			return
		}
		h.sendToRooms(env, marketRoom(ev.Contract), adminRoom)

	case types.EventMarketUpdate:
		ev, ok := env.Data.(types.MarketAlert)
		if !ok {
			return
		}
		h.sendToRooms(env, userRoom(ev.Recipient), adminRoom)

	case types.EventConfirmationRequest:
		ev, ok := env.Data.(types.ConfirmationRequest)
		if !ok {
			return
		}
		h.sendToRooms(env, userRoom(ev.Recipient))

	case types.EventPartialFillApproval, types.EventPartialFillDeclined, types.EventCounterpartyDeclined:
		ev, ok := env.Data.(types.ConfirmationOutcome)
		if !ok {
			return
		}
		h.sendToRooms(env, userRoom(ev.Recipient))

	case types.EventNegotiationYourTurn:
		ev, ok := env.Data.(types.NegotiationTurn)
		if !ok {
			return
		}
		h.sendToRooms(env, userRoom(ev.Recipient))
	}
}

// autoUnsubscribe drops the owner's sessions from the contract room once
// their last order in the contract is gone.
func (h *Hub) autoUnsubscribe(ctx context.Context, order *types.Order) {
	contracts, err := h.store.ActiveContractsForOwner(ctx, order.Owner)
	if err != nil {
		h.log.Warn("auto-unsubscribe check failed",
			zap.String("user", order.Owner),
			zap.Error(err))
		return
	}
	for _, c := range contracts {
		if c == order.Contract {
			return
		}
	}

	room := marketRoom(order.Contract)
	h.mu.Lock()
	members := h.rooms[room]
	for client := range members {
		if client.userID == order.Owner && client.autoJoined[room] {
			delete(members, client)
			delete(client.autoJoined, room)
		}
	}
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()
}

// autoJoinMarket puts the owner's live sessions in the contract room; used
// when an order gives the user a stake in the contract.
func (h *Hub) autoJoinMarket(userID, contract string) {
	room := marketRoom(contract)
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.userID != userID {
			continue
		}
		if _, ok := h.rooms[room]; !ok {
			h.rooms[room] = make(map[*Client]bool)
		}
		if !h.rooms[room][client] {
			h.rooms[room][client] = true
			client.autoJoined[room] = true
		}
	}
}

// ClientCount returns the number of attached sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an authenticated request into a session. The caller
// resolves the user before handing off.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, user *store.User) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, user, r.RemoteAddr)
	h.register <- client

	go client.writePump()
	go client.readPump()
}
