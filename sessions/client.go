package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openalpha/commodex/store"
	"github.com/openalpha/commodex/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Size of the per-client send buffer.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is the reverse proxy's job in this deployment.
		return true
	},
}

// Client is one attached session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send carries outbound frames to the write pump. sendMu and sendClosed
	// keep late enqueues from racing the hub closing the channel.
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	userID  string
	isAdmin bool
	remote  string

	// rooms the hub joined on the user's behalf, eligible for
	// auto-unsubscribe. Guarded by hub.mu.
	autoJoined map[string]bool

	connectedAt time.Time
}

// clientMessage is the inbound session frame.
type clientMessage struct {
	Action   string          `json:"action"` // subscribe, unsubscribe, confirm, negotiate, ping
	Contract string          `json:"contract,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn, user *store.User, remote string) *Client {
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		userID:      user.ID,
		isAdmin:     user.IsAdmin,
		remote:      remote,
		autoJoined:  make(map[string]bool),
		connectedAt: time.Now(),
	}
}

// readPump pumps inbound frames from the connection to the hub and the
// matching engine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("session read failed",
					zap.String("user", c.userID),
					zap.Error(err))
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid_message", "failed to parse message")
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump pumps hub messages to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Drain queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.handleSubscribe(msg.Contract)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Contract)
	case "confirm":
		c.handleConfirm(msg.Data)
	case "negotiate":
		c.handleNegotiate(msg.Data)
	case "ping":
		c.handlePing()
	default:
		c.sendError("unknown_action", "unknown action: "+msg.Action)
	}
}

func (c *Client) handleSubscribe(contract string) {
	if !types.ValidContract(contract) {
		c.sendError("invalid_contract", "not a valid contract id")
		return
	}
	c.hub.subscribe <- &subscriptionRequest{client: c, room: marketRoom(contract)}
	c.sendAck("subscribed", contract)
}

func (c *Client) handleUnsubscribe(contract string) {
	if !types.ValidContract(contract) {
		c.sendError("invalid_contract", "not a valid contract id")
		return
	}
	c.hub.unsubscribe <- &subscriptionRequest{client: c, room: marketRoom(contract)}
	c.sendAck("unsubscribed", contract)
}

func (c *Client) handleConfirm(data json.RawMessage) {
	var resp types.ConfirmationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.sendError("invalid_confirmation", "failed to parse confirmation response")
		return
	}
	if err := c.hub.responder.HandleConfirmationResponse(context.Background(), c.userID, resp); err != nil {
		c.sendError("confirmation_rejected", err.Error())
	}
}

func (c *Client) handleNegotiate(data json.RawMessage) {
	var resp types.NegotiationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.sendError("invalid_negotiation", "failed to parse negotiation response")
		return
	}
	if err := c.hub.responder.HandleNegotiationResponse(context.Background(), c.userID, resp); err != nil {
		c.sendError("negotiation_rejected", err.Error())
	}
}

func (c *Client) handlePing() {
	c.enqueue(map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (c *Client) sendAck(kind, contract string) {
	c.enqueue(map[string]string{
		"type":     kind,
		"contract": contract,
	})
}

func (c *Client) sendError(code, message string) {
	c.enqueue(map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues a frame for the write pump without blocking. It reports
// false when the buffer is full or the session is already shut down.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel exactly once, after which the write
// pump drains and closes the connection.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}
