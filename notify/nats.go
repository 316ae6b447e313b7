package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSendTimeout = 5 * time.Second

// NATSSink publishes outbound participant messages to a NATS subject per
// recipient. The messaging gateway downstream owns actual delivery.
type NATSSink struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

// OutboundMessage is the wire form consumed by the messaging gateway.
type OutboundMessage struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// InboundMessage is a participant reply relayed by the messaging gateway.
type InboundMessage struct {
	From string `json:"from"` // gateway-side sender identifier
	Text string `json:"text"`
}

// NewNATSSink connects to the NATS server. prefix scopes the venue's
// subjects, e.g. "commodex.msg".
func NewNATSSink(url, prefix string, log *zap.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("commodex-messaging"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if prefix == "" {
		prefix = "commodex.msg"
	}
	return &NATSSink{
		conn:    conn,
		prefix:  prefix,
		timeout: defaultSendTimeout,
		log:     log,
	}, nil
}

// Send publishes the message and flushes within the per-call timeout.
// Exceeded calls are abandoned; the caller treats that as delivered-unknown.
func (s *NATSSink) Send(ctx context.Context, recipient, text string) error {
	payload, err := json.Marshal(OutboundMessage{
		Recipient: recipient,
		Text:      text,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < timeout {
			timeout = remain
		}
	}

	if err := s.conn.Publish(s.prefix+".out."+recipient, payload); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	if err := s.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// SubscribeInbound wires participant replies (free-text YES/NO commands) into
// the handler. The subscription lives until Close.
func (s *NATSSink) SubscribeInbound(handler func(from, text string)) (*nats.Subscription, error) {
	sub, err := s.conn.Subscribe(s.prefix+".in", func(msg *nats.Msg) {
		var in InboundMessage
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			s.log.Warn("malformed inbound message", zap.Error(err))
			return
		}
		handler(in.From, in.Text)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe inbound: %w", err)
	}
	return sub, nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.log.Warn("nats drain failed", zap.Error(err))
	}
}
