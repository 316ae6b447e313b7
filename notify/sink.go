// Package notify adapts the external messaging channel. The core treats it as
// a best-effort send(recipient, text) sink: a failed or slow delivery never
// aborts a state transition.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sink delivers a text message to a participant over the external messaging
// channel.
type Sink interface {
	Send(ctx context.Context, recipient, text string) error
}

// NopSink discards every message. Used when no messaging gateway is
// configured, and by tests.
type NopSink struct{}

func (NopSink) Send(context.Context, string, string) error { return nil }

// LogSink records deliveries through the logger only.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(_ context.Context, recipient, text string) error {
	s.Log.Info("message delivered (log sink)",
		zap.String("recipient", recipient),
		zap.String("text", text))
	return nil
}
