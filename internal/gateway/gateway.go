// Package gateway is the outbound delivery boundary. The engine hands a
// message to a Sender and treats any non-success, transport errors and
// timeouts included, uniformly as a delivery failure that feeds the retry
// state machine.
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Message is a single outbound delivery: a recipient address (email or
// phone number depending on channel), a subject and a body.
type Message struct {
	Channel   string
	Recipient string
	Subject   string
	Body      string
}

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES), SMS (SNS), log (dev/test).
type Sender interface {
	Send(ctx context.Context, msg Message) error
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel.
func (m *MultiSender) Send(ctx context.Context, msg Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
			)
			return sender.Send(ctx, msg)
		}
	}
	return fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (development/testing).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("channel", msg.Channel),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	// LogSender accepts all channels for development/testing
	return channel == ChannelEmail || channel == ChannelSMS
}
