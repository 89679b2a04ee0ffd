package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/gateway"
)

// ProtectedSender wraps a gateway.Sender with a CircuitBreaker.
// When the downstream service (SES, SNS) starts failing, the circuit opens
// and delivery attempts fail fast with ErrCircuitOpen instead of piling up.
type ProtectedSender struct {
	sender  gateway.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender gateway.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts one delivery through the circuit breaker. An open circuit
// returns ErrCircuitOpen immediately; the scheduler treats that as a
// deferral, not a failed attempt.
func (p *ProtectedSender) Send(ctx context.Context, msg gateway.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
