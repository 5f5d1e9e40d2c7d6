package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/circuitbreaker"
)

// ProtectedSender wraps a Sender with a CircuitBreaker. When the provider
// starts failing, the circuit opens and tasks fail fast with ErrCircuitOpen
// instead of piling onto a dead service; the worker defers them.
type ProtectedSender struct {
	sender  Sender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the task through the circuit breaker. Permanent rejections
// do not count against the breaker: the provider answered, the payload is
// at fault.
func (p *ProtectedSender) Send(ctx context.Context, task *Task) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected task",
			zap.String("notification_id", task.NotificationID.String()),
			zap.String("channel", task.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s provider unavailable", circuitbreaker.ErrCircuitOpen, task.Channel)
	}

	err := p.sender.Send(ctx, task)
	if err != nil {
		if IsPermanent(err) {
			p.breaker.RecordSuccess()
			return err
		}
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for the status surface.
func (p *ProtectedSender) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
