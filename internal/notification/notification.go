package notification

import (
	"context"
	"log/slog"
)

// Event kinds dispatched to agents.
const (
	KindPaymentCompleted = "payment_completed"
	KindPaymentFailed    = "payment_failed"
	KindPaymentReview    = "payment_review"
	KindEscrowFunded     = "escrow_funded"
	KindEscrowReleased   = "escrow_released"
	KindEscrowDisputed   = "escrow_disputed"
	KindEscrowResolved   = "escrow_resolved"
	KindEscrowExpired    = "escrow_expired"
)

// Event describes a notification payload addressed to an agent.
type Event struct {
	AgentID string
	Kind    string
	Payload map[string]string
}

// Dispatcher delivers events to agents. Delivery is best effort: callers log
// errors and move on, a failed send never unwinds a payment.
type Dispatcher interface {
	Send(ctx context.Context, event Event) error
}

// LoggerDispatcher writes events to the structured logger. Stands in for a
// real transport in dev mode and tests.
type LoggerDispatcher struct {
	logger *slog.Logger
}

// NewLoggerDispatcher constructs a logging dispatcher.
func NewLoggerDispatcher(logger *slog.Logger) *LoggerDispatcher {
	return &LoggerDispatcher{logger: logger}
}

// Send writes the event to the structured logger.
func (d *LoggerDispatcher) Send(_ context.Context, event Event) error {
	if d == nil || d.logger == nil {
		return nil
	}
	d.logger.Info("notification", "agent_id", event.AgentID, "kind", event.Kind, "payload", event.Payload)
	return nil
}
