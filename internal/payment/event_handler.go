package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/mobile-money/internal/core/events"
)

// EventHandler reports terminal payment outcomes to collaborating subsystems.
// Delivery is a structured log line per event; collaborators subscribe to the
// same bus for anything richer.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{logger: logger}
}

func (h *EventHandler) HandlePaymentOutcome(ctx context.Context, event events.Event) error {
	statusEvent, ok := event.(*events.PaymentStatusEvent)
	if !ok {
		h.logger.Error("invalid event type for payment outcome handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStatusEvent, got %T", event)
	}

	h.logger.Info("payment outcome",
		"event_type", statusEvent.EventType(),
		"event_id", statusEvent.EventID(),
		"transaction_id", statusEvent.TransactionID,
		"status", statusEvent.Status,
		"purpose", statusEvent.Purpose,
		"amount", statusEvent.Amount,
		"receipt_ref", statusEvent.ReceiptRef,
		"entity_type", statusEvent.EntityType,
		"entity_ref", statusEvent.EntityRef,
		"source_transaction_id", statusEvent.SourceTransactionID)

	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventTypes := []string{
		events.EventTypePaymentCompleted,
		events.EventTypePaymentFailed,
		events.EventTypePaymentRefunded,
	}
	for _, eventType := range eventTypes {
		eventBus.Subscribe(eventType, h.HandlePaymentOutcome)
	}

	h.logger.Info("payment event handlers registered", "handlers", eventTypes)
}
