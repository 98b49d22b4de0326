package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
)

// PaymentStatusEvent is emitted once per terminal transition.
type PaymentStatusEvent struct {
	BaseEvent
	TransactionID       string `json:"transaction_id"`
	Purpose             string `json:"purpose"`
	Amount              int64  `json:"amount"`
	Status              string `json:"status"`
	ReceiptRef          string `json:"receipt_ref,omitempty"`
	ResultCode          string `json:"result_code,omitempty"`
	ResultDesc          string `json:"result_desc,omitempty"`
	EntityType          string `json:"entity_type,omitempty"`
	EntityRef           string `json:"entity_ref,omitempty"`
	SourceTransactionID string `json:"source_transaction_id,omitempty"`
}

type PaymentStatusData struct {
	TransactionID       string
	Purpose             string
	Amount              int64
	Status              string
	ReceiptRef          string
	ResultCode          string
	ResultDesc          string
	EntityType          string
	EntityRef           string
	SourceTransactionID string
}

func newPaymentStatusEvent(eventType string, d PaymentStatusData) *PaymentStatusEvent {
	return &PaymentStatusEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id": d.TransactionID,
				"purpose":        d.Purpose,
				"amount":         d.Amount,
				"status":         d.Status,
				"receipt_ref":    d.ReceiptRef,
				"result_code":    d.ResultCode,
				"entity_type":    d.EntityType,
				"entity_ref":     d.EntityRef,
			},
		},
		TransactionID:       d.TransactionID,
		Purpose:             d.Purpose,
		Amount:              d.Amount,
		Status:              d.Status,
		ReceiptRef:          d.ReceiptRef,
		ResultCode:          d.ResultCode,
		ResultDesc:          d.ResultDesc,
		EntityType:          d.EntityType,
		EntityRef:           d.EntityRef,
		SourceTransactionID: d.SourceTransactionID,
	}
}

func NewPaymentCompletedEvent(d PaymentStatusData) *PaymentStatusEvent {
	return newPaymentStatusEvent(EventTypePaymentCompleted, d)
}

func NewPaymentFailedEvent(d PaymentStatusData) *PaymentStatusEvent {
	return newPaymentStatusEvent(EventTypePaymentFailed, d)
}

// NewPaymentRefundedEvent is raised on the source transaction when a refund payout settles.
func NewPaymentRefundedEvent(d PaymentStatusData) *PaymentStatusEvent {
	return newPaymentStatusEvent(EventTypePaymentRefunded, d)
}
