package refund

import (
	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/common/validation"
)

// RefundRequest is the body of POST /payments/{id}/refund. A nil Amount
// refunds whatever is still refundable.
type RefundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason"`

	TransactionID string `json:"-"`
	RequestedBy   string `json:"-"`
}

func (r *RefundRequest) Validate() error {
	validator := validation.NewValidator()
	validator.Field("transaction_id", r.TransactionID).Required()
	if r.Amount != nil {
		validator.Field("amount", *r.Amount).MinInt(1, errors.ErrCodeInvalidAmount)
	}
	validator.Field("reason", r.Reason).MaxLength(100)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RefundResponse struct {
	RefundID            string `json:"refund_id"`
	SourceTransactionID string `json:"source_transaction_id"`
	Amount              int64  `json:"amount"`
	Status              string `json:"status"`
	ConversationID      string `json:"conversation_id,omitempty"`
	Message             string `json:"message,omitempty"`
}
