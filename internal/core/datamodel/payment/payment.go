package payment

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
)

const (
	MethodSTKPush = "mpesa_stk"
	MethodB2C     = "mpesa_b2c"
)

const (
	PurposeConsultationFee = "consultation_fee"
	PurposeCaseFee         = "case_fee"
	PurposeDocumentFee     = "document_fee"
	PurposeCourtFee        = "court_fee"
	PurposeOther           = "other"
	PurposeRefund          = "refund"
)

// UnresolvedStatuses are the statuses a transition may leave.
var UnresolvedStatuses = []string{StatusPending, StatusProcessing}

// PaymentTransaction is one monetary attempt, push payment or refund payout.
type PaymentTransaction struct {
	ID string `gorm:"column:id;primaryKey;type:varchar(36)"`

	MerchantRequestID        *string `gorm:"column:merchant_request_id;uniqueIndex"`
	CheckoutRequestID        *string `gorm:"column:checkout_request_id;uniqueIndex"`
	ConversationID           *string `gorm:"column:conversation_id;uniqueIndex"`
	OriginatorConversationID *string `gorm:"column:originator_conversation_id;uniqueIndex"`
	IdempotencyKey           *string `gorm:"column:idempotency_key;uniqueIndex"`

	Amount      int64  `gorm:"column:amount;not null"`
	Currency    string `gorm:"column:currency;not null;default:KES"`
	PayerRef    string `gorm:"column:payer_ref;not null"`
	Method      string `gorm:"column:method;not null"`
	Purpose     string `gorm:"column:purpose;not null"`
	Description string `gorm:"column:description"`
	RequestedBy string `gorm:"column:requested_by"`
	EntityType  string `gorm:"column:entity_type;index:idx_payment_entity,priority:1"`
	EntityRef   string `gorm:"column:entity_ref;index:idx_payment_entity,priority:2"`

	Status string `gorm:"column:status;not null;default:pending;index:idx_payment_status_created,priority:1"`

	ResultCode         *string        `gorm:"column:result_code"`
	ResultDesc         *string        `gorm:"column:result_desc"`
	ReceiptRef         *string        `gorm:"column:receipt_ref;index"`
	RequestPayload     datatypes.JSON `gorm:"column:request_payload"`
	ResponsePayload    datatypes.JSON `gorm:"column:response_payload"`
	CallbackPayload    datatypes.JSON `gorm:"column:callback_payload"`
	CallbackReceived   bool           `gorm:"column:callback_received;not null;default:false"`
	CallbackReceivedAt *time.Time     `gorm:"column:callback_received_at"`
	FailureReason      *string        `gorm:"column:failure_reason"`

	RetryCount  int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries  int        `gorm:"column:max_retries;not null;default:0"`
	LastRetryAt *time.Time `gorm:"column:last_retry_at"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at"`

	SourceTransactionID *string `gorm:"column:source_transaction_id;type:varchar(36);index"`
	RefundedAmount      int64   `gorm:"column:refunded_amount;not null;default:0"`
	RefundPendingAmount int64   `gorm:"column:refund_pending_amount;not null;default:0"`

	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;index:idx_payment_status_created,priority:2"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *PaymentTransaction) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

func (t *PaymentTransaction) IsRefund() bool {
	return t.Purpose == PurposeRefund
}

// RefundableAmount is what may still be refunded, net of settled and in-flight refunds.
func (t *PaymentTransaction) RefundableAmount() int64 {
	if t.Status != StatusCompleted {
		return 0
	}
	remaining := t.Amount - t.RefundedAmount - t.RefundPendingAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func IsValidPurpose(purpose string) bool {
	switch purpose {
	case PurposeConsultationFee, PurposeCaseFee, PurposeDocumentFee, PurposeCourtFee, PurposeOther, PurposeRefund:
		return true
	}
	return false
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}
