package transactionlog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	InteractionPushRequest         = "push_request"
	InteractionStatusQuery         = "status_query"
	InteractionCallbackReceived    = "callback_received"
	InteractionDisbursementRequest = "disbursement_request"
	InteractionDisbursementResult  = "disbursement_result"
)

var ErrAppendOnly = errors.New("transaction log entries are append-only")

// TransactionLogEntry records one interaction with the provider. TransactionID
// is nil when the interaction could not be matched to a transaction.
type TransactionLogEntry struct {
	ID              string         `gorm:"column:id;primaryKey;type:varchar(36)"`
	TransactionID   *string        `gorm:"column:transaction_id;type:varchar(36);index"`
	CorrelationID   *string        `gorm:"column:correlation_id"`
	InteractionType string         `gorm:"column:interaction_type;not null;index:idx_txlog_type_created,priority:1"`
	RequestPayload  datatypes.JSON `gorm:"column:request_payload"`
	ResponsePayload datatypes.JSON `gorm:"column:response_payload"`
	LatencyMs       int64          `gorm:"column:latency_ms;not null;default:0"`
	Success         bool           `gorm:"column:success;not null;default:false"`
	ErrorCode       *string        `gorm:"column:error_code"`
	ErrorMessage    *string        `gorm:"column:error_message"`
	ClientIP        string         `gorm:"column:client_ip"`
	UserAgent       string         `gorm:"column:user_agent"`
	Environment     string         `gorm:"column:environment;not null"`
	IsRetry         bool           `gorm:"column:is_retry;not null;default:false"`
	Attempt         int            `gorm:"column:attempt;not null;default:0"`
	CreatedAt       time.Time      `gorm:"column:created_at;index:idx_txlog_type_created,priority:2"`
}

func (TransactionLogEntry) TableName() string {
	return "transaction_logs"
}

func (e *TransactionLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *TransactionLogEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnly
}
