package payment

import (
	"strings"
	"time"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/common/validation"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
)

// InitiatePaymentRequest is the body of POST /payments.
type InitiatePaymentRequest struct {
	Amount      int64  `json:"amount"`
	PayerRef    string `json:"payer_ref"`
	Purpose     string `json:"purpose"`
	Description string `json:"description"`
	EntityType  string `json:"entity_type,omitempty"`
	EntityRef   string `json:"entity_ref,omitempty"`

	IdempotencyKey string `json:"-"`
	RequestedBy    string `json:"-"`
}

func (r *InitiatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).MinInt(1, errors.ErrCodeInvalidAmount)
	validator.Field("payer_ref", r.PayerRef).Required().Custom(func(value interface{}) *errors.AppError {
		if s, _ := value.(string); s != "" {
			if _, ok := paymentgateway.NormalizeMSISDN(s); !ok {
				return errors.NewValidationFieldError("payer_ref", "payer_ref must be a valid mobile number (2547XXXXXXXX or 2541XXXXXXXX)", errors.ErrCodeInvalidPayerRef)
			}
		}
		return nil
	})
	validator.Field("purpose", r.Purpose).Required().OneOf(errors.ErrCodeInvalidPurpose,
		payment.PurposeConsultationFee,
		payment.PurposeCaseFee,
		payment.PurposeDocumentFee,
		payment.PurposeCourtFee,
		payment.PurposeOther,
	)
	validator.Field("description", r.Description).MaxLength(255)
	validator.Field("entity_type", r.EntityType).MaxLength(50)
	validator.Field("entity_ref", r.EntityRef).MaxLength(100)
	validator.Field("idempotency_key", r.IdempotencyKey).MaxLength(128)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type InitiatePaymentResponse struct {
	TransactionID     string `json:"transaction_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Status            string `json:"status"`
	Message           string `json:"message,omitempty"`
}

type StatusResponse struct {
	TransactionID       string     `json:"transaction_id"`
	Status              string     `json:"status"`
	Amount              int64      `json:"amount"`
	Currency            string     `json:"currency"`
	Purpose             string     `json:"purpose"`
	Method              string     `json:"method"`
	Description         string     `json:"description,omitempty"`
	ReceiptRef          *string    `json:"receipt_ref"`
	ResultCode          *string    `json:"result_code,omitempty"`
	ResultDesc          *string    `json:"result_desc,omitempty"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	RefundedAmount      int64      `json:"refunded_amount"`
	RefundableAmount    int64      `json:"refundable_amount"`
	SourceTransactionID *string    `json:"source_transaction_id,omitempty"`
	EntityType          string     `json:"entity_type,omitempty"`
	EntityRef           string     `json:"entity_ref,omitempty"`
	RetryCount          int        `json:"retry_count"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func NewStatusResponse(p *payment.PaymentTransaction) StatusResponse {
	return StatusResponse{
		TransactionID:       p.ID,
		Status:              p.Status,
		Amount:              p.Amount,
		Currency:            p.Currency,
		Purpose:             p.Purpose,
		Method:              p.Method,
		Description:         p.Description,
		ReceiptRef:          p.ReceiptRef,
		ResultCode:          p.ResultCode,
		ResultDesc:          p.ResultDesc,
		FailureReason:       p.FailureReason,
		RefundedAmount:      p.RefundedAmount,
		RefundableAmount:    p.RefundableAmount(),
		SourceTransactionID: p.SourceTransactionID,
		EntityType:          p.EntityType,
		EntityRef:           p.EntityRef,
		RetryCount:          p.RetryCount,
		CreatedAt:           p.CreatedAt,
		CompletedAt:         p.CompletedAt,
	}
}

type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

type ListResult struct {
	Data       []StatusResponse `json:"data"`
	Pagination Pagination       `json:"pagination"`
}

func (f *ListFilter) Validate() error {
	validator := validation.NewValidator()
	validator.Field("status", f.Status).Custom(func(value interface{}) *errors.AppError {
		if s, _ := value.(string); s != "" && !payment.IsValidStatus(s) {
			return errors.NewValidationFieldError("status", "status is not a known payment status", errors.ErrCodeValidationFailed)
		}
		return nil
	})
	validator.Field("method", f.Method).OneOf(errors.ErrCodeValidationFailed, payment.MethodSTKPush, payment.MethodB2C)
	validator.Field("purpose", f.Purpose).Custom(func(value interface{}) *errors.AppError {
		if s, _ := value.(string); s != "" && !payment.IsValidPurpose(s) {
			return errors.NewValidationFieldError("purpose", "purpose is not a known payment purpose", errors.ErrCodeInvalidPurpose)
		}
		return nil
	})
	validator.Field("q", f.Query).MaxLength(100)
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return errors.NewValidationFieldError("from", "from must be before to", errors.ErrCodeInvalidDate)
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type PurposeBreakdown struct {
	Purpose string `json:"purpose"`
	Count   int64  `json:"count"`
	Volume  int64  `json:"volume"`
}

// AnalyticsSummary aggregates push payments; refund payouts are reported separately.
type AnalyticsSummary struct {
	From            *time.Time         `json:"from,omitempty"`
	To              *time.Time         `json:"to,omitempty"`
	TotalCount      int64              `json:"total_count"`
	CompletedCount  int64              `json:"completed_count"`
	FailedCount     int64              `json:"failed_count"`
	PendingCount    int64              `json:"pending_count"`
	RefundedCount   int64              `json:"refunded_count"`
	SuccessRate     float64            `json:"success_rate"`
	CompletedVolume int64              `json:"completed_volume"`
	FailedVolume    int64              `json:"failed_volume"`
	RefundCount     int64              `json:"refund_count"`
	RefundVolume    int64              `json:"refund_volume"`
	ByStatus        map[string]int64   `json:"by_status"`
	ByPurpose       []PurposeBreakdown `json:"by_purpose"`
}

func parseOptionalTime(field, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	layouts := []string{time.RFC3339, "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.NewValidationFieldError(field, field+" must be RFC3339 or YYYY-MM-DD", errors.ErrCodeInvalidDate)
}
