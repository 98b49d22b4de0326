package paymentgateway

import (
	"context"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/common/validation"
)

const (
	OpPush         = "push"
	OpStatusQuery  = "status_query"
	OpDisbursement = "disbursement"
	OpAuth         = "auth"
)

// API is the surface the payment, supervisor and refund services depend on.
type API interface {
	InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error)
	QueryStatus(ctx context.Context, req StatusQuery) (*StatusResult, error)
	InitiateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResult, error)
	Environment() string
}

type PushRequest struct {
	TransactionID string
	Amount        int64
	PayerRef      string
	Reference     string
	Description   string
}

type PushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
	RequestPayload    []byte
	ResponsePayload   []byte
}

type StatusQuery struct {
	TransactionID     string
	CheckoutRequestID string
	Attempt           int
}

type StatusResult struct {
	ResultCode      string
	ResultDesc      string
	ReceiptRef      string
	ResponsePayload []byte
}

type DisbursementRequest struct {
	TransactionID string
	Amount        int64
	PayeeRef      string
	Reason        string
}

type DisbursementResult struct {
	ConversationID           string
	OriginatorConversationID string
	RequestPayload           []byte
	ResponsePayload          []byte
}

func (r *PushRequest) Validate() error {
	if appErr := validation.ValidateAmount("amount", r.Amount); appErr != nil {
		return appErr
	}
	return validatePhone("payer_ref", r.PayerRef)
}

func (r *StatusQuery) Validate() error {
	validator := validation.NewValidator()
	validator.Field("checkout_request_id", r.CheckoutRequestID).Required()
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *DisbursementRequest) Validate() error {
	if appErr := validation.ValidateAmount("amount", r.Amount); appErr != nil {
		return appErr
	}
	return validatePhone("payee_ref", r.PayeeRef)
}

func validatePhone(field, value string) error {
	if _, ok := NormalizeMSISDN(value); !ok {
		return errors.NewValidationFieldError(field, field+" must be a valid mobile number (2547XXXXXXXX or 2541XXXXXXXX)", errors.ErrCodeInvalidPayerRef)
	}
	return nil
}
