package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPayerRef  ErrorCode = "INVALID_PAYER_REFERENCE"
	ErrCodeInvalidPurpose   ErrorCode = "INVALID_PURPOSE"
	ErrCodeInvalidDate      ErrorCode = "INVALID_DATE"

	ErrCodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"
	ErrCodeNotRefundable       ErrorCode = "TRANSACTION_NOT_REFUNDABLE"
	ErrCodeRefundExceedsAmount ErrorCode = "REFUND_EXCEEDS_REFUNDABLE_BALANCE"
	ErrCodeRequestInProgress   ErrorCode = "REQUEST_IN_PROGRESS"

	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeUserInactive       ErrorCode = "USER_INACTIVE"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeInsufficientPerms  ErrorCode = "INSUFFICIENT_PERMISSIONS"

	ErrCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	ErrCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			messages := make([]string, len(validationErrors.Errors))
			for i, err := range validationErrors.Errors {
				messages[i] = err.Message
			}
			return strings.Join(messages, "; ")
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewExternalError(message string, code ErrorCode, statusCode int, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

var (
	ErrTransactionNotFound = NewNotFoundError("Transaction not found", ErrCodeTransactionNotFound)
	ErrNotRefundable       = NewConflictError("Only completed payments can be refunded", ErrCodeNotRefundable)
	ErrRefundExceedsAmount = NewValidationError("Refund amount exceeds the refundable balance", ErrCodeRefundExceedsAmount)
	ErrRequestInProgress   = NewConflictError("A request with this idempotency key is already in progress", ErrCodeRequestInProgress)

	ErrInvalidCredentials = NewUnauthorizedError("Invalid email or password", ErrCodeInvalidCredentials)
	ErrUserInactive       = NewForbiddenError("User account is inactive", ErrCodeUserInactive)
	ErrInvalidToken       = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired       = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}

// ----------------- GATEWAY -----------------

type GatewayErrorKind string

const (
	GatewayErrorTransient GatewayErrorKind = "transient"
	GatewayErrorPermanent GatewayErrorKind = "permanent"
)

const (
	GatewayCodeTransport  = "TRANSPORT_ERROR"
	GatewayCodeTimeout    = "TIMEOUT"
	GatewayCodeServer     = "PROVIDER_UNAVAILABLE"
	GatewayCodeAuthFailed = "AUTH_FAILED"
	GatewayCodeInProgress = "TRANSACTION_IN_PROGRESS"
	GatewayCodeMalformed  = "MALFORMED_RESPONSE"
)

// GatewayError is returned by every outbound provider call. Callers branch on
// Kind instead of retrying blindly.
type GatewayError struct {
	Kind       GatewayErrorKind
	Op         string
	StatusCode int
	Code       string
	Message    string
	// Reached is true when the request was fully written to the provider, so it
	// may have been accepted even though no usable answer came back.
	Reached bool
	Cause   error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

func (e *GatewayError) Transient() bool {
	return e.Kind == GatewayErrorTransient
}

// NewGatewayTransportError covers network failures, timeouts and provider 5xx.
func NewGatewayTransportError(op, code string, statusCode int, reached bool, cause error) *GatewayError {
	return &GatewayError{
		Kind:       GatewayErrorTransient,
		Op:         op,
		StatusCode: statusCode,
		Code:       code,
		Reached:    reached,
		Cause:      cause,
	}
}

// NewGatewayBusinessError covers requests the provider answered and rejected.
func NewGatewayBusinessError(op, code, message string, statusCode int) *GatewayError {
	return &GatewayError{
		Kind:       GatewayErrorPermanent,
		Op:         op,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Reached:    true,
	}
}

func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

func IsTransientGatewayError(err error) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.Transient()
}

// ----------------- CALLBACKS -----------------

var (
	ErrOrphanCallback    = errors.New("callback does not match any transaction")
	ErrDuplicateCallback = errors.New("transaction already reached a terminal status")
)

type OrphanCallbackError struct {
	CorrelationID string
}

func (e *OrphanCallbackError) Error() string {
	return fmt.Sprintf("%v: correlation id %q", ErrOrphanCallback, e.CorrelationID)
}

func (e *OrphanCallbackError) Is(target error) bool {
	return target == ErrOrphanCallback
}

type DuplicateCallbackError struct {
	TransactionID string
	Status        string
}

func (e *DuplicateCallbackError) Error() string {
	return fmt.Sprintf("%v: transaction %s is %s", ErrDuplicateCallback, e.TransactionID, e.Status)
}

func (e *DuplicateCallbackError) Is(target error) bool {
	return target == ErrDuplicateCallback
}
