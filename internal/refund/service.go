package refund

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/observability/metrics"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
)

const (
	rejectNotFound      = "not_found"
	rejectNotRefundable = "not_refundable"
	rejectExceeds       = "exceeds_refundable"

	failCodeNotSent  = "DISBURSEMENT_NOT_SENT"
	failCodeRejected = "DISBURSEMENT_REJECTED"
)

type ServiceAPI interface {
	Refund(ctx context.Context, req RefundRequest) (*payment.PaymentTransaction, error)
}

// Failer resolves a refund the provider never accepted; *payment.Reconciler
// in production, which also releases the reservation on the source.
type Failer interface {
	Fail(ctx context.Context, id string, attempts int, reason, code string) (*paymentpkg.Outcome, error)
}

type Service struct {
	repo    paymentpkg.RepositoryAPI
	gateway paymentgateway.API
	failer  Failer
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(repo paymentpkg.RepositoryAPI, gateway paymentgateway.API, failer Failer, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		failer:  failer,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// Refund pays money back to the payer of a completed transaction. The amount
// is reserved against the source and the refund row created in one database
// transaction before the payout is requested, so concurrent refunds can never
// exceed the original amount.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*payment.PaymentTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	source, err := s.repo.GetByID(ctx, req.TransactionID)
	if err != nil {
		if err == errors.ErrTransactionNotFound {
			s.metrics.IncRefundRejected(rejectNotFound)
		}
		return nil, err
	}
	if source.IsRefund() || source.Status != payment.StatusCompleted {
		s.metrics.IncRefundRejected(rejectNotRefundable)
		return nil, errors.ErrNotRefundable
	}

	amount := source.RefundableAmount()
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 || amount > source.RefundableAmount() {
		s.metrics.IncRefundRejected(rejectExceeds)
		return nil, s.exceeds(source)
	}

	refund := s.newRefund(source, amount, req)
	err = s.repo.Transaction(ctx, func(db *gorm.DB) error {
		repo := s.repo.WithTx(db)
		reserved, err := repo.ReserveRefund(ctx, source.ID, amount)
		if err != nil {
			return err
		}
		if !reserved {
			return errReservationLost
		}
		return repo.Create(ctx, refund)
	})
	if err == errReservationLost {
		// A concurrent refund consumed the balance after the check above.
		s.metrics.IncRefundRejected(rejectExceeds)
		current, getErr := s.repo.GetByID(ctx, source.ID)
		if getErr == nil {
			source = current
		}
		if source.Status != payment.StatusCompleted {
			return nil, errors.ErrNotRefundable
		}
		return nil, s.exceeds(source)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to reserve refund", err)
	}

	result, callErr := s.gateway.InitiateDisbursement(ctx, paymentgateway.DisbursementRequest{
		TransactionID: refund.ID,
		Amount:        amount,
		PayeeRef:      source.PayerRef,
		Reason:        req.Reason,
	})

	persistCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		return s.handleDisbursementError(persistCtx, refund, callErr)
	}

	fields := map[string]interface{}{
		"request_payload":  logpkg.ToJSON(result.RequestPayload),
		"response_payload": logpkg.ToJSON(result.ResponsePayload),
	}
	if result.ConversationID != "" {
		fields["conversation_id"] = result.ConversationID
	}
	changed, err := s.repo.Transition(persistCtx, refund.ID, []string{payment.StatusPending}, payment.StatusProcessing, fields)
	if err != nil {
		s.logger.Error("accepted refund not marked processing", "refund_id", refund.ID, "error", err)
		return nil, errors.NewInternalError("failed to persist refund", err)
	}
	if changed {
		refund.Status = payment.StatusProcessing
		if result.ConversationID != "" {
			refund.ConversationID = &result.ConversationID
		}
	} else if current, getErr := s.repo.GetByID(persistCtx, refund.ID); getErr == nil {
		// The result callback beat us here.
		refund = current
	}

	s.logger.Info("refund initiated",
		"refund_id", refund.ID,
		"source_transaction_id", source.ID,
		"amount", amount,
		"conversation_id", result.ConversationID)
	return refund, nil
}

var errReservationLost = stderrors.New("refundable balance changed concurrently")

func (s *Service) newRefund(source *payment.PaymentTransaction, amount int64, req RefundRequest) *payment.PaymentTransaction {
	now := s.clock.Now()
	id := uuid.NewString()
	sourceID := source.ID
	return &payment.PaymentTransaction{
		ID:                       id,
		OriginatorConversationID: &id,
		Amount:                   amount,
		Currency:                 source.Currency,
		PayerRef:                 source.PayerRef,
		Method:                   payment.MethodB2C,
		Purpose:                  payment.PurposeRefund,
		Description:              req.Reason,
		RequestedBy:              req.RequestedBy,
		EntityType:               source.EntityType,
		EntityRef:                source.EntityRef,
		Status:                   payment.StatusPending,
		SourceTransactionID:      &sourceID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func (s *Service) handleDisbursementError(ctx context.Context, refund *payment.PaymentTransaction, callErr error) (*payment.PaymentTransaction, error) {
	gwErr, ok := errors.AsGatewayError(callErr)
	if !ok {
		s.fail(ctx, refund, callErr.Error(), failCodeNotSent)
		return nil, callErr
	}

	switch {
	case !gwErr.Reached:
		s.fail(ctx, refund, gwErr.Error(), failCodeNotSent)
		return nil, errors.NewExternalError("Payment provider is unavailable", errors.ErrCodeGatewayUnavailable, http.StatusServiceUnavailable, gwErr).
			WithDetails(map[string]interface{}{"gateway_code": gwErr.Code})

	case gwErr.Transient():
		// The payout may have gone through; the reservation stays until the
		// result arrives or the supervisor gives up on it.
		s.logger.Warn("refund outcome unknown, left pending for supervisor", "refund_id", refund.ID, "error", gwErr)
		status, code := http.StatusServiceUnavailable, errors.ErrCodeGatewayUnavailable
		if gwErr.Code == errors.GatewayCodeTimeout {
			status, code = http.StatusGatewayTimeout, errors.ErrCodeGatewayTimeout
		}
		return refund, errors.NewExternalError("Refund outcome is not yet known", code, status, gwErr).
			WithDetails(map[string]interface{}{"gateway_code": gwErr.Code, "refund_id": refund.ID})

	default:
		s.fail(ctx, refund, firstNonEmpty(gwErr.Message, gwErr.Error()), failCodeRejected)
		return refund, errors.NewExternalError(firstNonEmpty(gwErr.Message, "Refund rejected by provider"), errors.ErrCodeGatewayRejected, http.StatusUnprocessableEntity, gwErr).
			WithDetails(map[string]interface{}{"gateway_code": gwErr.Code, "refund_id": refund.ID})
	}
}

func (s *Service) fail(ctx context.Context, refund *payment.PaymentTransaction, reason, code string) {
	outcome, err := s.failer.Fail(ctx, refund.ID, 0, reason, code)
	if err != nil {
		s.logger.Error("failed to fail rejected refund", "refund_id", refund.ID, "error", err)
		return
	}
	refund.Status = outcome.Status
	refund.FailureReason = &reason
}

func (s *Service) exceeds(source *payment.PaymentTransaction) error {
	appErr := *errors.ErrRefundExceedsAmount
	return appErr.WithDetails(map[string]interface{}{
		"transaction_id":    source.ID,
		"amount":            source.Amount,
		"refunded_amount":   source.RefundedAmount,
		"pending_amount":    source.RefundPendingAmount,
		"refundable_amount": source.RefundableAmount(),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
