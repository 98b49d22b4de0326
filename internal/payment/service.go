package payment

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/idempotency"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
)

const (
	defaultCurrency       = "KES"
	defaultIdempotencyTTL = 2 * time.Minute
	idempotencyScope      = "payments"
)

type ServiceAPI interface {
	Initiate(ctx context.Context, req InitiatePaymentRequest) (*payment.PaymentTransaction, error)
	GetStatus(ctx context.Context, id string) (*payment.PaymentTransaction, error)
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	Analytics(ctx context.Context, from, to *time.Time) (*AnalyticsSummary, error)
}

type ServiceConfig struct {
	Currency       string
	IdempotencyTTL time.Duration
}

type Service struct {
	repo      RepositoryAPI
	analytics AnalyticsRepositoryAPI
	gateway   paymentgateway.API
	locker    idempotency.Locker
	clock     clock.Clock
	cfg       ServiceConfig
	logger    *slog.Logger
}

func NewService(repo RepositoryAPI, analytics AnalyticsRepositoryAPI, gateway paymentgateway.API, locker idempotency.Locker, clk clock.Clock, cfg ServiceConfig, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if locker == nil {
		locker = idempotency.NewLocalLocker(clk)
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		analytics: analytics,
		gateway:   gateway,
		locker:    locker,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Initiate asks the provider to push a payment prompt and persists the
// outcome. The row is written after the provider answers, so a request that
// never left this process leaves nothing behind.
func (s *Service) Initiate(ctx context.Context, req InitiatePaymentRequest) (*payment.PaymentTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payerRef, _ := paymentgateway.NormalizeMSISDN(req.PayerRef)
	req.PayerRef = payerRef

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, errors.NewInternalError("failed to check idempotency key", err)
		}
		if existing != nil {
			s.logger.Info("replaying idempotent payment request", "transaction_id", existing.ID)
			return existing, nil
		}

		key := idempotency.Key(idempotencyScope, req.IdempotencyKey)
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.IdempotencyTTL)
		if err != nil {
			return nil, errors.NewInternalError("failed to acquire idempotency lock", err)
		}
		if !ok {
			return nil, errors.ErrRequestInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.logger.Warn("failed to release idempotency lock", "error", err)
			}
		}()

		// The previous holder may have finished between the lookup and the lock.
		existing, err = s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, errors.NewInternalError("failed to check idempotency key", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	id := uuid.NewString()
	result, callErr := s.gateway.InitiatePush(ctx, paymentgateway.PushRequest{
		TransactionID: id,
		Amount:        req.Amount,
		PayerRef:      req.PayerRef,
		Reference:     firstNonEmpty(req.EntityRef, req.Purpose),
		Description:   firstNonEmpty(req.Description, req.Purpose),
	})

	// Persist even if the caller went away: the provider has seen the request.
	persistCtx := context.WithoutCancel(ctx)
	tx := s.newTransaction(id, req)

	if callErr != nil {
		return s.handleInitiateError(persistCtx, tx, callErr)
	}

	tx.MerchantRequestID = optional(result.MerchantRequestID)
	tx.CheckoutRequestID = optional(result.CheckoutRequestID)
	tx.RequestPayload = logpkg.ToJSON(result.RequestPayload)
	tx.ResponsePayload = logpkg.ToJSON(result.ResponsePayload)

	if err := s.persistAcknowledged(persistCtx, tx); err != nil {
		s.logger.Error("acknowledged payment not persisted",
			"transaction_id", tx.ID,
			"checkout_request_id", result.CheckoutRequestID,
			"error", err)
		return nil, errors.NewInternalError("failed to persist payment", err)
	}

	s.logger.Info("payment initiated",
		"transaction_id", tx.ID,
		"checkout_request_id", result.CheckoutRequestID,
		"amount", tx.Amount,
		"purpose", tx.Purpose)
	return tx, nil
}

func (s *Service) newTransaction(id string, req InitiatePaymentRequest) *payment.PaymentTransaction {
	now := s.clock.Now()
	return &payment.PaymentTransaction{
		ID:             id,
		IdempotencyKey: optional(req.IdempotencyKey),
		Amount:         req.Amount,
		Currency:       s.cfg.Currency,
		PayerRef:       req.PayerRef,
		Method:         payment.MethodSTKPush,
		Purpose:        req.Purpose,
		Description:    req.Description,
		RequestedBy:    req.RequestedBy,
		EntityType:     req.EntityType,
		EntityRef:      req.EntityRef,
		Status:         payment.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// persistAcknowledged stores the row as pending and moves it to processing in
// the same database transaction.
func (s *Service) persistAcknowledged(ctx context.Context, tx *payment.PaymentTransaction) error {
	return s.repo.Transaction(ctx, func(db *gorm.DB) error {
		repo := s.repo.WithTx(db)
		if err := repo.Create(ctx, tx); err != nil {
			return err
		}
		changed, err := repo.Transition(ctx, tx.ID, []string{payment.StatusPending}, payment.StatusProcessing, nil)
		if err != nil {
			return err
		}
		if changed {
			tx.Status = payment.StatusProcessing
		}
		return nil
	})
}

func (s *Service) handleInitiateError(ctx context.Context, tx *payment.PaymentTransaction, callErr error) (*payment.PaymentTransaction, error) {
	gwErr, ok := errors.AsGatewayError(callErr)
	if !ok {
		// Validation and other local failures never reached the provider.
		return nil, callErr
	}

	switch {
	case !gwErr.Reached:
		s.logger.Warn("payment request did not reach the provider", "error", gwErr)
		return nil, gatewayAppError(gwErr, "")

	case gwErr.Transient():
		// The provider may have accepted the push; keep a pending row for the
		// supervisor to resolve.
		tx.FailureReason = optional(gwErr.Error())
		if err := s.repo.Create(ctx, tx); err != nil {
			s.logger.Error("defensive pending record not persisted", "transaction_id", tx.ID, "error", err)
			return nil, errors.NewInternalError("failed to persist payment", err)
		}
		s.logger.Warn("payment outcome unknown, pending record kept for supervisor",
			"transaction_id", tx.ID,
			"error", gwErr)
		return tx, gatewayAppError(gwErr, tx.ID)

	default:
		now := s.clock.Now()
		tx.Status = payment.StatusFailed
		tx.ResultCode = optional(gwErr.Code)
		tx.ResultDesc = optional(gwErr.Message)
		tx.FailureReason = optional(firstNonEmpty(gwErr.Message, gwErr.Error()))
		tx.UpdatedAt = now
		if err := s.repo.Create(ctx, tx); err != nil {
			s.logger.Error("rejected payment not persisted", "transaction_id", tx.ID, "code", gwErr.Code, "error", err)
			return nil, errors.NewInternalError("failed to persist payment", err)
		}
		s.logger.Info("payment rejected by provider", "transaction_id", tx.ID, "code", gwErr.Code)
		return tx, gatewayAppError(gwErr, tx.ID)
	}
}

// gatewayAppError maps a gateway failure onto the HTTP error taxonomy.
func gatewayAppError(gwErr *errors.GatewayError, transactionID string) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case gwErr.Code == errors.GatewayCodeAuthFailed:
		appErr = errors.NewExternalError("Payment provider is unavailable", errors.ErrCodeGatewayUnavailable, http.StatusServiceUnavailable, gwErr)
	case gwErr.Code == errors.GatewayCodeTimeout:
		appErr = errors.NewExternalError("Payment provider did not answer in time", errors.ErrCodeGatewayTimeout, http.StatusGatewayTimeout, gwErr)
	case gwErr.Transient():
		appErr = errors.NewExternalError("Payment provider is unavailable", errors.ErrCodeGatewayUnavailable, http.StatusServiceUnavailable, gwErr)
	default:
		appErr = errors.NewExternalError(firstNonEmpty(gwErr.Message, "Payment request rejected by provider"), errors.ErrCodeGatewayRejected, http.StatusUnprocessableEntity, gwErr)
	}

	details := map[string]interface{}{"gateway_code": gwErr.Code}
	if transactionID != "" {
		details["transaction_id"] = transactionID
	}
	return appErr.WithDetails(details)
}

func (s *Service) GetStatus(ctx context.Context, id string) (*payment.PaymentTransaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.ErrTransactionNotFound
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	filter.Normalize()

	rows, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, errors.NewInternalError("failed to list payments", err)
	}

	data := make([]StatusResponse, 0, len(rows))
	for _, row := range rows {
		data = append(data, NewStatusResponse(row))
	}

	return &ListResult{
		Data: data,
		Pagination: Pagination{
			Page:       filter.Page,
			PageSize:   filter.PageSize,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(filter.PageSize))),
		},
	}, nil
}

func (s *Service) Analytics(ctx context.Context, from, to *time.Time) (*AnalyticsSummary, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, errors.NewValidationFieldError("from", "from must be before to", errors.ErrCodeInvalidDate)
	}

	rows, err := s.analytics.Summarize(ctx, from, to)
	if err != nil {
		return nil, errors.NewInternalError("failed to compute analytics", err)
	}

	summary := &AnalyticsSummary{
		From:     from,
		To:       to,
		ByStatus: make(map[string]int64),
	}
	byPurpose := make(map[string]*PurposeBreakdown)
	var order []string

	for _, row := range rows {
		if row.Purpose == payment.PurposeRefund {
			if row.Status == payment.StatusCompleted {
				summary.RefundCount += row.Count
				summary.RefundVolume += row.Volume
			}
			continue
		}

		summary.TotalCount += row.Count
		summary.ByStatus[row.Status] += row.Count

		switch row.Status {
		case payment.StatusCompleted, payment.StatusRefunded:
			summary.CompletedCount += row.Count
			summary.CompletedVolume += row.Volume
			if row.Status == payment.StatusRefunded {
				summary.RefundedCount += row.Count
			}
		case payment.StatusFailed, payment.StatusCancelled:
			summary.FailedCount += row.Count
			summary.FailedVolume += row.Volume
		default:
			summary.PendingCount += row.Count
		}

		pb, ok := byPurpose[row.Purpose]
		if !ok {
			pb = &PurposeBreakdown{Purpose: row.Purpose}
			byPurpose[row.Purpose] = pb
			order = append(order, row.Purpose)
		}
		pb.Count += row.Count
		pb.Volume += row.Volume
	}

	for _, purpose := range order {
		summary.ByPurpose = append(summary.ByPurpose, *byPurpose[purpose])
	}

	if settled := summary.CompletedCount + summary.FailedCount; settled > 0 {
		summary.SuccessRate = math.Round(float64(summary.CompletedCount)/float64(settled)*10000) / 100
	}

	return summary, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
