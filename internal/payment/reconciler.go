package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/transactionlog"
	"github.com/frahmantamala/mobile-money/internal/core/events"
	"github.com/frahmantamala/mobile-money/internal/observability/metrics"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
)

const (
	SourceCallback           = "callback"
	SourceStatusQuery        = "status_query"
	SourceDisbursementResult = "disbursement_result"
)

const (
	ReasonTimeoutExceeded = "timeout exceeded"

	logCodeOrphan    = "ORPHAN_CALLBACK"
	logCodeDuplicate = "DUPLICATE_CALLBACK"
	logCodeMalformed = "MALFORMED_CALLBACK"
	logCodeTimeout   = "TIMEOUT_EXCEEDED"
)

var errLostRace = stderrors.New("transaction left unresolved state concurrently")

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// CallbackInput is a provider verdict normalized from a webhook body or a
// status query answer.
type CallbackInput struct {
	CorrelationID string
	ResultCode    string
	ResultDesc    string
	ReceiptRef    string
	Source        string
	Payload       []byte
	Attempt       int
}

type Outcome struct {
	TransactionID  string
	PreviousStatus string
	Status         string
	Applied        bool
}

// Reconciler is the only writer of terminal statuses.
type Reconciler struct {
	payments RepositoryAPI
	logs     logpkg.RepositoryAPI
	recorder *logpkg.Recorder
	bus      EventPublisher
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewReconciler(payments RepositoryAPI, logs logpkg.RepositoryAPI, recorder *logpkg.Recorder, bus EventPublisher, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		payments: payments,
		logs:     logs,
		recorder: recorder,
		bus:      bus,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// HandleCallback applies a provider verdict. Unknown correlation ids yield
// *OrphanCallbackError and terminal transactions *DuplicateCallbackError; both
// are recorded in the transaction log and leave every row untouched.
func (r *Reconciler) HandleCallback(ctx context.Context, in CallbackInput) (*Outcome, error) {
	source := in.Source
	if source == "" {
		source = SourceCallback
	}
	interaction := interactionFor(source)

	tx, err := r.payments.FindByCorrelationID(ctx, in.CorrelationID)
	if err != nil {
		r.metrics.IncCallback(source, metrics.CallbackOutcomeError)
		return nil, fmt.Errorf("find transaction by correlation id: %w", err)
	}

	if tx == nil {
		r.logger.Warn("orphan callback", "correlation_id", in.CorrelationID, "source", source)
		r.record(ctx, logpkg.Entry{
			CorrelationID:   in.CorrelationID,
			InteractionType: interaction,
			RequestPayload:  in.Payload,
			ErrorCode:       logCodeOrphan,
			ErrorMessage:    in.ResultDesc,
			Attempt:         in.Attempt,
		})
		r.metrics.IncCallback(source, metrics.CallbackOutcomeOrphan)
		return nil, &errors.OrphanCallbackError{CorrelationID: in.CorrelationID}
	}

	if tx.IsTerminal() {
		return r.duplicate(ctx, tx, in, source, interaction)
	}

	target := payment.StatusFailed
	if in.ResultCode == paymentgateway.ResultCodeSuccess {
		target = payment.StatusCompleted
	}

	now := r.clock.Now()
	fields := map[string]interface{}{
		"result_code":      in.ResultCode,
		"result_desc":      in.ResultDesc,
		"callback_payload": logpkg.ToJSON(in.Payload),
	}
	if source != SourceStatusQuery {
		fields["callback_received"] = true
		fields["callback_received_at"] = now
	}
	if target == payment.StatusCompleted {
		fields["completed_at"] = now
		if in.ReceiptRef != "" {
			fields["receipt_ref"] = in.ReceiptRef
		}
	} else {
		fields["failure_reason"] = in.ResultDesc
	}

	var fullyRefunded bool
	err = r.payments.Transaction(ctx, func(db *gorm.DB) error {
		repo := r.payments.WithTx(db)
		changed, err := repo.Transition(ctx, tx.ID, payment.UnresolvedStatuses, target, fields)
		if err != nil {
			return err
		}
		if !changed {
			return errLostRace
		}

		if fullyRefunded, err = r.settleRefund(ctx, repo, tx, target); err != nil {
			return err
		}

		return r.recorder.WithRepository(r.logs.WithTx(db)).Record(ctx, logpkg.Entry{
			TransactionID:   tx.ID,
			CorrelationID:   in.CorrelationID,
			InteractionType: interaction,
			RequestPayload:  in.Payload,
			Success:         true,
			Attempt:         in.Attempt,
		})
	})
	if stderrors.Is(err, errLostRace) {
		current, getErr := r.payments.GetByID(ctx, tx.ID)
		if getErr == nil {
			tx = current
		}
		return r.duplicate(ctx, tx, in, source, interaction)
	}
	if err != nil {
		r.metrics.IncCallback(source, metrics.CallbackOutcomeError)
		r.logger.Error("failed to apply callback",
			"transaction_id", tx.ID,
			"correlation_id", in.CorrelationID,
			"error", err)
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	r.metrics.IncCallback(source, metrics.CallbackOutcomeApplied)
	r.metrics.IncTransition(tx.Status, target)
	r.logger.Info("transaction reconciled",
		"transaction_id", tx.ID,
		"source", source,
		"from", tx.Status,
		"to", target,
		"result_code", in.ResultCode)

	resolved := *tx
	resolved.Status = target
	resolved.ResultCode = &in.ResultCode
	resolved.ResultDesc = &in.ResultDesc
	if in.ReceiptRef != "" && target == payment.StatusCompleted {
		resolved.ReceiptRef = &in.ReceiptRef
	}
	r.publish(ctx, &resolved, fullyRefunded)

	return &Outcome{
		TransactionID:  tx.ID,
		PreviousStatus: tx.Status,
		Status:         target,
		Applied:        true,
	}, nil
}

// Expire fails a transaction whose status could not be resolved in time.
func (r *Reconciler) Expire(ctx context.Context, id string, attempts int, reason string) (*Outcome, error) {
	if reason == "" {
		reason = ReasonTimeoutExceeded
	}
	return r.Fail(ctx, id, attempts, reason, logCodeTimeout)
}

// Fail moves an unresolved transaction to failed without a provider verdict.
func (r *Reconciler) Fail(ctx context.Context, id string, attempts int, reason, code string) (*Outcome, error) {
	tx, err := r.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.IsTerminal() {
		return &Outcome{TransactionID: tx.ID, PreviousStatus: tx.Status, Status: tx.Status},
			&errors.DuplicateCallbackError{TransactionID: tx.ID, Status: tx.Status}
	}

	now := r.clock.Now()
	fields := map[string]interface{}{
		"failure_reason": reason,
		"result_desc":    reason,
		"retry_count":    attempts,
		"last_retry_at":  now,
	}

	err = r.payments.Transaction(ctx, func(db *gorm.DB) error {
		repo := r.payments.WithTx(db)
		changed, err := repo.Transition(ctx, tx.ID, payment.UnresolvedStatuses, payment.StatusFailed, fields)
		if err != nil {
			return err
		}
		if !changed {
			return errLostRace
		}
		if _, err := r.settleRefund(ctx, repo, tx, payment.StatusFailed); err != nil {
			return err
		}
		return r.recorder.WithRepository(r.logs.WithTx(db)).Record(ctx, logpkg.Entry{
			TransactionID:   tx.ID,
			CorrelationID:   correlationOf(tx),
			InteractionType: interactionForTransaction(tx),
			ErrorCode:       code,
			ErrorMessage:    reason,
			Attempt:         attempts,
		})
	})
	if stderrors.Is(err, errLostRace) {
		current, getErr := r.payments.GetByID(ctx, tx.ID)
		if getErr != nil {
			return nil, getErr
		}
		return &Outcome{TransactionID: tx.ID, PreviousStatus: tx.Status, Status: current.Status},
			&errors.DuplicateCallbackError{TransactionID: tx.ID, Status: current.Status}
	}
	if err != nil {
		return nil, fmt.Errorf("fail transaction: %w", err)
	}

	r.metrics.IncTransition(tx.Status, payment.StatusFailed)
	r.logger.Warn("transaction failed without provider verdict",
		"transaction_id", tx.ID,
		"attempts", attempts,
		"reason", reason)

	failed := *tx
	failed.Status = payment.StatusFailed
	failed.ResultDesc = &reason
	failed.RetryCount = attempts
	r.publish(ctx, &failed, false)

	return &Outcome{
		TransactionID:  tx.ID,
		PreviousStatus: tx.Status,
		Status:         payment.StatusFailed,
		Applied:        true,
	}, nil
}

// RecordUnparseable keeps an audit trail of deliveries that could not be decoded.
func (r *Reconciler) RecordUnparseable(ctx context.Context, payload []byte, reason string) {
	r.record(ctx, logpkg.Entry{
		InteractionType: transactionlog.InteractionCallbackReceived,
		RequestPayload:  payload,
		ErrorCode:       logCodeMalformed,
		ErrorMessage:    reason,
	})
	r.metrics.IncCallback(SourceCallback, metrics.CallbackOutcomeError)
}

func (r *Reconciler) duplicate(ctx context.Context, tx *payment.PaymentTransaction, in CallbackInput, source, interaction string) (*Outcome, error) {
	r.logger.Info("ignoring callback for resolved transaction",
		"transaction_id", tx.ID,
		"status", tx.Status,
		"source", source)
	r.record(ctx, logpkg.Entry{
		TransactionID:   tx.ID,
		CorrelationID:   in.CorrelationID,
		InteractionType: interaction,
		RequestPayload:  in.Payload,
		ErrorCode:       logCodeDuplicate,
		ErrorMessage:    in.ResultDesc,
		Attempt:         in.Attempt,
	})
	r.metrics.IncCallback(source, metrics.CallbackOutcomeDuplicate)
	return &Outcome{TransactionID: tx.ID, PreviousStatus: tx.Status, Status: tx.Status},
		&errors.DuplicateCallbackError{TransactionID: tx.ID, Status: tx.Status}
}

// settleRefund keeps the source transaction's refund accumulator in step with
// the refund's own terminal status.
func (r *Reconciler) settleRefund(ctx context.Context, repo RepositoryAPI, tx *payment.PaymentTransaction, target string) (bool, error) {
	if !tx.IsRefund() || tx.SourceTransactionID == nil {
		return false, nil
	}
	if target == payment.StatusCompleted {
		return repo.SettleRefund(ctx, *tx.SourceTransactionID, tx.Amount)
	}
	return false, repo.ReleaseRefund(ctx, *tx.SourceTransactionID, tx.Amount)
}

func (r *Reconciler) record(ctx context.Context, entry logpkg.Entry) {
	if err := r.recorder.Record(ctx, entry); err != nil {
		r.logger.Error("failed to record callback", "correlation_id", entry.CorrelationID, "error", err)
	}
}

func (r *Reconciler) publish(ctx context.Context, tx *payment.PaymentTransaction, fullyRefunded bool) {
	if r.bus == nil {
		return
	}

	data := events.PaymentStatusData{
		TransactionID: tx.ID,
		Purpose:       tx.Purpose,
		Amount:        tx.Amount,
		Status:        tx.Status,
		ReceiptRef:    deref(tx.ReceiptRef),
		ResultCode:    deref(tx.ResultCode),
		ResultDesc:    deref(tx.ResultDesc),
		EntityType:    tx.EntityType,
		EntityRef:     tx.EntityRef,
	}

	var event events.Event
	switch {
	case tx.IsRefund() && tx.Status == payment.StatusCompleted:
		data.SourceTransactionID = deref(tx.SourceTransactionID)
		if fullyRefunded {
			data.Status = payment.StatusRefunded
		}
		event = events.NewPaymentRefundedEvent(data)
	case tx.Status == payment.StatusCompleted:
		event = events.NewPaymentCompletedEvent(data)
	default:
		data.SourceTransactionID = deref(tx.SourceTransactionID)
		event = events.NewPaymentFailedEvent(data)
	}

	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish payment event", "transaction_id", tx.ID, "event_type", event.EventType(), "error", err)
	}
}

func interactionFor(source string) string {
	switch source {
	case SourceStatusQuery:
		return transactionlog.InteractionStatusQuery
	case SourceDisbursementResult:
		return transactionlog.InteractionDisbursementResult
	default:
		return transactionlog.InteractionCallbackReceived
	}
}

func interactionForTransaction(tx *payment.PaymentTransaction) string {
	if tx.Method == payment.MethodB2C {
		return transactionlog.InteractionDisbursementResult
	}
	return transactionlog.InteractionStatusQuery
}

func correlationOf(tx *payment.PaymentTransaction) string {
	for _, id := range []*string{tx.CheckoutRequestID, tx.OriginatorConversationID, tx.ConversationID, tx.MerchantRequestID} {
		if id != nil && *id != "" {
			return *id
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
