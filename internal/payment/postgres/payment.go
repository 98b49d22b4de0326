package postgres

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) WithTx(tx *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{db: tx}
}

func (r *PaymentRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.PaymentTransaction, error) {
	var p payment.PaymentTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.PaymentTransaction, error) {
	return r.findOne(ctx, "idempotency_key = ?", key)
}

// FindByCorrelationID matches any provider-issued identifier.
func (r *PaymentRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*payment.PaymentTransaction, error) {
	if correlationID == "" {
		return nil, nil
	}
	return r.findOne(ctx,
		"checkout_request_id = ? OR merchant_request_id = ? OR originator_conversation_id = ? OR conversation_id = ?",
		correlationID, correlationID, correlationID, correlationID)
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, args ...interface{}) (*payment.PaymentTransaction, error) {
	var rows []*payment.PaymentTransaction
	err := r.db.WithContext(ctx).Where(query, args...).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *PaymentRepository) List(ctx context.Context, filter paymentpkg.ListFilter) ([]*payment.PaymentTransaction, int64, error) {
	filter.Normalize()

	query := r.db.WithContext(ctx).Model(&payment.PaymentTransaction{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Method != "" {
		query = query.Where("method = ?", filter.Method)
	}
	if filter.Purpose != "" {
		query = query.Where("purpose = ?", filter.Purpose)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at < ?", *filter.To)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(description) LIKE ? OR LOWER(receipt_ref) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []*payment.PaymentTransaction
	err := query.
		Order("created_at DESC").
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *PaymentRepository) FindStale(ctx context.Context, q paymentpkg.StaleQuery) ([]*payment.PaymentTransaction, error) {
	var rows []*payment.PaymentTransaction
	query := r.db.WithContext(ctx).
		Where("status IN ?", payment.UnresolvedStatuses).
		Where("created_at <= ?", q.CreatedBefore).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", q.Now).
		Order("created_at ASC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}

// Transition moves the row to status `to` only while it is still in one of
// `from`. Zero affected rows means another writer got there first.
func (r *PaymentRepository) Transition(ctx context.Context, id string, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to

	result := r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *PaymentRepository) RecordRetryAttempt(ctx context.Context, id string, attempt int, at, next time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, payment.UnresolvedStatuses).
		Updates(map[string]interface{}{
			"retry_count":   attempt,
			"last_retry_at": at,
			"next_retry_at": next,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReserveRefund earmarks amount against the source's refundable balance in a
// single conditional update, so concurrent refunds cannot overdraw it.
func (r *PaymentRepository) ReserveRefund(ctx context.Context, sourceID string, amount int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ? AND status = ? AND purpose <> ?", sourceID, payment.StatusCompleted, payment.PurposeRefund).
		Where("amount - refunded_amount - refund_pending_amount >= ?", amount).
		UpdateColumn("refund_pending_amount", gorm.Expr("refund_pending_amount + ?", amount))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *PaymentRepository) ReleaseRefund(ctx context.Context, sourceID string, amount int64) error {
	return r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ? AND refund_pending_amount >= ?", sourceID, amount).
		UpdateColumn("refund_pending_amount", gorm.Expr("refund_pending_amount - ?", amount)).Error
}

// SettleRefund moves a reservation into the refunded accumulator and flips the
// source to refunded once nothing is left to refund.
func (r *PaymentRepository) SettleRefund(ctx context.Context, sourceID string, amount int64) (bool, error) {
	err := r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ?", sourceID).
		UpdateColumns(map[string]interface{}{
			"refunded_amount":       gorm.Expr("refunded_amount + ?", amount),
			"refund_pending_amount": gorm.Expr("CASE WHEN refund_pending_amount >= ? THEN refund_pending_amount - ? ELSE 0 END", amount, amount),
		}).Error
	if err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Model(&payment.PaymentTransaction{}).
		Where("id = ? AND status = ? AND refunded_amount >= amount", sourceID, payment.StatusCompleted).
		Update("status", payment.StatusRefunded)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
