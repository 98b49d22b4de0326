package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/mobile-money/internal/core/datamodel/transactionlog"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
)

type TransactionLogRepository struct {
	db *gorm.DB
}

func NewTransactionLogRepository(db *gorm.DB) logpkg.RepositoryAPI {
	return &TransactionLogRepository{
		db: db,
	}
}

func (r *TransactionLogRepository) WithTx(tx *gorm.DB) logpkg.RepositoryAPI {
	return &TransactionLogRepository{db: tx}
}

func (r *TransactionLogRepository) Append(ctx context.Context, entry *transactionlog.TransactionLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *TransactionLogRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*transactionlog.TransactionLogEntry, error) {
	var entries []*transactionlog.TransactionLogEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (r *TransactionLogRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*transactionlog.TransactionLogEntry, error) {
	var entries []*transactionlog.TransactionLogEntry
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (r *TransactionLogRepository) Count(ctx context.Context, filter logpkg.CountFilter) (int64, error) {
	query := r.db.WithContext(ctx).Model(&transactionlog.TransactionLogEntry{})
	if filter.TransactionID != "" {
		query = query.Where("transaction_id = ?", filter.TransactionID)
	}
	if filter.OrphansOnly {
		query = query.Where("transaction_id IS NULL")
	}
	if filter.InteractionType != "" {
		query = query.Where("interaction_type = ?", filter.InteractionType)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}

// PurgeOlderThan is the retention path and the only way rows leave the log.
func (r *TransactionLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&transactionlog.TransactionLogEntry{})
	return result.RowsAffected, result.Error
}
