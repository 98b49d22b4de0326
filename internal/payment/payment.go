package payment

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
)

// RepositoryAPI is the transaction store. Status changes go through Transition,
// a conditional write that reports whether this caller moved the row.
type RepositoryAPI interface {
	Create(ctx context.Context, tx *payment.PaymentTransaction) error
	GetByID(ctx context.Context, id string) (*payment.PaymentTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.PaymentTransaction, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*payment.PaymentTransaction, error)
	List(ctx context.Context, filter ListFilter) ([]*payment.PaymentTransaction, int64, error)
	FindStale(ctx context.Context, query StaleQuery) ([]*payment.PaymentTransaction, error)

	Transition(ctx context.Context, id string, from []string, to string, fields map[string]interface{}) (bool, error)
	RecordRetryAttempt(ctx context.Context, id string, attempt int, at, next time.Time) (bool, error)

	ReserveRefund(ctx context.Context, sourceID string, amount int64) (bool, error)
	ReleaseRefund(ctx context.Context, sourceID string, amount int64) error
	SettleRefund(ctx context.Context, sourceID string, amount int64) (fullyRefunded bool, err error)

	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	WithTx(tx *gorm.DB) RepositoryAPI
}

type AnalyticsRepositoryAPI interface {
	Summarize(ctx context.Context, from, to *time.Time) ([]StatusAggregate, error)
}

type ListFilter struct {
	Page     int
	PageSize int
	Status   string
	Method   string
	Purpose  string
	From     *time.Time
	To       *time.Time
	Query    string
}

// StaleQuery selects unresolved rows created before CreatedBefore whose next
// retry, if scheduled, is due at Now.
type StaleQuery struct {
	CreatedBefore time.Time
	Now           time.Time
	Limit         int
}

type StatusAggregate struct {
	Purpose string `db:"purpose"`
	Status  string `db:"status"`
	Count   int64  `db:"count"`
	Volume  int64  `db:"volume"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
