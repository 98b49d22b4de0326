package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
)

// AnalyticsRepository runs reporting queries as plain SQL over the shared pool.
type AnalyticsRepository struct {
	db *sqlx.DB
}

func NewAnalyticsRepository(db *sqlx.DB) paymentpkg.AnalyticsRepositoryAPI {
	return &AnalyticsRepository{db: db}
}

func (r *AnalyticsRepository) Summarize(ctx context.Context, from, to *time.Time) ([]paymentpkg.StatusAggregate, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if from != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, *to)
	}

	query := `SELECT purpose, status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS volume
		FROM payment_transactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " GROUP BY purpose, status ORDER BY purpose, status"

	var rows []paymentpkg.StatusAggregate
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
