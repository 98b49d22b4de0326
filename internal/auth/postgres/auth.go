package auth

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/operator"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*operator.Operator, error) {
	return r.first(ctx, "email = ?", email)
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*operator.Operator, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *Repository) first(ctx context.Context, query string, args ...interface{}) (*operator.Operator, error) {
	var op operator.Operator
	err := r.db.WithContext(ctx).Where(query, args...).First(&op).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Upsert keys on email so seeding can be rerun.
func (r *Repository) Upsert(ctx context.Context, op *operator.Operator) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "password_hash", "permissions", "is_active", "updated_at"}),
	}).Create(op).Error
}

func (r *Repository) SetActive(ctx context.Context, email string, active bool) (bool, error) {
	res := r.db.WithContext(ctx).Model(&operator.Operator{}).
		Where("email = ?", email).
		Update("is_active", active)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
