package operator

import (
	"time"

	"gorm.io/datatypes"
)

// Operator is a back-office account allowed to call the privileged endpoints.
type Operator struct {
	ID           int64                       `gorm:"column:id;primaryKey"`
	Email        string                      `gorm:"column:email;not null;uniqueIndex"`
	Name         string                      `gorm:"column:name"`
	PasswordHash string                      `gorm:"column:password_hash;not null"`
	Permissions  datatypes.JSONSlice[string] `gorm:"column:permissions"`
	IsActive     bool                        `gorm:"column:is_active;not null"`
	CreatedAt    time.Time                   `gorm:"column:created_at"`
	UpdatedAt    time.Time                   `gorm:"column:updated_at"`
}

func (Operator) TableName() string {
	return "operators"
}
