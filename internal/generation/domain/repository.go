package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageRecord, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, key string) (*UsageRecord, error)
	// Transition moves a record from any of the given statuses to next and
	// returns the rows affected.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []UsageStatus, next UsageStatus, fields TransitionFields) (int64, error)
	ListFailed(ctx context.Context, db *gorm.DB, accountID snowflake.ID, afterID snowflake.ID, limit int) ([]*UsageRecord, error)
	ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*UsageRecord, error)
}
