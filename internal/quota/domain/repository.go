package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertIfAbsent(ctx context.Context, db *gorm.DB, quota *Quota) error
	// IncrementIfWithin adds amount only while consumed stays within the
	// allotment. It returns the rows affected.
	IncrementIfWithin(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string, amount int64, now time.Time) (int64, error)
	Decrement(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string, amount int64, now time.Time) (int64, error)
	Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string) (*Quota, error)
}
