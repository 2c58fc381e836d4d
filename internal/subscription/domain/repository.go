package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertIfAbsent(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByGatewayID(ctx context.Context, db *gorm.DB, gatewaySubscriptionID string) (*Subscription, error)
	FindByGatewayIDForUpdate(ctx context.Context, db *gorm.DB, gatewaySubscriptionID string) (*Subscription, error)
	FindCurrentByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Subscription, error)
	UpdateState(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	SetCancelIntent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)

	CancelAtPeriodEnd(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	MarkOverdue(ctx context.Context, db *gorm.DB, periodEndBefore, now time.Time) (int64, error)
	CancelPastDue(ctx context.Context, db *gorm.DB, pastDueBefore, now time.Time) (int64, error)
}
