package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPaymentIfAbsent(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindPaymentByRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*Payment, error)
	// MarkCaptured upgrades a failed attempt; captured payments never move.
	MarkCaptured(ctx context.Context, db *gorm.DB, gatewayRef string, amount int64, eventID, digest string, now time.Time) (int64, error)
	SetStatus(ctx context.Context, db *gorm.DB, gatewayRef string, from, to PaymentStatus, now time.Time) (int64, error)
	ListByStatus(ctx context.Context, db *gorm.DB, accountID snowflake.ID, status PaymentStatus) ([]*Payment, error)
}
