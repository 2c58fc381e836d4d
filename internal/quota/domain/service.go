package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	WithTx(tx *gorm.DB) Service

	CanConsume(ctx context.Context, req CanConsumeRequest) (bool, error)
	Consume(ctx context.Context, req ConsumeRequest) error
	Release(ctx context.Context, req ReleaseRequest) error
	Get(ctx context.Context, accountID snowflake.ID, periodKey string) (*Quota, error)
}

var (
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidPeriod    = errors.New("invalid_period_key")
	ErrInvalidAllotment = errors.New("invalid_allotment")
	ErrQuotaExceeded    = errors.New("quota_exceeded")
	ErrPeriodClosed     = errors.New("quota_period_closed")
)
