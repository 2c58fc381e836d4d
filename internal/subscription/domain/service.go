package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateRequest struct {
	AccountID             snowflake.ID
	GatewaySubscriptionID string
	PlanID                string
	Status                SubscriptionStatus
	PeriodStart           time.Time
	PeriodEnd             time.Time
	OccurredAt            time.Time
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	// Create is idempotent on GatewaySubscriptionID; the bool reports whether
	// a row was inserted.
	Create(ctx context.Context, req CreateRequest) (*Subscription, bool, error)
	ApplyEvent(ctx context.Context, event Event) (TransitionResult, error)
	RequestCancel(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	ExpireDue(ctx context.Context, now time.Time, grace time.Duration) (ExpireSummary, error)

	GetCurrent(ctx context.Context, accountID snowflake.ID) (*Subscription, error)
	GetByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidEvent         = errors.New("invalid_subscription_event")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
