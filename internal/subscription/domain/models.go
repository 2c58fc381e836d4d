// Package domain contains the subscription lifecycle model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription mirrors the gateway's view of a tenant's plan. Rows are never
// deleted; canceled is terminal.
type Subscription struct {
	ID                    snowflake.ID       `json:"id" gorm:"primaryKey;autoIncrement:false"`
	AccountID             snowflake.ID       `json:"account_id" gorm:"not null;index"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id" gorm:"type:text;not null;uniqueIndex"`
	PlanID                string             `json:"plan_id" gorm:"type:text;not null"`
	Status                SubscriptionStatus `json:"status" gorm:"type:text;not null;index"`
	CurrentPeriodStart    time.Time          `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd      time.Time          `json:"current_period_end" gorm:"not null;index"`
	CancelAtPeriodEnd     bool               `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt            *time.Time         `json:"canceled_at,omitempty"`
	PastDueSince          *time.Time         `json:"past_due_since,omitempty"`
	LastEventAt           *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt             time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt             time.Time          `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EventKind is a gateway-originated lifecycle signal.
type EventKind string

const (
	EventRenewed          EventKind = "renewed"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentRecovered EventKind = "payment_recovered"
	EventCanceled         EventKind = "canceled"
)

// Event carries the gateway's timestamps. PeriodStart and PeriodEnd are only
// meaningful for renewals and may be zero otherwise.
type Event struct {
	GatewaySubscriptionID string
	Kind                  EventKind
	OccurredAt            time.Time
	PeriodStart           time.Time
	PeriodEnd             time.Time
}

// TransitionResult describes what ApplyEvent did. Applied is false for
// stale events and events that do not move a terminal subscription.
type TransitionResult struct {
	Subscription *Subscription
	From         SubscriptionStatus
	To           SubscriptionStatus
	Applied      bool
	Stale        bool
	PeriodRolled bool
}

// ExpireSummary counts rows moved by one ExpireDue pass.
type ExpireSummary struct {
	CanceledAtPeriodEnd int64
	MarkedPastDue       int64
	CanceledPastDue     int64
}
