package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
)

const (
	EventTypePaymentCaptured      = "payment_captured"
	EventTypePaymentFailed        = "payment_failed"
	EventTypeSubscriptionCreated  = "subscription_created"
	EventTypeSubscriptionRenewed  = "subscription_renewed"
	EventTypeSubscriptionCanceled = "subscription_canceled"
)

type PaymentStatus string

const (
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	// PaymentStatusCreditPending is a captured charge whose ledger credit
	// waits for the account to be unfrozen.
	PaymentStatusCreditPending PaymentStatus = "credit_pending"
)

// Payment is the local copy of a gateway charge.
type Payment struct {
	ID                    snowflake.ID  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	GatewayRef            string        `json:"gateway_ref" gorm:"type:text;not null;uniqueIndex"`
	AccountID             snowflake.ID  `json:"account_id" gorm:"not null;index"`
	GatewaySubscriptionID *string       `json:"gateway_subscription_id,omitempty" gorm:"type:text"`
	SubscriptionID        *snowflake.ID `json:"subscription_id,omitempty"`
	Amount                int64         `json:"amount" gorm:"not null"`
	Currency              string        `json:"currency" gorm:"type:text;not null"`
	Status                PaymentStatus `json:"status" gorm:"type:text;not null"`
	EventID               string        `json:"event_id" gorm:"type:text;not null"`
	PayloadDigest         string        `json:"payload_digest" gorm:"type:text;not null"`
	OccurredAt            time.Time     `json:"occurred_at" gorm:"not null"`
	CreatedAt             time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt             time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// GatewayEvent is the canonical event parsed by adapters. Type is one of the
// EventType constants, or the gateway's own type for events we do not act on.
type GatewayEvent struct {
	Provider   string
	EventID    string
	Type       string
	OccurredAt time.Time
	Data       EventData
	RawPayload []byte
}

type EventData struct {
	AccountID             snowflake.ID
	GatewayRef            string
	GatewaySubscriptionID string
	PlanID                string
	SubscriptionStatus    string
	Amount                int64
	Currency              string
	PeriodStart           time.Time
	PeriodEnd             time.Time
}

// Outcome is what the webhook pipeline did with a delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDeferred  Outcome = "deferred"
)

type WebhookResult struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}

// SettlementResult lists what SettlePending credited for one account.
type SettlementResult struct {
	AccountID      snowflake.ID `json:"account_id"`
	Credited       []*Payment   `json:"credited"`
	CreditedAmount int64        `json:"credited_amount"`
}

type AdapterConfig struct {
	Provider  string
	Secret    string
	Tolerance time.Duration
	Clock     clock.Clock
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*GatewayEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
