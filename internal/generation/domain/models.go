package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type UsageStatus string

const (
	UsageStatusReserved  UsageStatus = "reserved"
	UsageStatusCommitted UsageStatus = "committed"
	UsageStatusRefunded  UsageStatus = "refunded"
	UsageStatusFailed    UsageStatus = "failed"
)

// Funding says which store paid for a usage record.
type Funding string

const (
	FundingLedger Funding = "ledger"
	FundingQuota  Funding = "quota"
)

// UsageRecord tracks one metered operation from reservation to outcome.
// Committed and refunded are final; failed waits for an operator.
type UsageRecord struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	AccountID         snowflake.ID   `json:"account_id" gorm:"not null;index:ix_usage_records_account_key,priority:1"`
	OperationKind     string         `json:"operation_kind" gorm:"type:text;not null"`
	Cost              int64          `json:"cost" gorm:"not null"`
	Funding           Funding        `json:"funding" gorm:"type:text;not null"`
	PeriodKey         string         `json:"period_key" gorm:"type:text;not null"`
	PeriodAnchor      *time.Time     `json:"period_anchor,omitempty"`
	ReservationID     *snowflake.ID  `json:"reservation_id,omitempty"`
	IdempotencyKey    *string        `json:"idempotency_key,omitempty" gorm:"type:text;index:ix_usage_records_account_key,priority:2"`
	ProviderRequestID string         `json:"provider_request_id" gorm:"type:text;not null"`
	ProviderMetadata  datatypes.JSON `json:"provider_metadata,omitempty"`
	Status            UsageStatus    `json:"status" gorm:"type:text;not null;index"`
	FailureReason     *string        `json:"failure_reason,omitempty" gorm:"type:text"`
	Resolution        *UsageStatus   `json:"resolution,omitempty" gorm:"type:text"`
	ResolutionNote    *string        `json:"resolution_note,omitempty" gorm:"type:text"`
	FinalizedAt       *time.Time     `json:"finalized_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// IsFinal reports whether no further transition is possible.
func (u *UsageRecord) IsFinal() bool {
	return u.Status == UsageStatusCommitted || u.Status == UsageStatusRefunded
}

type RunRequest struct {
	AccountID      snowflake.ID
	OperationKind  string
	Input          string
	IdempotencyKey string
}

type RunResult struct {
	Usage   *UsageRecord `json:"usage"`
	Content string       `json:"content"`
}

// UsageSnapshot answers "how much can this account still do". Exactly one
// of Balance and RemainingQuota is set.
type UsageSnapshot struct {
	AccountID      snowflake.ID `json:"account_id"`
	PlanID         string       `json:"plan_id"`
	Balance        *int64       `json:"balance,omitempty"`
	RemainingQuota *int64       `json:"remaining_quota,omitempty"`
	Unlimited      bool         `json:"unlimited"`
	Frozen         bool         `json:"frozen"`
	PeriodKey      string       `json:"period_key"`
}

type ListFailedRequest struct {
	AccountID snowflake.ID
	PageToken string
	PageSize  int
}

type ResolveRequest struct {
	UsageID    snowflake.ID
	Resolution UsageStatus
	Note       string
}

// TransitionFields are the columns written alongside a status change.
type TransitionFields struct {
	FailureReason    *string
	Resolution       *UsageStatus
	ResolutionNote   *string
	ProviderMetadata datatypes.JSON
	FinalizedAt      *time.Time
	UpdatedAt        time.Time
}
