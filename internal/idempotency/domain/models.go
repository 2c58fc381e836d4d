package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Outcome string

const (
	OutcomeClaimed  Outcome = "claimed"
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
	OutcomeDeferred Outcome = "deferred"
)

// Record marks an external event identifier as seen. The (source, event_id)
// pair is unique; the first insert wins the claim.
type Record struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Source      string       `json:"source" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_source_event,priority:1"`
	EventID     string       `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_source_event,priority:2"`
	EventType   string       `json:"event_type" gorm:"type:text;not null"`
	Outcome     Outcome      `json:"outcome" gorm:"type:text;not null"`
	Detail      *string      `json:"detail,omitempty" gorm:"type:text"`
	ReceivedAt  time.Time    `json:"received_at" gorm:"not null;index"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

func (Record) TableName() string { return "webhook_events" }

type ClaimRequest struct {
	Source     string
	EventID    string
	EventType  string
	ReceivedAt time.Time
}

// ClaimResult reports whether the caller owns the event. When Claimed is
// false, Record is the row written by the earlier claimant.
type ClaimResult struct {
	Claimed bool
	Record  *Record
}
