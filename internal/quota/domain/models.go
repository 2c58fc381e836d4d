package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/config"
)

// Quota tracks consumption of a plan allotment within one billing period.
type Quota struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	AccountID snowflake.ID `json:"account_id" gorm:"not null;uniqueIndex:ux_quotas_account_period,priority:1"`
	PeriodKey string       `json:"period_key" gorm:"type:text;not null;uniqueIndex:ux_quotas_account_period,priority:2"`
	Allotted  int64        `json:"allotted" gorm:"not null"`
	Consumed  int64        `json:"consumed" gorm:"not null;default:0"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (Quota) TableName() string { return "quotas" }

// Remaining never goes below zero even if the allotment shrank mid-period.
func (q Quota) Remaining() int64 {
	if q.Consumed >= q.Allotted {
		return 0
	}
	return q.Allotted - q.Consumed
}

type CanConsumeRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Plan      config.Plan
	PeriodKey string
}

type ConsumeRequest struct {
	AccountID snowflake.ID
	PeriodKey string
	Allotment int64
	Amount    int64
}

// ReleaseRequest gives back an in-flight consumption. Anchor is the cycle
// start used to derive PeriodKey, nil for calendar periods.
type ReleaseRequest struct {
	AccountID snowflake.ID
	PeriodKey string
	Amount    int64
	Anchor    *time.Time
}
