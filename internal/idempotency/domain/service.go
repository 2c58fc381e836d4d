package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	WithTx(tx *gorm.DB) Service

	TryClaim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	MarkOutcome(ctx context.Context, id snowflake.ID, outcome Outcome, detail string) error
	Find(ctx context.Context, source, eventID string) (*Record, error)

	// Purge deletes records received before the cutoff. The cutoff is
	// clamped so nothing younger than the minimum retention is removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

var (
	ErrInvalidSource  = errors.New("invalid_idempotency_source")
	ErrInvalidEventID = errors.New("invalid_idempotency_event_id")
	ErrInvalidOutcome = errors.New("invalid_idempotency_outcome")
	ErrRecordNotFound = errors.New("idempotency_record_not_found")
)
