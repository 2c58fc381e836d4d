package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	Find(ctx context.Context, db *gorm.DB, source, eventID string) (*Record, error)
	UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, detail *string, processedAt time.Time) (int64, error)
	DeleteBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error)
}
