package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, source, eventID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, source, event_id, event_type, outcome, detail, received_at, processed_at
		 FROM webhook_events
		 WHERE source = ? AND event_id = ?
		 LIMIT 1`,
		source,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, detail *string, processedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET outcome = ?, detail = ?, processed_at = ?
		 WHERE id = ?`,
		outcome,
		detail,
		processedAt,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM webhook_events
		 WHERE id IN (
			SELECT id FROM webhook_events
			WHERE received_at < ?
			ORDER BY received_at ASC
			LIMIT ?
		 )`,
		before,
		limit,
	)
	return res.RowsAffected, res.Error
}
