package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/quota/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, quota *domain.Quota) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "period_key"}},
			DoNothing: true,
		}).
		Create(quota).Error
}

func (r *repo) IncrementIfWithin(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string, amount int64, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE quotas
		 SET consumed = consumed + ?, updated_at = ?
		 WHERE account_id = ? AND period_key = ? AND consumed + ? <= allotted`,
		amount,
		now,
		accountID,
		periodKey,
		amount,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Decrement(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string, amount int64, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE quotas
		 SET consumed = consumed - ?, updated_at = ?
		 WHERE account_id = ? AND period_key = ? AND consumed >= ?`,
		amount,
		now,
		accountID,
		periodKey,
		amount,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID, periodKey string) (*domain.Quota, error) {
	var item domain.Quota
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, period_key, allotted, consumed, created_at, updated_at
		 FROM quotas
		 WHERE account_id = ? AND period_key = ?
		 LIMIT 1`,
		accountID,
		periodKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
