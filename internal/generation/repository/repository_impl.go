package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/generation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.UsageRecord, error) {
	var record domain.UsageRecord
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, key string) (*domain.UsageRecord, error) {
	var record domain.UsageRecord
	err := db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		Order("id ASC").
		Limit(1).
		Find(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.UsageStatus, next domain.UsageStatus, fields domain.TransitionFields) (int64, error) {
	updates := map[string]any{
		"status":     next,
		"updated_at": fields.UpdatedAt,
	}
	if fields.FailureReason != nil {
		updates["failure_reason"] = *fields.FailureReason
	}
	if fields.Resolution != nil {
		updates["resolution"] = *fields.Resolution
	}
	if fields.ResolutionNote != nil {
		updates["resolution_note"] = *fields.ResolutionNote
	}
	if len(fields.ProviderMetadata) > 0 {
		updates["provider_metadata"] = fields.ProviderMetadata
	}
	if fields.FinalizedAt != nil {
		updates["finalized_at"] = *fields.FinalizedAt
	}

	res := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, accountID snowflake.ID, afterID snowflake.ID, limit int) ([]*domain.UsageRecord, error) {
	query := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("status = ?", domain.UsageStatusFailed)
	if accountID != 0 {
		query = query.Where("account_id = ?", accountID)
	}
	if afterID != 0 {
		query = query.Where("id > ?", afterID)
	}
	var records []*domain.UsageRecord
	err := query.Order("id ASC").Limit(limit).Find(&records).Error
	return records, err
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.UsageRecord, error) {
	var records []*domain.UsageRecord
	err := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("status = ? AND created_at < ?", domain.UsageStatusReserved, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
