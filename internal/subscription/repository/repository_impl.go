package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const subscriptionColumns = `id, account_id, gateway_subscription_id, plan_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	past_due_since, last_event_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_subscription_id"}},
			DoNothing: true,
		}).
		Create(subscription)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? LIMIT 1`, id)
}

func (r *repo) FindByGatewayID(ctx context.Context, db *gorm.DB, gatewaySubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE gateway_subscription_id = ? LIMIT 1`,
		gatewaySubscriptionID)
}

func (r *repo) FindByGatewayIDForUpdate(ctx context.Context, db *gorm.DB, gatewaySubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway_subscription_id = ?", gatewaySubscriptionID).
		Limit(1).
		Find(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// FindCurrentByAccount prefers a live subscription and falls back to the
// most recently created one.
func (r *repo) FindCurrentByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE account_id = ?
		 ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END ASC, created_at DESC, id DESC
		 LIMIT 1`,
		accountID,
		subscriptiondomain.SubscriptionStatusCanceled,
	)
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, plan_id = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, canceled_at = ?, past_due_since = ?, last_event_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		subscription.Status,
		subscription.PlanID,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.PastDueSince,
		subscription.LastEventAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) SetCancelIntent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		true,
		now,
		id,
		subscriptiondomain.SubscriptionStatusCanceled,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CancelAtPeriodEnd(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, updated_at = ?
		 WHERE cancel_at_period_end = ? AND status IN (?, ?, ?) AND current_period_end <= ?`,
		subscriptiondomain.SubscriptionStatusCanceled,
		now,
		now,
		true,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkOverdue(ctx context.Context, db *gorm.DB, periodEndBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, past_due_since = ?, updated_at = ?
		 WHERE status IN (?, ?) AND cancel_at_period_end = ? AND current_period_end <= ?`,
		subscriptiondomain.SubscriptionStatusPastDue,
		now,
		now,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusActive,
		false,
		periodEndBefore,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CancelPastDue(ctx context.Context, db *gorm.DB, pastDueBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, updated_at = ?
		 WHERE status = ? AND past_due_since IS NOT NULL AND past_due_since <= ?`,
		subscriptiondomain.SubscriptionStatusCanceled,
		now,
		now,
		subscriptiondomain.SubscriptionStatusPastDue,
		pastDueBefore,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
