package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPaymentIfAbsent(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, gateway_ref, account_id, gateway_subscription_id, subscription_id, amount,
			currency, status, event_id, payload_digest, occurred_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway_ref) DO NOTHING`,
		payment.ID,
		payment.GatewayRef,
		payment.AccountID,
		payment.GatewaySubscriptionID,
		payment.SubscriptionID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.EventID,
		payment.PayloadDigest,
		payment.OccurredAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPaymentByRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway_ref, account_id, gateway_subscription_id, subscription_id, amount,
			currency, status, event_id, payload_digest, occurred_at, created_at, updated_at
		 FROM payments
		 WHERE gateway_ref = ?
		 LIMIT 1`,
		gatewayRef,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkCaptured(ctx context.Context, db *gorm.DB, gatewayRef string, amount int64, eventID, digest string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, amount = ?, event_id = ?, payload_digest = ?, updated_at = ?
		 WHERE gateway_ref = ? AND status = ?`,
		domain.PaymentStatusCaptured,
		amount,
		eventID,
		digest,
		now,
		gatewayRef,
		domain.PaymentStatusFailed,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, gatewayRef string, from, to domain.PaymentStatus, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments SET status = ?, updated_at = ? WHERE gateway_ref = ? AND status = ?`,
		to,
		now,
		gatewayRef,
		from,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, accountID snowflake.ID, status domain.PaymentStatus) ([]*domain.Payment, error) {
	var items []*domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, gateway_ref, account_id, gateway_subscription_id, subscription_id, amount,
			currency, status, event_id, payload_digest, occurred_at, created_at, updated_at
		 FROM payments
		 WHERE account_id = ? AND status = ?
		 ORDER BY occurred_at ASC, id ASC`,
		accountID,
		status,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
