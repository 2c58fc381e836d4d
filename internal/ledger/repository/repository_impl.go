package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) InsertAccountIfAbsent(ctx context.Context, db *gorm.DB, account *ledgerdomain.Account) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := db.WithContext(ctx).
		Raw(`SELECT id, balance, unlimited, period_key, seq, frozen_at, frozen_reason, created_at, updated_at
			FROM credit_accounts WHERE id = ?`, id).
		Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindAccountForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) SetUnlimited(ctx context.Context, db *gorm.DB, id snowflake.ID, unlimited bool, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts SET unlimited = ?, updated_at = ? WHERE id = ?`,
		unlimited, now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DebitIfCovered(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, periodKey string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		SET balance = balance - ?, seq = seq + 1, period_key = ?, updated_at = ?
		WHERE id = ? AND frozen_at IS NULL AND unlimited = ? AND balance >= ?`,
		amount, periodKey, now, id, false, amount,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) AdvanceUnlimited(ctx context.Context, db *gorm.DB, id snowflake.ID, periodKey string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		SET seq = seq + 1, period_key = ?, updated_at = ?
		WHERE id = ? AND frozen_at IS NULL AND unlimited = ?`,
		periodKey, now, id, true,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CreditIfOpen(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		SET balance = balance + ?, seq = seq + 1, updated_at = ?
		WHERE id = ? AND frozen_at IS NULL`,
		amount, now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FreezeAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_accounts SET frozen_at = ?, frozen_reason = ?, updated_at = ?
		WHERE id = ? AND frozen_at IS NULL`,
		now, reason, now, id,
	).Error
}

func (r *repo) UnfreezeAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts SET frozen_at = NULL, frozen_reason = NULL, updated_at = ?
		WHERE id = ? AND frozen_at IS NOT NULL`,
		now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&ledgerdomain.Account{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, account_id, seq, amount, balance_after, kind, reference_type, reference_id, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.Seq,
		entry.Amount,
		entry.BalanceAfter,
		entry.Kind,
		entry.ReferenceType,
		entry.ReferenceID,
		entry.OccurredAt,
		entry.CreatedAt,
	).Error
}

func (r *repo) FindEntryByReference(ctx context.Context, db *gorm.DB, accountID snowflake.ID, kind ledgerdomain.EntryKind, refType ledgerdomain.ReferenceType, refID string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Raw(`SELECT id, account_id, seq, amount, balance_after, kind, reference_type, reference_id, occurred_at, created_at
			FROM ledger_entries
			WHERE account_id = ? AND kind = ? AND reference_type = ? AND reference_id = ?`,
			accountID, kind, refType, refID).
		Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeSeq int64, limit int) ([]*ledgerdomain.LedgerEntry, error) {
	query := db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ?", accountID)
	if beforeSeq > 0 {
		query = query.Where("seq < ?", beforeSeq)
	}
	var entries []*ledgerdomain.LedgerEntry
	err := query.Order("seq DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *repo) SumEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
			FROM ledger_entries WHERE account_id = ?`, accountID).
		Scan(&row).Error
	return row.Total, row.Count, err
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, reservation *ledgerdomain.Reservation) error {
	return db.WithContext(ctx).Create(reservation).Error
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.Reservation, error) {
	var reservation ledgerdomain.Reservation
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&reservation).Error
	if err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

func (r *repo) TransitionReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to ledgerdomain.ReservationStatus, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ledger_reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, id, from,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SetRefundEntry(ctx context.Context, db *gorm.DB, id, entryID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ledger_reservations SET refund_entry_id = ?, updated_at = ? WHERE id = ?`,
		entryID, now, id,
	).Error
}
