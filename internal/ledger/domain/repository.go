package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAccountIfAbsent(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindAccountForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	SetUnlimited(ctx context.Context, db *gorm.DB, id snowflake.ID, unlimited bool, now time.Time) (int64, error)

	// DebitIfCovered subtracts amount only when the account is limited, not
	// frozen and holds at least amount. It returns the rows affected.
	DebitIfCovered(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, periodKey string, now time.Time) (int64, error)
	// AdvanceUnlimited bumps the sequence of an unlimited, unfrozen account.
	AdvanceUnlimited(ctx context.Context, db *gorm.DB, id snowflake.ID, periodKey string, now time.Time) (int64, error)
	CreditIfOpen(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error)
	FreezeAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
	UnfreezeAccount(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	ListAccountIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)

	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	FindEntryByReference(ctx context.Context, db *gorm.DB, accountID snowflake.ID, kind EntryKind, refType ReferenceType, refID string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeSeq int64, limit int) ([]*LedgerEntry, error)
	SumEntries(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (sum int64, count int64, err error)

	InsertReservation(ctx context.Context, db *gorm.DB, reservation *Reservation) error
	FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	TransitionReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to ReservationStatus, now time.Time) (int64, error)
	SetRefundEntry(ctx context.Context, db *gorm.DB, id, entryID snowflake.ID, now time.Time) error
}
