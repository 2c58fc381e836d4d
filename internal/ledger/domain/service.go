package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	// WithTx binds the service to an open transaction so ledger writes commit
	// or roll back together with the caller's rows.
	WithTx(tx *gorm.DB) Service

	EnsureAccount(ctx context.Context, accountID snowflake.ID) (*Account, error)
	SetUnlimited(ctx context.Context, accountID snowflake.ID, unlimited bool) error

	Reserve(ctx context.Context, req ReserveRequest) (ReservationToken, error)
	Settle(ctx context.Context, token ReservationToken) error
	Refund(ctx context.Context, token ReservationToken) (bool, error)
	Credit(ctx context.Context, req CreditRequest) (*LedgerEntry, error)

	BalanceOf(ctx context.Context, accountID snowflake.ID) (*Balance, error)
	ListEntries(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error)

	Reconcile(ctx context.Context, accountID snowflake.ID) (*ReconcileResult, error)
	// Unfreeze lifts a freeze only while the balance matches the entry log.
	Unfreeze(ctx context.Context, accountID snowflake.ID) (*ReconcileResult, error)
	ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}

type ReserveRequest struct {
	AccountID   snowflake.ID
	Amount      int64
	PeriodKey   string
	ReferenceID string
}

type CreditRequest struct {
	AccountID     snowflake.ID
	Amount        int64
	Kind          EntryKind
	ReferenceType ReferenceType
	ReferenceID   string
	OccurredAt    time.Time
}

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidKind         = errors.New("invalid_entry_kind")
	ErrInvalidReference    = errors.New("invalid_reference")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrAccountFrozen       = errors.New("account_frozen")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrLedgerInconsistency = errors.New("ledger_inconsistency")
)
