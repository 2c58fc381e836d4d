package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryKind classifies a balance movement.
type EntryKind string

const (
	EntryKindPurchase EntryKind = "purchase"
	EntryKindBonus    EntryKind = "bonus"
	EntryKindSpend    EntryKind = "spend"
	EntryKindRefund   EntryKind = "refund"
)

// ReferenceType names what triggered an entry.
type ReferenceType string

const (
	ReferenceTypeUsage        ReferenceType = "usage_record"
	ReferenceTypePayment      ReferenceType = "payment"
	ReferenceTypeSubscription ReferenceType = "subscription"
	ReferenceTypeReservation  ReferenceType = "reservation"
	ReferenceTypeManual       ReferenceType = "manual"
)

type ReservationStatus string

const (
	ReservationStatusHeld     ReservationStatus = "held"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusRefunded ReservationStatus = "refunded"
)

// Account holds the materialized balance of one tenant. Seq is the sequence
// number of the last entry appended for the account.
type Account struct {
	ID           snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Balance      int64        `gorm:"not null;default:0"`
	Unlimited    bool         `gorm:"not null;default:false"`
	PeriodKey    string       `gorm:"type:text;not null;default:''"`
	Seq          int64        `gorm:"not null;default:0"`
	FrozenAt     *time.Time
	FrozenReason *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "credit_accounts" }

// LedgerEntry is an immutable balance movement.
type LedgerEntry struct {
	ID            snowflake.ID  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AccountID     snowflake.ID  `gorm:"not null;uniqueIndex:ux_ledger_entries_account_seq,priority:1;uniqueIndex:ux_ledger_entries_reference,priority:1" json:"account_id"`
	Seq           int64         `gorm:"not null;uniqueIndex:ux_ledger_entries_account_seq,priority:2" json:"seq"`
	Amount        int64         `gorm:"not null" json:"amount"`
	BalanceAfter  int64         `gorm:"not null" json:"balance_after"`
	Kind          EntryKind     `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:2" json:"kind"`
	ReferenceType ReferenceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:3" json:"reference_type"`
	ReferenceID   string        `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:4" json:"reference_id"`
	OccurredAt    time.Time     `gorm:"not null" json:"occurred_at"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Reservation links a spend entry to its eventual settlement or refund.
type Reservation struct {
	ID            snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	AccountID     snowflake.ID      `gorm:"not null;index"`
	Amount        int64             `gorm:"not null"`
	Charged       int64             `gorm:"not null"`
	SpendEntryID  snowflake.ID      `gorm:"not null"`
	RefundEntryID *snowflake.ID
	Status        ReservationStatus `gorm:"type:text;not null;index"`
	ReferenceID   string            `gorm:"type:text;not null"`
	CreatedAt     time.Time         `gorm:"not null"`
	UpdatedAt     time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "ledger_reservations" }

// ReservationToken identifies a held deduction. Charged is zero for
// unlimited accounts.
type ReservationToken struct {
	ID        snowflake.ID `json:"id"`
	AccountID snowflake.ID `json:"account_id"`
	Charged   int64        `json:"charged"`
}

// Balance is the materialized projection returned to callers.
type Balance struct {
	AccountID snowflake.ID `json:"account_id"`
	Amount    int64        `json:"balance"`
	Unlimited bool         `json:"unlimited"`
	Frozen    bool         `json:"frozen"`
	PeriodKey string       `json:"period_key"`
}

// ReconcileResult compares the materialized balance with the entry log.
type ReconcileResult struct {
	AccountID  snowflake.ID `json:"account_id"`
	Balance    int64        `json:"balance"`
	EntrySum   int64        `json:"entry_sum"`
	Seq        int64        `json:"seq"`
	EntryCount int64        `json:"entry_count"`
	Consistent bool         `json:"consistent"`
	Frozen     bool         `json:"frozen"`
}
