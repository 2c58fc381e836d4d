package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
	dbutil "github.com/smallbiznis/lexcredit/pkg/db"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTxAttempts        = 3
	defaultAccountsBatch = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	inTx       bool
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	clone := *s
	clone.db = tx
	clone.inTx = true
	return &clone
}

// transact runs fn in its own transaction, or in a savepoint when the
// service is bound to a caller transaction. Only top-level transactions are
// retried on contention.
func (s *Service) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	run := func() error {
		return s.db.WithContext(ctx).Transaction(fn)
	}
	if s.inTx {
		return run()
	}
	return dbutil.WithRetry(ctx, maxTxAttempts, run)
}

func (s *Service) EnsureAccount(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.Account, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	now := s.clock.Now()
	if _, err := s.repo.InsertAccountIfAbsent(ctx, s.db, &ledgerdomain.Account{
		ID:        accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	return s.repo.FindAccount(ctx, s.db, accountID)
}

func (s *Service) SetUnlimited(ctx context.Context, accountID snowflake.ID, unlimited bool) error {
	if _, err := s.EnsureAccount(ctx, accountID); err != nil {
		return err
	}
	if _, err := s.repo.SetUnlimited(ctx, s.db, accountID, unlimited, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("account unlimited flag changed",
		zap.String("account_id", accountID.String()),
		zap.Bool("unlimited", unlimited),
	)
	return nil
}

func (s *Service) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (ledgerdomain.ReservationToken, error) {
	if req.AccountID == 0 {
		return ledgerdomain.ReservationToken{}, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return ledgerdomain.ReservationToken{}, ledgerdomain.ErrInvalidAmount
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		return ledgerdomain.ReservationToken{}, ledgerdomain.ErrInvalidReference
	}

	var token ledgerdomain.ReservationToken
	err := s.transact(ctx, func(tx *gorm.DB) error {
		now := s.clock.Now()
		periodKey := strings.TrimSpace(req.PeriodKey)
		if periodKey == "" {
			periodKey = now.Format("2006-01")
		}

		charged := req.Amount
		rows, err := s.repo.DebitIfCovered(ctx, tx, req.AccountID, req.Amount, periodKey, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			rows, err = s.repo.AdvanceUnlimited(ctx, tx, req.AccountID, periodKey, now)
			if err != nil {
				return err
			}
			if rows == 0 {
				return s.rejectionFor(ctx, tx, req.AccountID)
			}
			charged = 0
		}

		account, err := s.repo.FindAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}

		entry := &ledgerdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			AccountID:     req.AccountID,
			Seq:           account.Seq,
			Amount:        -charged,
			BalanceAfter:  account.Balance,
			Kind:          ledgerdomain.EntryKindSpend,
			ReferenceType: ledgerdomain.ReferenceTypeUsage,
			ReferenceID:   referenceID,
			OccurredAt:    now,
			CreatedAt:     now,
		}
		if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}

		reservation := &ledgerdomain.Reservation{
			ID:           s.genID.Generate(),
			AccountID:    req.AccountID,
			Amount:       req.Amount,
			Charged:      charged,
			SpendEntryID: entry.ID,
			Status:       ledgerdomain.ReservationStatusHeld,
			ReferenceID:  referenceID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.InsertReservation(ctx, tx, reservation); err != nil {
			return err
		}

		token = ledgerdomain.ReservationToken{
			ID:        reservation.ID,
			AccountID: req.AccountID,
			Charged:   charged,
		}
		return nil
	})
	if err != nil {
		return ledgerdomain.ReservationToken{}, err
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.EntryKindSpend))
	return token, nil
}

// rejectionFor explains why a conditional debit matched no row. A missing
// account holds no credits.
func (s *Service) rejectionFor(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) error {
	account, err := s.repo.FindAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if account != nil && account.FrozenAt != nil {
		return ledgerdomain.ErrAccountFrozen
	}
	return ledgerdomain.ErrInsufficientCredits
}

func (s *Service) Settle(ctx context.Context, token ledgerdomain.ReservationToken) error {
	if token.ID == 0 {
		return ledgerdomain.ErrReservationNotFound
	}
	rows, err := s.repo.TransitionReservation(ctx, s.db, token.ID,
		ledgerdomain.ReservationStatusHeld,
		ledgerdomain.ReservationStatusSettled,
		s.clock.Now(),
	)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	reservation, err := s.repo.FindReservation(ctx, s.db, token.ID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return ledgerdomain.ErrReservationNotFound
	}
	return nil
}

func (s *Service) Refund(ctx context.Context, token ledgerdomain.ReservationToken) (bool, error) {
	if token.ID == 0 {
		return false, ledgerdomain.ErrReservationNotFound
	}

	refunded := false
	err := s.transact(ctx, func(tx *gorm.DB) error {
		refunded = false
		now := s.clock.Now()

		rows, err := s.repo.TransitionReservation(ctx, tx, token.ID,
			ledgerdomain.ReservationStatusHeld,
			ledgerdomain.ReservationStatusRefunded,
			now,
		)
		if err != nil {
			return err
		}
		reservation, err := s.repo.FindReservation(ctx, tx, token.ID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return ledgerdomain.ErrReservationNotFound
		}
		if rows == 0 {
			return nil
		}

		rows, err = s.repo.CreditIfOpen(ctx, tx, reservation.AccountID, reservation.Charged, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			account, err := s.repo.FindAccount(ctx, tx, reservation.AccountID)
			if err != nil {
				return err
			}
			if account == nil {
				return ledgerdomain.ErrAccountNotFound
			}
			return ledgerdomain.ErrAccountFrozen
		}

		account, err := s.repo.FindAccount(ctx, tx, reservation.AccountID)
		if err != nil {
			return err
		}
		entry := &ledgerdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			AccountID:     reservation.AccountID,
			Seq:           account.Seq,
			Amount:        reservation.Charged,
			BalanceAfter:  account.Balance,
			Kind:          ledgerdomain.EntryKindRefund,
			ReferenceType: ledgerdomain.ReferenceTypeReservation,
			ReferenceID:   reservation.ID.String(),
			OccurredAt:    now,
			CreatedAt:     now,
		}
		if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := s.repo.SetRefundEntry(ctx, tx, reservation.ID, entry.ID, now); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if refunded {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.EntryKindRefund))
	}
	return refunded, nil
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	switch req.Kind {
	case ledgerdomain.EntryKindPurchase, ledgerdomain.EntryKindBonus:
	default:
		return nil, ledgerdomain.ErrInvalidKind
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if req.ReferenceType == "" || referenceID == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}

	var (
		entry     *ledgerdomain.LedgerEntry
		duplicate bool
	)
	err := s.transact(ctx, func(tx *gorm.DB) error {
		existing, err := s.repo.FindEntryByReference(ctx, tx, req.AccountID, req.Kind, req.ReferenceType, referenceID)
		if err != nil {
			return err
		}
		if existing != nil {
			entry, duplicate = existing, true
			return nil
		}

		now := s.clock.Now()
		occurredAt := req.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		if _, err := s.repo.InsertAccountIfAbsent(ctx, tx, &ledgerdomain.Account{
			ID:        req.AccountID,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		rows, err := s.repo.CreditIfOpen(ctx, tx, req.AccountID, req.Amount, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ledgerdomain.ErrAccountFrozen
		}
		account, err := s.repo.FindAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		created := &ledgerdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			AccountID:     req.AccountID,
			Seq:           account.Seq,
			Amount:        req.Amount,
			BalanceAfter:  account.Balance,
			Kind:          req.Kind,
			ReferenceType: req.ReferenceType,
			ReferenceID:   referenceID,
			OccurredAt:    occurredAt.UTC(),
			CreatedAt:     now,
		}
		if err := s.repo.InsertEntry(ctx, tx, created); err != nil {
			return err
		}
		entry, duplicate = created, false
		return nil
	})
	if err != nil {
		if !dbutil.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// Lost a race with a concurrent credit for the same reference.
		existing, findErr := s.repo.FindEntryByReference(ctx, s.db, req.AccountID, req.Kind, req.ReferenceType, referenceID)
		if findErr != nil || existing == nil {
			return nil, err
		}
		entry, duplicate = existing, true
	}

	if duplicate {
		s.log.Info("credit already applied",
			zap.String("account_id", req.AccountID.String()),
			zap.String("reference_type", string(req.ReferenceType)),
			zap.String("reference_id", referenceID),
		)
		return entry, nil
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(req.Kind))
	s.obsMetrics.RecordCredit(ctx, string(req.Kind), req.Amount)
	return entry, nil
}

func (s *Service) BalanceOf(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.Balance, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &ledgerdomain.Balance{AccountID: accountID}, nil
	}
	return &ledgerdomain.Balance{
		AccountID: account.ID,
		Amount:    account.Balance,
		Unlimited: account.Unlimited,
		Frozen:    account.FrozenAt != nil,
		PeriodKey: account.PeriodKey,
	}, nil
}

func (s *Service) ListEntries(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) ([]*ledgerdomain.LedgerEntry, *pagination.PageInfo, error) {
	if accountID == 0 {
		return nil, nil, ledgerdomain.ErrInvalidAccount
	}
	var beforeSeq int64
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, nil, fmt.Errorf("decode page token: %w", err)
		}
		beforeSeq = cursor.Seq
	}

	limit := page.Limit()
	entries, err := s.repo.ListEntries(ctx, s.db, accountID, beforeSeq, limit+1)
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildCursorPageInfo(entries, limit, func(e *ledgerdomain.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String(), Seq: e.Seq}
	})
}

func (s *Service) Reconcile(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ReconcileResult, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	var (
		result ledgerdomain.ReconcileResult
		froze  bool
	)
	err := s.transact(ctx, func(tx *gorm.DB) error {
		account, err := s.repo.FindAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}
		sum, count, err := s.repo.SumEntries(ctx, tx, accountID)
		if err != nil {
			return err
		}

		result = ledgerdomain.ReconcileResult{
			AccountID:  accountID,
			Balance:    account.Balance,
			EntrySum:   sum,
			Seq:        account.Seq,
			EntryCount: count,
			Consistent: account.Balance == sum && account.Seq == count,
			Frozen:     account.FrozenAt != nil,
		}
		if result.Consistent || result.Frozen {
			return nil
		}
		reason := fmt.Sprintf("reconcile mismatch: balance=%d entries=%d seq=%d count=%d",
			account.Balance, sum, account.Seq, count)
		if err := s.repo.FreezeAccount(ctx, tx, accountID, reason, s.clock.Now()); err != nil {
			return err
		}
		result.Frozen = true
		froze = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Already-frozen accounts were reported when they froze.
	if result.Consistent || !froze {
		return &result, nil
	}

	s.log.Error("ledger inconsistency detected, account frozen",
		zap.String("account_id", accountID.String()),
		zap.Int64("balance", result.Balance),
		zap.Int64("entry_sum", result.EntrySum),
		zap.Int64("seq", result.Seq),
		zap.Int64("entry_count", result.EntryCount),
	)
	s.obsMetrics.RecordReconcileMismatch(ctx)
	return &result, fmt.Errorf("%w: account %s", ledgerdomain.ErrLedgerInconsistency, accountID)
}

func (s *Service) Unfreeze(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ReconcileResult, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	var (
		result   ledgerdomain.ReconcileResult
		unfrozen bool
	)
	err := s.transact(ctx, func(tx *gorm.DB) error {
		account, err := s.repo.FindAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}
		sum, count, err := s.repo.SumEntries(ctx, tx, accountID)
		if err != nil {
			return err
		}

		result = ledgerdomain.ReconcileResult{
			AccountID:  accountID,
			Balance:    account.Balance,
			EntrySum:   sum,
			Seq:        account.Seq,
			EntryCount: count,
			Consistent: account.Balance == sum && account.Seq == count,
			Frozen:     account.FrozenAt != nil,
		}
		if !result.Frozen {
			return nil
		}
		if !result.Consistent {
			return ledgerdomain.ErrLedgerInconsistency
		}
		rows, err := s.repo.UnfreezeAccount(ctx, tx, accountID, s.clock.Now())
		if err != nil {
			return err
		}
		unfrozen = rows > 0
		result.Frozen = !unfrozen
		return nil
	})
	if errors.Is(err, ledgerdomain.ErrLedgerInconsistency) {
		return &result, fmt.Errorf("%w: account %s still out of balance", ledgerdomain.ErrLedgerInconsistency, accountID)
	}
	if err != nil {
		return nil, err
	}

	if unfrozen {
		s.log.Warn("ledger account unfrozen",
			zap.String("account_id", accountID.String()),
			zap.Int64("balance", result.Balance),
		)
	}
	return &result, nil
}

func (s *Service) ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = defaultAccountsBatch
	}
	return s.repo.ListAccountIDs(ctx, s.db, afterID, limit)
}

var _ ledgerdomain.Service = (*Service)(nil)
