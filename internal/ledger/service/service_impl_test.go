package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/lexcredit/internal/clock"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	"github.com/smallbiznis/lexcredit/internal/ledger/repository"
	"github.com/smallbiznis/lexcredit/internal/ledger/service"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// One connection serializes writers the way row locks do in postgres.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.Reservation{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTestService(t *testing.T, conn *gorm.DB) ledgerdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return service.NewService(service.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(testNow),
		Repo:  repository.Provide(),
	})
}

func fund(t *testing.T, svc ledgerdomain.Service, accountID snowflake.ID, amount int64) {
	t.Helper()
	_, err := svc.Credit(context.Background(), ledgerdomain.CreditRequest{
		AccountID:     accountID,
		Amount:        amount,
		Kind:          ledgerdomain.EntryKindPurchase,
		ReferenceType: ledgerdomain.ReferenceTypePayment,
		ReferenceID:   fmt.Sprintf("seed-%d-%d", accountID, amount),
	})
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func assertLedgerInvariant(t *testing.T, conn *gorm.DB, accountID snowflake.ID) {
	t.Helper()
	var account ledgerdomain.Account
	if err := conn.First(&account, "id = ?", accountID).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	var sum int64
	if err := conn.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	if account.Balance != sum {
		t.Fatalf("balance %d does not match entry sum %d", account.Balance, sum)
	}
}

func TestReserveDeductsAndAppendsSpendEntry(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1001)
	fund(t, svc, accountID, 10)

	token, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:   accountID,
		Amount:      4,
		PeriodKey:   "2026-01",
		ReferenceID: "usage-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), token.Charged)

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance.Amount)
	assert.Equal(t, "2026-01", balance.PeriodKey)

	entries, _, err := svc.ListEntries(ctx, accountID, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledgerdomain.EntryKindSpend, entries[0].Kind)
	assert.Equal(t, int64(-4), entries[0].Amount)
	assert.Equal(t, int64(6), entries[0].BalanceAfter)
	assert.Equal(t, int64(2), entries[0].Seq)
	assertLedgerInvariant(t, conn, accountID)
}

func TestReserveRejectsWithoutSideEffects(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1002)
	fund(t, svc, accountID, 3)

	_, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: accountID, Amount: 5, ReferenceID: "usage-1"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: snowflake.ID(9999), Amount: 1, ReferenceID: "usage-2"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	var count int64
	require.NoError(t, conn.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, conn.Model(&ledgerdomain.Reservation{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assertLedgerInvariant(t, conn, accountID)
}

func TestConcurrentReservesBalanceFiveCostTwo(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	accountID := snowflake.ID(1003)
	fund(t, svc, accountID, 5)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	start := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Reserve(context.Background(), ledgerdomain.ReserveRequest{
				AccountID:   accountID,
				Amount:      2,
				ReferenceID: fmt.Sprintf("usage-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := svc.BalanceOf(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Amount)
	assertLedgerInvariant(t, conn, accountID)
}

func TestConcurrentReservesNeverExceedBalance(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	accountID := snowflake.ID(1004)
	const (
		balance = int64(10)
		amount  = int64(3)
		workers = 8
	)
	fund(t, svc, accountID, balance)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), ledgerdomain.ReserveRequest{
				AccountID:   accountID,
				Amount:      amount,
				ReferenceID: fmt.Sprintf("usage-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, balance/amount, succeeded)
	assertLedgerInvariant(t, conn, accountID)
}

func TestRefundRestoresBalanceExactlyOnce(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1005)
	fund(t, svc, accountID, 7)

	token, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: accountID, Amount: 5, ReferenceID: "usage-1"})
	require.NoError(t, err)

	refunded, err := svc.Refund(ctx, token)
	require.NoError(t, err)
	assert.True(t, refunded)

	refunded, err = svc.Refund(ctx, token)
	require.NoError(t, err)
	assert.False(t, refunded)

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Amount)

	var refunds int64
	require.NoError(t, conn.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ? AND kind = ?", accountID, ledgerdomain.EntryKindRefund).
		Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)

	// a settled reservation can no longer be refunded
	token2, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: accountID, Amount: 2, ReferenceID: "usage-2"})
	require.NoError(t, err)
	require.NoError(t, svc.Settle(ctx, token2))
	refunded, err = svc.Refund(ctx, token2)
	require.NoError(t, err)
	assert.False(t, refunded)

	_, err = svc.Refund(ctx, ledgerdomain.ReservationToken{ID: snowflake.ID(42)})
	assert.ErrorIs(t, err, ledgerdomain.ErrReservationNotFound)
	assertLedgerInvariant(t, conn, accountID)
}

func TestUnlimitedAccountLogsZeroEffectEntries(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1006)
	require.NoError(t, svc.SetUnlimited(ctx, accountID, true))

	token, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: accountID, Amount: 50, ReferenceID: "usage-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), token.Charged)

	refunded, err := svc.Refund(ctx, token)
	require.NoError(t, err)
	assert.True(t, refunded)

	entries, _, err := svc.ListEntries(ctx, accountID, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, int64(0), e.Amount)
	}

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, balance.Unlimited)
	assert.Equal(t, int64(0), balance.Amount)
	assertLedgerInvariant(t, conn, accountID)
}

func TestCreditIsIdempotentPerReference(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1007)

	req := ledgerdomain.CreditRequest{
		AccountID:     accountID,
		Amount:        1000,
		Kind:          ledgerdomain.EntryKindPurchase,
		ReferenceType: ledgerdomain.ReferenceTypePayment,
		ReferenceID:   "pay_1",
	}
	first, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	second, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Amount)

	_, err = svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID: accountID, Amount: 5, Kind: ledgerdomain.EntryKindSpend,
		ReferenceType: ledgerdomain.ReferenceTypeManual, ReferenceID: "x",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKind)
	assertLedgerInvariant(t, conn, accountID)
}

func TestReconcileFreezesInconsistentAccount(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1008)
	fund(t, svc, accountID, 20)

	result, err := svc.Reconcile(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, result.Consistent)

	require.NoError(t, conn.Exec(`UPDATE credit_accounts SET balance = balance + 5 WHERE id = ?`, accountID).Error)

	result, err = svc.Reconcile(ctx, accountID)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerInconsistency)
	require.NotNil(t, result)
	assert.False(t, result.Consistent)
	assert.True(t, result.Frozen)
	assert.Equal(t, int64(25), result.Balance)
	assert.Equal(t, int64(20), result.EntrySum)

	// reported once, when the account froze
	result, err = svc.Reconcile(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, result.Consistent)
	assert.True(t, result.Frozen)

	_, err = svc.Reserve(ctx, ledgerdomain.ReserveRequest{AccountID: accountID, Amount: 1, ReferenceID: "usage-1"})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountFrozen)
	_, err = svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID: accountID, Amount: 5, Kind: ledgerdomain.EntryKindBonus,
		ReferenceType: ledgerdomain.ReferenceTypeManual, ReferenceID: "goodwill",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountFrozen)

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, balance.Frozen)
}

func TestUnfreezeRequiresBalancedLedger(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1012)
	fund(t, svc, accountID, 20)

	require.NoError(t, conn.Exec(`UPDATE credit_accounts SET balance = balance + 5 WHERE id = ?`, accountID).Error)
	_, err := svc.Reconcile(ctx, accountID)
	require.ErrorIs(t, err, ledgerdomain.ErrLedgerInconsistency)

	result, err := svc.Unfreeze(ctx, accountID)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerInconsistency)
	require.NotNil(t, result)
	assert.True(t, result.Frozen)

	// the operator corrects the projection, then lifts the freeze
	require.NoError(t, conn.Exec(`UPDATE credit_accounts SET balance = balance - 5 WHERE id = ?`, accountID).Error)
	result, err = svc.Unfreeze(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.False(t, result.Frozen)

	_, err = svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID: accountID, Amount: 5, Kind: ledgerdomain.EntryKindBonus,
		ReferenceType: ledgerdomain.ReferenceTypeManual, ReferenceID: "goodwill",
	})
	require.NoError(t, err)
	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, balance.Frozen)
	assert.Equal(t, int64(25), balance.Amount)

	// unfreezing an open account is a no-op
	result, err = svc.Unfreeze(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, result.Frozen)

	_, err = svc.Unfreeze(ctx, snowflake.ID(99999))
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestWithTxRollsBackWithCaller(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1009)
	fund(t, svc, accountID, 5)

	boom := errors.New("caller failed")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.WithTx(tx).Reserve(ctx, ledgerdomain.ReserveRequest{
			AccountID: accountID, Amount: 5, ReferenceID: "usage-1",
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := svc.BalanceOf(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Amount)
	assertLedgerInvariant(t, conn, accountID)
}

func TestListEntriesPaginates(t *testing.T) {
	conn := setupTestDB(t)
	svc := newTestService(t, conn)
	ctx := context.Background()
	accountID := snowflake.ID(1010)
	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
			AccountID: accountID, Amount: 1, Kind: ledgerdomain.EntryKindBonus,
			ReferenceType: ledgerdomain.ReferenceTypeManual, ReferenceID: fmt.Sprintf("grant-%d", i),
		})
		require.NoError(t, err)
	}

	page1, info, err := svc.ListEntries(ctx, accountID, pagination.Pagination{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.True(t, info.HasMore)
	assert.Equal(t, int64(5), page1[0].Seq)

	page2, info, err := svc.ListEntries(ctx, accountID, pagination.Pagination{PageSize: 3, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.False(t, info.HasMore)
	assert.Equal(t, int64(2), page2[0].Seq)
}
