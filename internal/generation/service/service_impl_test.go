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
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/generation/domain"
	"github.com/smallbiznis/lexcredit/internal/generation/domain/mocks"
	"github.com/smallbiznis/lexcredit/internal/generation/repository"
	"github.com/smallbiznis/lexcredit/internal/generation/service"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/lexcredit/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/lexcredit/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/lexcredit/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/lexcredit/internal/ledger/service"
	quotadomain "github.com/smallbiznis/lexcredit/internal/quota/domain"
	quotarepo "github.com/smallbiznis/lexcredit/internal/quota/repository"
	quotaservice "github.com/smallbiznis/lexcredit/internal/quota/service"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/lexcredit/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/lexcredit/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db              *gorm.DB
	svc             domain.Service
	provider        *mocks.MockProvider
	ledgerSvc       ledgerdomain.Service
	quotaSvc        quotadomain.Service
	subscriptionSvc subscriptiondomain.Service
	clock           *clock.FakeClock
}

func testCatalog() config.PlanCatalog {
	return config.PlanCatalog{
		DefaultPlan: "prepaid",
		Operations: map[string]int64{
			"draft_document": 2,
			"summarize_case": 1,
		},
		Plans: []config.Plan{
			{ID: "prepaid", Name: "Prepaid", Type: config.PlanTypeBalance},
			{ID: "team", Name: "Team", Type: config.PlanTypeQuota, PeriodAllotment: 3},
		},
	}
}

func setup(t *testing.T, providerTimeout time.Duration) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:generation_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.Reservation{},
		&quotadomain.Quota{},
		&subscriptiondomain.Subscription{},
		&idempotencydomain.Record{},
		&domain.UsageRecord{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(9)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()
	cfg := config.Config{
		Generation: config.GenerationConfig{
			ProviderTimeout: providerTimeout,
			FinalizeTimeout: 5 * time.Second,
		},
	}
	catalog, err := config.NewStaticPlanCatalogHolder(testCatalog())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: ledgerrepo.Provide(),
	})
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: quotarepo.Provide(), LedgerSvc: ledgerSvc,
	})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide(),
	})
	idempotencySvc := idempotencyservice.NewService(idempotencyservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Cfg: cfg, Repo: idempotencyrepo.Provide(),
	})

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)

	svc := service.NewService(service.Params{
		DB:              conn,
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Cfg:             cfg,
		Catalog:         catalog,
		Repo:            repository.Provide(),
		Provider:        provider,
		LedgerSvc:       ledgerSvc,
		QuotaSvc:        quotaSvc,
		SubscriptionSvc: subscriptionSvc,
		IdempotencySvc:  idempotencySvc,
	})

	return &fixture{
		db:              conn,
		svc:             svc,
		provider:        provider,
		ledgerSvc:       ledgerSvc,
		quotaSvc:        quotaSvc,
		subscriptionSvc: subscriptionSvc,
		clock:           clk,
	}
}

func (f *fixture) fund(t *testing.T, accountID snowflake.ID, amount int64) {
	t.Helper()
	_, err := f.ledgerSvc.Credit(context.Background(), ledgerdomain.CreditRequest{
		AccountID:     accountID,
		Amount:        amount,
		Kind:          ledgerdomain.EntryKindPurchase,
		ReferenceType: ledgerdomain.ReferenceTypePayment,
		ReferenceID:   fmt.Sprintf("seed-%d", accountID),
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, accountID snowflake.ID) int64 {
	t.Helper()
	b, err := f.ledgerSvc.BalanceOf(context.Background(), accountID)
	require.NoError(t, err)
	return b.Amount
}

func (f *fixture) usageCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&domain.UsageRecord{}).Count(&n).Error)
	return n
}

func usageIDOf(t *testing.T, err error) snowflake.ID {
	t.Helper()
	var uerr *domain.UsageError
	require.True(t, errors.As(err, &uerr), "expected a usage error, got %v", err)
	return uerr.UsageID
}

func TestReserveAndRunCommitsOnSuccess(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2001)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req domain.ProviderRequest) (domain.ProviderResponse, error) {
			assert.Equal(t, "draft_document", req.OperationKind)
			assert.NotEmpty(t, req.RequestID)
			return domain.ProviderResponse{Content: "Dear counsel,", Metadata: map[string]any{"model": "m1"}}, nil
		})

	result, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "Draft_Document"})
	require.NoError(t, err)
	assert.Equal(t, "Dear counsel,", result.Content)
	assert.Equal(t, domain.UsageStatusCommitted, result.Usage.Status)
	assert.Equal(t, domain.FundingLedger, result.Usage.Funding)
	assert.Equal(t, int64(2), result.Usage.Cost)
	assert.NotNil(t, result.Usage.FinalizedAt)
	require.NotNil(t, result.Usage.ReservationID)
	assert.Equal(t, int64(8), f.balance(t, accountID))

	var reservation ledgerdomain.Reservation
	require.NoError(t, f.db.Where("id = ?", *result.Usage.ReservationID).First(&reservation).Error)
	assert.Equal(t, ledgerdomain.ReservationStatusSettled, reservation.Status)
}

func TestReserveAndRunRefundsDefinitiveFailure(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2002)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{}, &domain.ProviderError{Message: "content policy", StatusCode: 422})

	_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	require.ErrorIs(t, err, domain.ErrProviderFailed)

	record, err := f.svc.Get(ctx, usageIDOf(t, err))
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusRefunded, record.Status)
	assert.Equal(t, int64(10), f.balance(t, accountID))
}

func TestReserveAndRunTimeoutIsNotRefunded(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	ctx := context.Background()
	accountID := snowflake.ID(2003)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req domain.ProviderRequest) (domain.ProviderResponse, error) {
			<-ctx.Done()
			return domain.ProviderResponse{}, ctx.Err()
		})

	_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	require.ErrorIs(t, err, domain.ErrProviderTimeout)

	record, err := f.svc.Get(ctx, usageIDOf(t, err))
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusFailed, record.Status)
	require.NotNil(t, record.FailureReason)
	assert.Equal(t, "provider_timeout", *record.FailureReason)
	assert.Equal(t, int64(8), f.balance(t, accountID))
}

func TestReserveAndRunAmbiguousFailure(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2004)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{}, errors.New("connection reset by peer"))

	_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	require.ErrorIs(t, err, domain.ErrProviderAmbiguousFailure)
	assert.Equal(t, int64(8), f.balance(t, accountID))

	failed, page, err := f.svc.ListFailed(ctx, domain.ListFailedRequest{AccountID: accountID})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, page.HasMore)
}

func TestResolveFailedRefundsOnce(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2005)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{}, errors.New("eof"))
	_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	usageID := usageIDOf(t, err)

	_, err = f.svc.ResolveFailed(ctx, domain.ResolveRequest{UsageID: usageID, Resolution: domain.UsageStatusReserved})
	require.ErrorIs(t, err, domain.ErrInvalidResolution)

	record, err := f.svc.ResolveFailed(ctx, domain.ResolveRequest{UsageID: usageID, Resolution: domain.UsageStatusRefunded, Note: "provider confirmed no output"})
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusRefunded, record.Status)
	require.NotNil(t, record.Resolution)
	assert.Equal(t, domain.UsageStatusRefunded, *record.Resolution)
	assert.Equal(t, int64(10), f.balance(t, accountID))

	again, err := f.svc.ResolveFailed(ctx, domain.ResolveRequest{UsageID: usageID, Resolution: domain.UsageStatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusRefunded, again.Status)
	assert.Equal(t, int64(10), f.balance(t, accountID))

	_, err = f.svc.ResolveFailed(ctx, domain.ResolveRequest{UsageID: usageID, Resolution: domain.UsageStatusCommitted})
	require.ErrorIs(t, err, domain.ErrUsageNotFailed)
}

func TestResolveFailedCommitKeepsCharge(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2006)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{}, errors.New("eof"))
	_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "summarize_case"})
	usageID := usageIDOf(t, err)

	record, err := f.svc.ResolveFailed(ctx, domain.ResolveRequest{UsageID: usageID, Resolution: domain.UsageStatusCommitted})
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusCommitted, record.Status)
	assert.Equal(t, int64(9), f.balance(t, accountID))
}

func TestLateSuccessAfterOperatorCommitReturnsContent(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2015)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req domain.ProviderRequest) (domain.ProviderResponse, error) {
			// the sweep flags the slow call and an operator settles it
			flagged, err := f.svc.SweepStale(context.Background(), testNow.Add(time.Minute), 10)
			require.NoError(t, err)
			require.Equal(t, int64(1), flagged)

			var record domain.UsageRecord
			require.NoError(t, f.db.Where("account_id = ?", accountID).First(&record).Error)
			resolved, err := f.svc.ResolveFailed(context.Background(), domain.ResolveRequest{
				UsageID: record.ID, Resolution: domain.UsageStatusCommitted,
			})
			require.NoError(t, err)
			require.Equal(t, domain.UsageStatusCommitted, resolved.Status)

			return domain.ProviderResponse{Content: "late draft"}, nil
		})

	result, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	require.NoError(t, err)
	assert.Equal(t, "late draft", result.Content)
	assert.Equal(t, domain.UsageStatusCommitted, result.Usage.Status)
	assert.Equal(t, int64(8), f.balance(t, accountID))
}

func TestReserveAndRunInsufficientCredits(t *testing.T) {
	f := setup(t, time.Second)
	accountID := snowflake.ID(2007)
	f.fund(t, accountID, 1)

	_, err := f.svc.ReserveAndRun(context.Background(), domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	assert.Zero(t, f.usageCount(t))
	assert.Equal(t, int64(1), f.balance(t, accountID))
}

func TestReserveAndRunUnknownOperation(t *testing.T) {
	f := setup(t, time.Second)

	_, err := f.svc.ReserveAndRun(context.Background(), domain.RunRequest{AccountID: 2008, OperationKind: "file_lawsuit"})
	require.ErrorIs(t, err, domain.ErrUnknownOperation)

	_, err = f.svc.ReserveAndRun(context.Background(), domain.RunRequest{AccountID: 2008, OperationKind: " "})
	require.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestConcurrentRunsOnlySpendWhatExists(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2009)
	f.fund(t, accountID, 5)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{Content: "ok"}, nil).
		AnyTimes()

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "draft_document"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(1), f.balance(t, accountID))
}

func TestDuplicateIdempotencyKeyRunsOnce(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2010)
	f.fund(t, accountID, 10)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{Content: "ok"}, nil).
		Times(1)

	req := domain.RunRequest{AccountID: accountID, OperationKind: "draft_document", IdempotencyKey: "req-1"}
	first, err := f.svc.ReserveAndRun(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.ReserveAndRun(ctx, req)
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	var dup *domain.DuplicateRequestError
	require.True(t, errors.As(err, &dup))
	require.NotNil(t, dup.Usage)
	assert.Equal(t, first.Usage.ID, dup.Usage.ID)
	assert.Equal(t, int64(8), f.balance(t, accountID))
}

func TestQuotaPlanConsumesAllotment(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2011)
	periodStart := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	_, _, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:             accountID,
		GatewaySubscriptionID: "sub_team",
		PlanID:                "team",
		Status:                subscriptiondomain.SubscriptionStatusActive,
		PeriodStart:           periodStart,
		PeriodEnd:             periodStart.AddDate(0, 1, 0),
		OccurredAt:            periodStart,
	})
	require.NoError(t, err)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{Content: "ok"}, nil).
		Times(3)

	for i := 0; i < 3; i++ {
		result, err := f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "summarize_case"})
		require.NoError(t, err)
		assert.Equal(t, domain.FundingQuota, result.Usage.Funding)
		assert.Equal(t, "2026-03-05", result.Usage.PeriodKey)
	}

	_, err = f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "summarize_case"})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	status, err := f.svc.GetUsageStatus(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, status.RemainingQuota)
	assert.Nil(t, status.Balance)
	assert.Equal(t, int64(0), *status.RemainingQuota)
	assert.Equal(t, "team", status.PlanID)
	assert.Equal(t, "2026-03-05", status.PeriodKey)

	// The next cycle starts with a full allotment.
	f.clock.Set(time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC))
	status, err = f.svc.GetUsageStatus(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), *status.RemainingQuota)
	assert.Equal(t, "2026-04-05", status.PeriodKey)
}

func TestQuotaRefundReleasesConsumption(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	accountID := snowflake.ID(2012)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:             accountID,
		GatewaySubscriptionID: "sub_team_2",
		PlanID:                "team",
		Status:                subscriptiondomain.SubscriptionStatusActive,
		PeriodStart:           periodStart,
		PeriodEnd:             periodStart.AddDate(0, 1, 0),
		OccurredAt:            periodStart,
	})
	require.NoError(t, err)

	f.provider.EXPECT().
		Generate(gomock.Any(), gomock.Any()).
		Return(domain.ProviderResponse{}, &domain.ProviderError{Message: "bad input"})

	_, err = f.svc.ReserveAndRun(ctx, domain.RunRequest{AccountID: accountID, OperationKind: "summarize_case"})
	require.ErrorIs(t, err, domain.ErrProviderFailed)

	status, err := f.svc.GetUsageStatus(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), *status.RemainingQuota)
}

func TestGetUsageStatusForBalancePlan(t *testing.T) {
	f := setup(t, time.Second)
	accountID := snowflake.ID(2013)
	f.fund(t, accountID, 12)

	status, err := f.svc.GetUsageStatus(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, status.Balance)
	assert.Equal(t, int64(12), *status.Balance)
	assert.Nil(t, status.RemainingQuota)
	assert.False(t, status.Unlimited)
	assert.Equal(t, "prepaid", status.PlanID)
	assert.NotEmpty(t, status.PeriodKey)
}

func TestSweepStaleFlagsOldReservations(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	repo := repository.Provide()

	old := &domain.UsageRecord{
		ID:                1,
		AccountID:         2014,
		OperationKind:     "draft_document",
		Cost:              2,
		Funding:           domain.FundingLedger,
		PeriodKey:         "2026-03",
		ProviderRequestID: "01OLD",
		Status:            domain.UsageStatusReserved,
		CreatedAt:         testNow.Add(-time.Hour),
		UpdatedAt:         testNow.Add(-time.Hour),
	}
	fresh := &domain.UsageRecord{
		ID:                2,
		AccountID:         2014,
		OperationKind:     "draft_document",
		Cost:              2,
		Funding:           domain.FundingLedger,
		PeriodKey:         "2026-03",
		ProviderRequestID: "01NEW",
		Status:            domain.UsageStatusReserved,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, repo.Insert(ctx, f.db, old))
	require.NoError(t, repo.Insert(ctx, f.db, fresh))

	flagged, err := f.svc.SweepStale(ctx, testNow.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flagged)

	got, err := f.svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusFailed, got.Status)
	got, err = f.svc.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusReserved, got.Status)
}
