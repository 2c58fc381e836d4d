package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	alertdomain "github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	generationrepo "github.com/smallbiznis/lexcredit/internal/generation/repository"
	generationservice "github.com/smallbiznis/lexcredit/internal/generation/service"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/lexcredit/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/lexcredit/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/lexcredit/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/lexcredit/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
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

var testNow = time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC)

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []alertdomain.Alert
}

func (r *recordingAlerts) Raise(_ context.Context, alert alertdomain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerts) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		keys = append(keys, a.Key)
	}
	return keys
}

type harness struct {
	db              *gorm.DB
	sched           *Scheduler
	clock           *clock.FakeClock
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	generationSvc   generationdomain.Service
	alerts          *recordingAlerts
	registry        *prometheus.Registry
}

func setup(t *testing.T, jobs ...string) *harness {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "lexcredit", Environment: "test"})

	dsn := fmt.Sprintf("file:scheduler_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		&generationdomain.UsageRecord{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()
	cfg := config.Config{}
	catalog, err := config.NewStaticPlanCatalogHolder(config.DefaultPlanCatalog())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	alerts := &recordingAlerts{}

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
	generationSvc := generationservice.NewService(generationservice.Params{
		DB:              conn,
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Cfg:             cfg,
		Catalog:         catalog,
		Repo:            generationrepo.Provide(),
		LedgerSvc:       ledgerSvc,
		QuotaSvc:        quotaSvc,
		SubscriptionSvc: subscriptionSvc,
		IdempotencySvc:  idempotencySvc,
	})

	sched, err := New(Params{
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Config:          Config{BatchSize: 2, EnabledJobs: jobs},
		LedgerSvc:       ledgerSvc,
		SubscriptionSvc: subscriptionSvc,
		GenerationSvc:   generationSvc,
		IdempotencySvc:  idempotencySvc,
		AlertSvc:        alerts,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	return &harness{
		db:              conn,
		sched:           sched,
		clock:           clk,
		ledgerSvc:       ledgerSvc,
		subscriptionSvc: subscriptionSvc,
		generationSvc:   generationSvc,
		alerts:          alerts,
		registry:        registry,
	}
}

func (h *harness) fund(t *testing.T, accountID snowflake.ID, amount int64) {
	t.Helper()
	_, err := h.ledgerSvc.Credit(context.Background(), ledgerdomain.CreditRequest{
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

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "lexcredit",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "lexcredit",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "lexcredit_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "lexcredit",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "lexcredit_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	h := setup(t)
	err := h.sched.runJob(context.Background(), "boom_job", 0, time.Second, func(context.Context) error {
		return ledgerdomain.ErrAccountNotFound
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
	assert.Contains(t, err.Error(), "boom_job")
}

func TestReconcileLedgerJobFreezesAndAlertsOnce(t *testing.T) {
	h := setup(t, JobReconcileLedger)
	ctx := context.Background()

	// five accounts so the walk spans several batches of two
	for id := snowflake.ID(101); id <= 105; id++ {
		h.fund(t, id, 10)
	}
	require.NoError(t, h.db.Exec(`UPDATE credit_accounts SET balance = balance + 3 WHERE id = ?`, snowflake.ID(104)).Error)

	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, []string{"ledger_inconsistency:104"}, h.alerts.keys())

	balance, err := h.ledgerSvc.BalanceOf(ctx, 104)
	require.NoError(t, err)
	assert.True(t, balance.Frozen)
	for _, id := range []snowflake.ID{101, 102, 103, 105} {
		balance, err := h.ledgerSvc.BalanceOf(ctx, id)
		require.NoError(t, err)
		assert.False(t, balance.Frozen, "account %d", id)
	}

	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Len(t, h.alerts.keys(), 1)

	processed := getCounterValue(t, h.registry, "lexcredit_scheduler_batch_processed_total", map[string]string{
		"service":  "lexcredit",
		"env":      "test",
		"job":      JobReconcileLedger,
		"resource": "credit_accounts",
	})
	assert.Equal(t, float64(10), processed)
}

func TestExpireSubscriptionsJobWalksPastDueToCanceled(t *testing.T) {
	h := setup(t, JobExpireSubscriptions)
	ctx := context.Background()

	sub, created, err := h.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:             501,
		GatewaySubscriptionID: "sub_overdue",
		PlanID:                "practice-monthly",
		Status:                subscriptiondomain.SubscriptionStatusActive,
		PeriodStart:           testNow.AddDate(0, -1, -1),
		PeriodEnd:             testNow.AddDate(0, 0, -1),
		OccurredAt:            testNow.AddDate(0, -1, -1),
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, h.sched.RunOnce(ctx))
	got, err := h.subscriptionSvc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, got.Status)

	h.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, h.sched.RunOnce(ctx))
	got, err = h.subscriptionSvc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, got.Status)
}

func TestSweepStaleUsageJobDrainsAllBatches(t *testing.T) {
	h := setup(t, JobSweepStaleUsage)
	ctx := context.Background()
	repo := generationrepo.Provide()

	for i := 1; i <= 5; i++ {
		created := testNow.Add(-time.Hour)
		if i == 5 {
			created = testNow
		}
		require.NoError(t, repo.Insert(ctx, h.db, &generationdomain.UsageRecord{
			ID:                snowflake.ID(i),
			AccountID:         601,
			OperationKind:     "summarize_case",
			Cost:              1,
			Funding:           generationdomain.FundingLedger,
			PeriodKey:         "2026-05",
			ProviderRequestID: fmt.Sprintf("01REQ%d", i),
			Status:            generationdomain.UsageStatusReserved,
			CreatedAt:         created,
			UpdatedAt:         created,
		}))
	}

	require.NoError(t, h.sched.RunOnce(ctx))

	var failed int64
	require.NoError(t, h.db.Model(&generationdomain.UsageRecord{}).
		Where("status = ?", generationdomain.UsageStatusFailed).Count(&failed).Error)
	assert.Equal(t, int64(4), failed)

	fresh, err := h.generationSvc.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.UsageStatusReserved, fresh.Status)
}

func TestDisabledJobsDoNotRun(t *testing.T) {
	h := setup(t, JobPurgeIdempotency)
	ctx := context.Background()

	h.fund(t, 701, 10)
	require.NoError(t, h.db.Exec(`UPDATE credit_accounts SET balance = 0 WHERE id = ?`, snowflake.ID(701)).Error)

	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Empty(t, h.alerts.keys())

	balance, err := h.ledgerSvc.BalanceOf(ctx, 701)
	require.NoError(t, err)
	assert.False(t, balance.Frozen)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
