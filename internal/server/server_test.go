package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexcredit/internal/authorization"
	"github.com/smallbiznis/lexcredit/internal/config"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	quotadomain "github.com/smallbiznis/lexcredit/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	serviceSecret  = "svc-secret"
	operatorSecret = "ops-secret"
)

type fakeAuthzService struct {
	keys    map[string]*config.APIKey
	allowed map[string]bool
}

func newFakeAuthzService() *fakeAuthzService {
	return &fakeAuthzService{
		keys: map[string]*config.APIKey{
			serviceSecret:  {Name: "billing-api", Role: authorization.RoleService},
			operatorSecret: {Name: "ops", Role: authorization.RoleOperator},
		},
		allowed: map[string]bool{
			"api_key:billing-api|" + authorization.ObjectGeneration + "|" + authorization.ActionGenerationRun: true,
			"api_key:billing-api|" + authorization.ObjectUsage + "|" + authorization.ActionUsageView:          true,
		},
	}
}

func (f *fakeAuthzService) Authenticate(ctx context.Context, secret string) (*config.APIKey, error) {
	key, ok := f.keys[secret]
	if !ok {
		return nil, authorization.ErrUnauthenticated
	}
	return key, nil
}

func (f *fakeAuthzService) Authorize(ctx context.Context, actor string, object string, action string) error {
	if actor == "api_key:ops" {
		return nil
	}
	if f.allowed[actor+"|"+object+"|"+action] {
		return nil
	}
	return authorization.ErrForbidden
}

type fakeGenerationService struct {
	generationdomain.Service

	runErr  error
	lastRun generationdomain.RunRequest
}

func (f *fakeGenerationService) ReserveAndRun(ctx context.Context, req generationdomain.RunRequest) (*generationdomain.RunResult, error) {
	f.lastRun = req
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &generationdomain.RunResult{
		Usage: &generationdomain.UsageRecord{
			ID:        snowflake.ID(900),
			AccountID: req.AccountID,
			Status:    generationdomain.UsageStatusCommitted,
		},
		Content: "done",
	}, nil
}

type fakeLedgerService struct {
	ledgerdomain.Service

	reconcile    *ledgerdomain.ReconcileResult
	reconcileErr error
}

func (f *fakeLedgerService) Reconcile(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ReconcileResult, error) {
	return f.reconcile, f.reconcileErr
}

func (f *fakeLedgerService) Unfreeze(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ReconcileResult, error) {
	return f.reconcile, f.reconcileErr
}

type fakeSettlementService struct {
	calls int
}

func (f *fakeSettlementService) SettlePending(ctx context.Context, accountID snowflake.ID) (*paymentdomain.SettlementResult, error) {
	f.calls++
	return &paymentdomain.SettlementResult{AccountID: accountID, CreditedAmount: 25}, nil
}

type fakeWebhookService struct {
	result *paymentdomain.WebhookResult
	err    error
	calls  int
}

func (f *fakeWebhookService) Handle(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.WebhookResult, error) {
	f.calls++
	return f.result, f.err
}

type testServer struct {
	router     *gin.Engine
	generation *fakeGenerationService
	ledger     *fakeLedgerService
	webhook    *fakeWebhookService
	settlement *fakeSettlementService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		router:     gin.New(),
		generation: &fakeGenerationService{},
		ledger:     &fakeLedgerService{},
		webhook:    &fakeWebhookService{},
		settlement: &fakeSettlementService{},
	}
	ts.router.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:        ts.router,
		log:           zap.NewNop(),
		authzSvc:      newFakeAuthzService(),
		webhookSvc:    ts.webhook,
		settlementSvc: ts.settlement,
		generationSvc: ts.generation,
		ledgerSvc:     ts.ledger,
	}
	srv.registerWebhookRoutes()
	srv.registerAPIRoutes()
	srv.registerFallback()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, secret string, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)

	var decoded map[string]any
	if resp.Body.Len() > 0 {
		if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", resp.Body.String(), err)
		}
	}
	return resp, decoded
}

func errorType(t *testing.T, body map[string]any) string {
	t.Helper()
	payload, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error payload, got %v", body)
	}
	value, _ := payload["type"].(string)
	return value
}

func TestWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, wantCode: http.StatusUnauthorized},
		{name: "malformed envelope", err: paymentdomain.ErrInvalidPayload, wantCode: http.StatusBadRequest},
		{name: "store down before claim", err: paymentdomain.ErrGatewayUnavailable, wantCode: http.StatusServiceUnavailable},
		{name: "unexpected failure", err: errors.New("connection reset"), wantCode: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.webhook.err = tc.err

			resp, _ := ts.do(t, http.MethodPost, "/webhooks/payments", "", `{"id":"evt_1"}`, nil)
			assert.Equal(t, tc.wantCode, resp.Code)
			assert.Equal(t, 1, ts.webhook.calls)
		})
	}
}

func TestWebhookAcknowledgesClaimedOutcomes(t *testing.T) {
	for _, outcome := range []paymentdomain.Outcome{
		paymentdomain.OutcomeApplied,
		paymentdomain.OutcomeDuplicate,
		paymentdomain.OutcomeRejected,
	} {
		ts := newTestServer(t)
		ts.webhook.result = &paymentdomain.WebhookResult{EventID: "evt_1", EventType: "payment.succeeded", Outcome: outcome}

		resp, body := ts.do(t, http.MethodPost, "/webhooks/payments", "", `{"id":"evt_1"}`, nil)
		require.Equal(t, http.StatusOK, resp.Code, "outcome %s", outcome)
		data := body["data"].(map[string]any)
		assert.Equal(t, string(outcome), data["outcome"])
	}
}

func TestAPIRequiresBearerKey(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/accounts/10/usage", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", errorType(t, body))

	resp, _ = ts.do(t, http.MethodGet, "/api/accounts/10/usage", "wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestServiceKeyCannotReachOperatorRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.ledger.reconcile = &ledgerdomain.ReconcileResult{AccountID: 10, Consistent: true}

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/ledger/reconcile", serviceSecret, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "forbidden", errorType(t, body))

	resp, _ = ts.do(t, http.MethodPost, "/api/accounts/10/ledger/reconcile", operatorSecret, "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestReconcileReturnsResultWhenInconsistent(t *testing.T) {
	ts := newTestServer(t)
	ts.ledger.reconcile = &ledgerdomain.ReconcileResult{AccountID: 10, Balance: 5, EntrySum: 7, Consistent: false, Frozen: true}
	ts.ledger.reconcileErr = fmt.Errorf("%w: account 10", ledgerdomain.ErrLedgerInconsistency)

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/ledger/reconcile", operatorSecret, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["consistent"])
	assert.Equal(t, true, data["frozen"])
}

func TestUnfreezeSettlesPendingPayments(t *testing.T) {
	ts := newTestServer(t)
	ts.ledger.reconcile = &ledgerdomain.ReconcileResult{AccountID: 10, Balance: 5, EntrySum: 5, Consistent: true}

	resp, _ := ts.do(t, http.MethodPost, "/api/accounts/10/ledger/unfreeze", serviceSecret, "", nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Zero(t, ts.settlement.calls)

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/ledger/unfreeze", operatorSecret, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, ts.settlement.calls)
	data := body["data"].(map[string]any)
	settlement := data["settlement"].(map[string]any)
	assert.Equal(t, float64(25), settlement["credited_amount"])
}

func TestUnfreezeRefusedWhileOutOfBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.ledger.reconcile = &ledgerdomain.ReconcileResult{AccountID: 10, Balance: 5, EntrySum: 7, Frozen: true}
	ts.ledger.reconcileErr = fmt.Errorf("%w: account 10 still out of balance", ledgerdomain.ErrLedgerInconsistency)

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/ledger/unfreeze", operatorSecret, "", nil)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "ledger_inconsistency", errorType(t, body))
	assert.Zero(t, ts.settlement.calls)
}

func TestRunGenerationUsesIdempotencyHeaderFallback(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/generations", serviceSecret,
		`{"operation_kind":"summarize","input":"hello"}`,
		map[string]string{HeaderIdempotencyKey: "req-1"},
	)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, snowflake.ID(10), ts.generation.lastRun.AccountID)
	assert.Equal(t, "summarize", ts.generation.lastRun.OperationKind)
	assert.Equal(t, "req-1", ts.generation.lastRun.IdempotencyKey)
	data := body["data"].(map[string]any)
	assert.Equal(t, "done", data["content"])

	resp, _ = ts.do(t, http.MethodPost, "/api/accounts/10/generations", serviceSecret,
		`{"operation_kind":"summarize","input":"hello","idempotency_key":"body-key"}`,
		map[string]string{HeaderIdempotencyKey: "req-1"},
	)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "body-key", ts.generation.lastRun.IdempotencyKey)
}

func TestRunGenerationRejectsBadAccountID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/abc/generations", serviceSecret, `{"operation_kind":"summarize"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", errorType(t, body))
}

func TestRunGenerationErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{name: "insufficient credits", err: ledgerdomain.ErrInsufficientCredits, wantCode: http.StatusPaymentRequired, wantType: "insufficient_credits"},
		{name: "quota exceeded", err: quotadomain.ErrQuotaExceeded, wantCode: http.StatusTooManyRequests, wantType: "quota_exceeded"},
		{name: "rate limited", err: generationdomain.ErrRateLimited, wantCode: http.StatusTooManyRequests, wantType: "rate_limited"},
		{name: "frozen", err: ledgerdomain.ErrAccountFrozen, wantCode: http.StatusLocked, wantType: "account_frozen"},
		{name: "unknown operation", err: generationdomain.ErrUnknownOperation, wantCode: http.StatusBadRequest, wantType: "validation_error"},
		{name: "timeout", err: &generationdomain.UsageError{UsageID: 77, Err: generationdomain.ErrProviderTimeout}, wantCode: http.StatusGatewayTimeout, wantType: "provider_timeout"},
		{name: "ambiguous", err: &generationdomain.UsageError{UsageID: 77, Err: generationdomain.ErrProviderAmbiguousFailure}, wantCode: http.StatusBadGateway, wantType: "provider_ambiguous_failure"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.generation.runErr = tc.err

			resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/generations", serviceSecret, `{"operation_kind":"summarize"}`, nil)
			assert.Equal(t, tc.wantCode, resp.Code)
			assert.Equal(t, tc.wantType, errorType(t, body))
		})
	}
}

func TestProviderFailureHidesProviderMessage(t *testing.T) {
	ts := newTestServer(t)
	providerErr := &generationdomain.ProviderError{Message: "upstream key sk-live-123 rejected", StatusCode: 400}
	ts.generation.runErr = &generationdomain.UsageError{
		UsageID: 77,
		Err:     fmt.Errorf("%w: %w", generationdomain.ErrProviderFailed, providerErr),
	}

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/generations", serviceSecret, `{"operation_kind":"summarize"}`, nil)
	require.Equal(t, http.StatusBadGateway, resp.Code)
	assert.NotContains(t, resp.Body.String(), "sk-live-123")
	payload := body["error"].(map[string]any)
	assert.Equal(t, "77", payload["usage_id"])
}

func TestDuplicateRequestReturnsExistingUsage(t *testing.T) {
	ts := newTestServer(t)
	ts.generation.runErr = &generationdomain.DuplicateRequestError{
		Usage: &generationdomain.UsageRecord{ID: 55, Status: generationdomain.UsageStatusCommitted},
	}

	resp, body := ts.do(t, http.MethodPost, "/api/accounts/10/generations", serviceSecret, `{"operation_kind":"summarize","idempotency_key":"k"}`, nil)
	require.Equal(t, http.StatusConflict, resp.Code)
	payload := body["error"].(map[string]any)
	assert.Equal(t, "duplicate_request", payload["type"])
	assert.Equal(t, "55", payload["usage_id"])
	usage := payload["usage"].(map[string]any)
	assert.Equal(t, "committed", usage["status"])
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/nope", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "not_found", errorType(t, body))
}
