package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	alertdomain "github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/generation/domain"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/lexcredit/internal/quota/domain"
	"github.com/smallbiznis/lexcredit/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"github.com/smallbiznis/lexcredit/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const idempotencySource = "generation"

const (
	reasonProviderTimeout   = "provider_timeout"
	reasonProviderAmbiguous = "provider_ambiguous_failure"
	reasonStaleReservation  = "stale_reservation"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Cfg             config.Config
	Catalog         *config.PlanCatalogHolder
	Repo            domain.Repository
	Provider        domain.Provider
	LedgerSvc       ledgerdomain.Service
	QuotaSvc        quotadomain.Service
	SubscriptionSvc subscriptiondomain.Service
	IdempotencySvc  idempotencydomain.Service
	Limiter         *ratelimit.GenerationLimiter `optional:"true"`
	AlertSvc        alertdomain.Service          `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	catalog         *config.PlanCatalogHolder
	repo            domain.Repository
	provider        domain.Provider
	ledgerSvc       ledgerdomain.Service
	quotaSvc        quotadomain.Service
	subscriptionSvc subscriptiondomain.Service
	idempotencySvc  idempotencydomain.Service
	limiter         *ratelimit.GenerationLimiter
	alertSvc        alertdomain.Service
	obsMetrics      *obsmetrics.Metrics
	tracer          trace.Tracer

	providerTimeout time.Duration
	finalizeTimeout time.Duration
}

func NewService(p Params) domain.Service {
	providerTimeout := p.Cfg.Generation.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}
	finalizeTimeout := p.Cfg.Generation.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = 10 * time.Second
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("generation.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		catalog:         p.Catalog,
		repo:            p.Repo,
		provider:        p.Provider,
		ledgerSvc:       p.LedgerSvc,
		quotaSvc:        p.QuotaSvc,
		subscriptionSvc: p.SubscriptionSvc,
		idempotencySvc:  p.IdempotencySvc,
		limiter:         p.Limiter,
		alertSvc:        p.AlertSvc,
		obsMetrics:      p.ObsMetrics,
		tracer:          otel.Tracer("lexcredit/generation"),
		providerTimeout: providerTimeout,
		finalizeTimeout: finalizeTimeout,
	}
}

func (s *Service) ReserveAndRun(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	if req.AccountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	req.OperationKind = strings.ToLower(strings.TrimSpace(req.OperationKind))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.OperationKind == "" {
		return nil, domain.ErrInvalidOperation
	}

	ctx, span := s.tracer.Start(ctx, "generation.reserve_and_run", trace.WithAttributes(
		attribute.String("account_id", req.AccountID.String()),
		attribute.String("operation_kind", req.OperationKind),
	))
	defer span.End()

	plan, anchor, err := s.resolvePlan(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	cost, ok := s.catalog.Get().CostOf(plan, req.OperationKind)
	if !ok {
		return nil, domain.ErrUnknownOperation
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.AccountID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &domain.DuplicateRequestError{Usage: existing}
		}
	}

	if err := s.checkRateLimit(ctx, req.AccountID); err != nil {
		return nil, err
	}

	record, err := s.reserve(ctx, req, plan, anchor, cost)
	if err != nil {
		s.obsMetrics.RecordGeneration(ctx, req.OperationKind, outcomeLabel(err), 0)
		return nil, err
	}
	span.SetAttributes(attribute.String("usage_id", record.ID.String()))

	providerCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	started := time.Now()
	resp, callErr := s.provider.Generate(providerCtx, domain.ProviderRequest{
		RequestID:     record.ProviderRequestID,
		AccountID:     req.AccountID.String(),
		OperationKind: req.OperationKind,
		Input:         req.Input,
	})
	deadlineHit := errors.Is(providerCtx.Err(), context.DeadlineExceeded)
	cancel()
	latency := time.Since(started)

	// The caller going away must not strand the reservation.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancelFinalize()

	var perr *domain.ProviderError
	switch {
	case callErr == nil:
		committed, err := s.commit(finalizeCtx, record, resp.Metadata)
		if err != nil {
			span.RecordError(err)
			return nil, &domain.UsageError{UsageID: record.ID, Err: err}
		}
		s.obsMetrics.RecordGeneration(ctx, req.OperationKind, "committed", latency)
		return &domain.RunResult{Usage: committed, Content: resp.Content}, nil

	case errors.As(callErr, &perr):
		refunded, err := s.refund(finalizeCtx, record, perr.Error())
		if err != nil {
			span.RecordError(err)
			return nil, &domain.UsageError{UsageID: record.ID, Err: err}
		}
		s.obsMetrics.RecordGeneration(ctx, req.OperationKind, "refunded", latency)
		s.log.Info("generation refunded after provider error",
			zap.String("usage_id", refunded.ID.String()),
			zap.String("account_id", req.AccountID.String()),
			zap.Bool("retriable", perr.Retriable),
			zap.Error(perr),
		)
		return nil, &domain.UsageError{UsageID: record.ID, Err: fmt.Errorf("%w: %w", domain.ErrProviderFailed, perr)}

	default:
		reason, sentinel := reasonProviderAmbiguous, domain.ErrProviderAmbiguousFailure
		if deadlineHit {
			reason, sentinel = reasonProviderTimeout, domain.ErrProviderTimeout
		}
		span.SetStatus(codes.Error, reason)
		if err := s.markFailed(finalizeCtx, record, reason, callErr); err != nil {
			span.RecordError(err)
			return nil, &domain.UsageError{UsageID: record.ID, Err: err}
		}
		s.obsMetrics.RecordGeneration(ctx, req.OperationKind, "failed", latency)
		return nil, &domain.UsageError{UsageID: record.ID, Err: sentinel}
	}
}

// resolvePlan picks the plan of the account's live subscription, falling
// back to the catalog default. The anchor is set for subscription-cycle
// quotas.
func (s *Service) resolvePlan(ctx context.Context, accountID snowflake.ID) (config.Plan, *time.Time, error) {
	catalog := s.catalog.Get()
	sub, err := s.subscriptionSvc.GetCurrent(ctx, accountID)
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return catalog.Default(), nil, nil
	case err != nil:
		return config.Plan{}, nil, err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return catalog.Default(), nil, nil
	}
	plan, ok := catalog.Plan(sub.PlanID)
	if !ok {
		s.log.Warn("subscription references unknown plan, using default",
			zap.String("account_id", accountID.String()),
			zap.String("plan_id", sub.PlanID),
		)
		return catalog.Default(), nil, nil
	}
	if plan.Type != config.PlanTypeQuota {
		return plan, nil, nil
	}
	anchor := sub.CurrentPeriodStart
	return plan, &anchor, nil
}

func (s *Service) checkRateLimit(ctx context.Context, accountID snowflake.ID) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.Allow(ctx, accountID)
	if err != nil {
		// Redis trouble should not take generation down with it.
		s.log.Warn("generation rate limit check failed", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.obsMetrics.RecordRateLimitDenied(ctx, "generation", "account-rate")
		return domain.ErrRateLimited
	}
	return nil
}

func (s *Service) reserve(ctx context.Context, req domain.RunRequest, plan config.Plan, anchor *time.Time, cost int64) (*domain.UsageRecord, error) {
	now := s.clock.Now()
	periodKey := quotadomain.PeriodKey(now, anchor)

	funding := domain.FundingLedger
	if plan.Type == config.PlanTypeQuota {
		funding = domain.FundingQuota
	}

	allowed, err := s.quotaSvc.CanConsume(ctx, quotadomain.CanConsumeRequest{
		AccountID: req.AccountID,
		Amount:    cost,
		Plan:      plan,
		PeriodKey: periodKey,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		if funding == domain.FundingQuota {
			return nil, quotadomain.ErrQuotaExceeded
		}
		// Frozen accounts get their own error from Reserve below.
		balance, err := s.ledgerSvc.BalanceOf(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		if !balance.Frozen {
			return nil, ledgerdomain.ErrInsufficientCredits
		}
	}

	record := &domain.UsageRecord{
		ID:                s.genID.Generate(),
		AccountID:         req.AccountID,
		OperationKind:     req.OperationKind,
		Cost:              cost,
		Funding:           funding,
		PeriodKey:         periodKey,
		PeriodAnchor:      anchor,
		ProviderRequestID: ulid.Make().String(),
		Status:            domain.UsageStatusReserved,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		record.IdempotencyKey = &key
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if record.IdempotencyKey != nil {
			idem := s.idempotencySvc.WithTx(tx)
			claim, err := idem.TryClaim(ctx, idempotencydomain.ClaimRequest{
				Source:     idempotencySource,
				EventID:    req.AccountID.String() + ":" + req.IdempotencyKey,
				EventType:  req.OperationKind,
				ReceivedAt: now,
			})
			if err != nil {
				return err
			}
			if !claim.Claimed {
				existing, err := s.repo.FindByIdempotencyKey(ctx, tx, req.AccountID, req.IdempotencyKey)
				if err != nil {
					return err
				}
				return &domain.DuplicateRequestError{Usage: existing}
			}
			if err := idem.MarkOutcome(ctx, claim.Record.ID, idempotencydomain.OutcomeApplied, record.ID.String()); err != nil {
				return err
			}
		}

		if err := s.repo.Insert(ctx, tx, record); err != nil {
			return err
		}

		switch funding {
		case domain.FundingQuota:
			return s.quotaSvc.WithTx(tx).Consume(ctx, quotadomain.ConsumeRequest{
				AccountID: req.AccountID,
				PeriodKey: periodKey,
				Allotment: plan.PeriodAllotment,
				Amount:    cost,
			})
		default:
			token, err := s.ledgerSvc.WithTx(tx).Reserve(ctx, ledgerdomain.ReserveRequest{
				AccountID:   req.AccountID,
				Amount:      cost,
				PeriodKey:   periodKey,
				ReferenceID: record.ID.String(),
			})
			if err != nil {
				return err
			}
			record.ReservationID = &token.ID
			return tx.WithContext(ctx).
				Model(&domain.UsageRecord{}).
				Where("id = ?", record.ID).
				Update("reservation_id", token.ID).Error
		}
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) commit(ctx context.Context, record *domain.UsageRecord, metadata map[string]any) (*domain.UsageRecord, error) {
	now := s.clock.Now()
	fields := domain.TransitionFields{FinalizedAt: &now, UpdatedAt: now}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			fields.ProviderMetadata = datatypes.JSON(raw)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A sweep may have flagged a slow call as failed; success settles it.
		rows, err := s.repo.Transition(ctx, tx, record.ID,
			[]domain.UsageStatus{domain.UsageStatusReserved, domain.UsageStatusFailed},
			domain.UsageStatusCommitted, fields)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrUsageFinalized
		}
		return s.settle(ctx, tx, record)
	})
	if errors.Is(err, domain.ErrUsageFinalized) {
		// An operator may have settled the record as committed while the
		// call was still running; the charge stands and the output is valid.
		current, reloadErr := s.reload(ctx, record)
		if reloadErr == nil && current.Status == domain.UsageStatusCommitted {
			s.log.Info("late provider success for committed usage record", zap.String("usage_id", record.ID.String()))
			return current, nil
		}
	}
	if err != nil {
		s.log.Error("failed to commit usage record", zap.String("usage_id", record.ID.String()), zap.Error(err))
		return nil, err
	}
	return s.reload(ctx, record)
}

func (s *Service) refund(ctx context.Context, record *domain.UsageRecord, reason string) (*domain.UsageRecord, error) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.Transition(ctx, tx, record.ID,
			[]domain.UsageStatus{domain.UsageStatusReserved, domain.UsageStatusFailed},
			domain.UsageStatusRefunded,
			domain.TransitionFields{FailureReason: &reason, FinalizedAt: &now, UpdatedAt: now})
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrUsageFinalized
		}
		return s.giveBack(ctx, tx, record)
	})
	if err != nil {
		s.log.Error("failed to refund usage record", zap.String("usage_id", record.ID.String()), zap.Error(err))
		return nil, err
	}
	return s.reload(ctx, record)
}

func (s *Service) markFailed(ctx context.Context, record *domain.UsageRecord, reason string, cause error) error {
	now := s.clock.Now()
	rows, err := s.repo.Transition(ctx, s.db, record.ID,
		[]domain.UsageStatus{domain.UsageStatusReserved},
		domain.UsageStatusFailed,
		domain.TransitionFields{FailureReason: &reason, UpdatedAt: now})
	if err != nil {
		s.log.Error("failed to flag usage record", zap.String("usage_id", record.ID.String()), zap.Error(err))
		return err
	}
	if rows == 0 {
		return nil
	}

	s.log.Warn("generation outcome unknown, usage held for reconciliation",
		zap.String("usage_id", record.ID.String()),
		zap.String("account_id", record.AccountID.String()),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	s.raise(ctx, alertdomain.Alert{
		Severity: alertdomain.SeverityWarning,
		Key:      "generation-failed:" + reason,
		Title:    "Generation outcome unknown",
		Message:  "A metered generation ended without a definitive provider answer. Resolve the usage record manually.",
		Fields: map[string]string{
			"usage_id":            record.ID.String(),
			"account_id":          record.AccountID.String(),
			"operation_kind":      record.OperationKind,
			"provider_request_id": record.ProviderRequestID,
			"reason":              reason,
		},
		At: now,
	})
	return nil
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, record *domain.UsageRecord) error {
	if record.Funding != domain.FundingLedger || record.ReservationID == nil {
		return nil
	}
	return s.ledgerSvc.WithTx(tx).Settle(ctx, ledgerdomain.ReservationToken{
		ID:        *record.ReservationID,
		AccountID: record.AccountID,
	})
}

// giveBack returns the reserved cost to whichever store funded it.
func (s *Service) giveBack(ctx context.Context, tx *gorm.DB, record *domain.UsageRecord) error {
	switch record.Funding {
	case domain.FundingQuota:
		err := s.quotaSvc.WithTx(tx).Release(ctx, quotadomain.ReleaseRequest{
			AccountID: record.AccountID,
			PeriodKey: record.PeriodKey,
			Amount:    record.Cost,
			Anchor:    record.PeriodAnchor,
		})
		if errors.Is(err, quotadomain.ErrPeriodClosed) {
			return nil
		}
		return err
	default:
		if record.ReservationID == nil {
			return ledgerdomain.ErrReservationNotFound
		}
		_, err := s.ledgerSvc.WithTx(tx).Refund(ctx, ledgerdomain.ReservationToken{
			ID:        *record.ReservationID,
			AccountID: record.AccountID,
		})
		return err
	}
}

func (s *Service) reload(ctx context.Context, record *domain.UsageRecord) (*domain.UsageRecord, error) {
	fresh, err := s.repo.FindByID(ctx, s.db, record.ID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, domain.ErrUsageNotFound
	}
	return fresh, nil
}

func (s *Service) GetUsageStatus(ctx context.Context, accountID snowflake.ID) (*domain.UsageSnapshot, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	plan, anchor, err := s.resolvePlan(ctx, accountID)
	if err != nil {
		return nil, err
	}

	snapshot := &domain.UsageSnapshot{AccountID: accountID, PlanID: plan.ID}
	if plan.Type == config.PlanTypeQuota {
		periodKey := quotadomain.PeriodKey(s.clock.Now(), anchor)
		quota, err := s.quotaSvc.Get(ctx, accountID, periodKey)
		if err != nil {
			return nil, err
		}
		remaining := plan.PeriodAllotment
		if quota != nil {
			remaining = quota.Remaining()
		}
		snapshot.RemainingQuota = &remaining
		snapshot.PeriodKey = periodKey
		return snapshot, nil
	}

	balance, err := s.ledgerSvc.BalanceOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	amount := balance.Amount
	snapshot.Balance = &amount
	snapshot.Unlimited = balance.Unlimited
	snapshot.Frozen = balance.Frozen
	snapshot.PeriodKey = balance.PeriodKey
	if snapshot.PeriodKey == "" {
		snapshot.PeriodKey = quotadomain.PeriodKey(s.clock.Now(), nil)
	}
	return snapshot, nil
}

func (s *Service) Get(ctx context.Context, usageID snowflake.ID) (*domain.UsageRecord, error) {
	record, err := s.repo.FindByID(ctx, s.db, usageID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrUsageNotFound
	}
	return record, nil
}

func (s *Service) ListFailed(ctx context.Context, req domain.ListFailedRequest) ([]*domain.UsageRecord, *pagination.PageInfo, error) {
	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, nil, fmt.Errorf("decode page token: %w", err)
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("decode page token: %w", err)
		}
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Limit()
	records, err := s.repo.ListFailed(ctx, s.db, req.AccountID, afterID, limit+1)
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildCursorPageInfo(records, limit, func(r *domain.UsageRecord) pagination.Cursor {
		return pagination.Cursor{ID: r.ID.String()}
	})
}

// ResolveFailed settles or refunds a failed record once. Repeating the same
// resolution returns the record unchanged.
func (s *Service) ResolveFailed(ctx context.Context, req domain.ResolveRequest) (*domain.UsageRecord, error) {
	switch req.Resolution {
	case domain.UsageStatusCommitted, domain.UsageStatusRefunded:
	default:
		return nil, domain.ErrInvalidResolution
	}

	record, err := s.Get(ctx, req.UsageID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.UsageStatusFailed {
		if record.Resolution != nil && *record.Resolution == req.Resolution {
			return record, nil
		}
		return nil, domain.ErrUsageNotFailed
	}

	now := s.clock.Now()
	resolution := req.Resolution
	fields := domain.TransitionFields{Resolution: &resolution, FinalizedAt: &now, UpdatedAt: now}
	if note := strings.TrimSpace(req.Note); note != "" {
		fields.ResolutionNote = &note
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.Transition(ctx, tx, record.ID,
			[]domain.UsageStatus{domain.UsageStatusFailed}, req.Resolution, fields)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrUsageNotFailed
		}
		if req.Resolution == domain.UsageStatusCommitted {
			return s.settle(ctx, tx, record)
		}
		return s.giveBack(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("failed usage resolved",
		zap.String("usage_id", record.ID.String()),
		zap.String("resolution", string(req.Resolution)),
	)
	return s.reload(ctx, record)
}

func (s *Service) SweepStale(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.repo.ListStale(ctx, s.db, before, limit)
	if err != nil {
		return 0, err
	}

	var flagged int64
	for _, record := range records {
		reason := reasonStaleReservation
		now := s.clock.Now()
		rows, err := s.repo.Transition(ctx, s.db, record.ID,
			[]domain.UsageStatus{domain.UsageStatusReserved},
			domain.UsageStatusFailed,
			domain.TransitionFields{FailureReason: &reason, UpdatedAt: now})
		if err != nil {
			return flagged, err
		}
		flagged += rows
	}

	if flagged > 0 {
		s.log.Warn("stale reservations flagged for reconciliation", zap.Int64("count", flagged))
		s.raise(ctx, alertdomain.Alert{
			Severity: alertdomain.SeverityWarning,
			Key:      "generation-stale-reservations",
			Title:    "Stale generation reservations",
			Message:  fmt.Sprintf("%d reservations never finished and were flagged as failed.", flagged),
			At:       s.clock.Now(),
		})
	}
	return flagged, nil
}

func (s *Service) raise(ctx context.Context, alert alertdomain.Alert) {
	if s.alertSvc == nil {
		return
	}
	if err := s.alertSvc.Raise(ctx, alert); err != nil {
		s.log.Warn("failed to raise alert", zap.String("key", alert.Key), zap.Error(err))
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ledgerdomain.ErrAccountFrozen):
		return "frozen"
	default:
		return "error"
	}
}

var _ domain.Service = (*Service)(nil)
