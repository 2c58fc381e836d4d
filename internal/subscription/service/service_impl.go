package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/lexcredit/internal/clock"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Renewal events routinely land a little after the period boundary.
const renewalLeeway = 6 * time.Hour

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) WithTx(tx *gorm.DB) subscriptiondomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, bool, error) {
	if req.AccountID == 0 {
		return nil, false, subscriptiondomain.ErrInvalidAccount
	}
	gatewayID := strings.TrimSpace(req.GatewaySubscriptionID)
	if gatewayID == "" {
		return nil, false, subscriptiondomain.ErrInvalidSubscription
	}
	planID := slug.Make(req.PlanID)
	if planID == "" {
		return nil, false, subscriptiondomain.ErrInvalidPlan
	}
	status := req.Status
	if status == "" {
		status = subscriptiondomain.SubscriptionStatusActive
	}
	if status != subscriptiondomain.SubscriptionStatusActive && status != subscriptiondomain.SubscriptionStatusTrialing {
		return nil, false, subscriptiondomain.ErrInvalidStatus
	}
	if req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, false, subscriptiondomain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	occurredAt = occurredAt.UTC()

	subscription := &subscriptiondomain.Subscription{
		ID:                    s.genID.Generate(),
		AccountID:             req.AccountID,
		GatewaySubscriptionID: gatewayID,
		PlanID:                planID,
		Status:                status,
		CurrentPeriodStart:    req.PeriodStart.UTC(),
		CurrentPeriodEnd:      req.PeriodEnd.UTC(),
		LastEventAt:           &occurredAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, subscription)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := s.repo.FindByGatewayID(ctx, s.db, gatewayID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, subscriptiondomain.ErrSubscriptionNotFound
		}
		return existing, false, nil
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("account_id", subscription.AccountID.String()),
		zap.String("plan_id", planID),
		zap.String("status", string(status)),
	)
	return subscription, true, nil
}

func (s *Service) ApplyEvent(ctx context.Context, event subscriptiondomain.Event) (subscriptiondomain.TransitionResult, error) {
	gatewayID := strings.TrimSpace(event.GatewaySubscriptionID)
	if gatewayID == "" {
		return subscriptiondomain.TransitionResult{}, subscriptiondomain.ErrInvalidSubscription
	}
	if event.OccurredAt.IsZero() {
		return subscriptiondomain.TransitionResult{}, subscriptiondomain.ErrInvalidEvent
	}
	switch event.Kind {
	case subscriptiondomain.EventRenewed:
		if event.PeriodStart.IsZero() || !event.PeriodEnd.After(event.PeriodStart) {
			return subscriptiondomain.TransitionResult{}, subscriptiondomain.ErrInvalidPeriod
		}
	case subscriptiondomain.EventPaymentFailed,
		subscriptiondomain.EventPaymentRecovered,
		subscriptiondomain.EventCanceled:
	default:
		return subscriptiondomain.TransitionResult{}, subscriptiondomain.ErrInvalidEvent
	}

	var result subscriptiondomain.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByGatewayIDForUpdate(ctx, tx, gatewayID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		result = subscriptiondomain.TransitionResult{
			Subscription: subscription,
			From:         subscription.Status,
			To:           subscription.Status,
		}
		occurredAt := event.OccurredAt.UTC()
		if subscription.LastEventAt != nil && occurredAt.Before(*subscription.LastEventAt) {
			result.Stale = true
			// A late renewal still paid for its period. Record the window but
			// leave status and last_event_at to the newer event.
			if event.Kind != subscriptiondomain.EventRenewed || subscriptiondomain.IsTerminal(subscription.Status) {
				return nil
			}
			if !advancePeriod(subscription, event.PeriodStart.UTC(), event.PeriodEnd.UTC()) {
				return nil
			}
			subscription.UpdatedAt = s.clock.Now()
			if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
				return err
			}
			result.PeriodRolled = true
			return nil
		}
		if subscriptiondomain.IsTerminal(subscription.Status) {
			return nil
		}

		now := s.clock.Now()
		target := subscription.Status
		switch event.Kind {
		case subscriptiondomain.EventRenewed:
			target = subscriptiondomain.SubscriptionStatusActive
			result.PeriodRolled = advancePeriod(subscription, event.PeriodStart.UTC(), event.PeriodEnd.UTC())
			subscription.PastDueSince = nil
		case subscriptiondomain.EventPaymentFailed:
			target = subscriptiondomain.SubscriptionStatusPastDue
			if subscription.PastDueSince == nil {
				subscription.PastDueSince = &occurredAt
			}
		case subscriptiondomain.EventPaymentRecovered:
			if subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
				target = subscriptiondomain.SubscriptionStatusActive
				subscription.PastDueSince = nil
			}
		case subscriptiondomain.EventCanceled:
			target = subscriptiondomain.SubscriptionStatusCanceled
			subscription.CanceledAt = &occurredAt
		}

		if target != subscription.Status {
			if !subscriptiondomain.IsTransitionAllowed(subscription.Status, target) {
				return subscriptiondomain.ErrInvalidTransition
			}
			subscription.Status = target
		}
		subscription.LastEventAt = &occurredAt
		subscription.UpdatedAt = now
		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}

		result.To = subscription.Status
		result.Applied = true
		return nil
	})
	if err != nil {
		return subscriptiondomain.TransitionResult{}, err
	}

	fields := []zap.Field{
		zap.String("gateway_subscription_id", gatewayID),
		zap.String("event_kind", string(event.Kind)),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.To)),
	}
	switch {
	case result.Stale && result.PeriodRolled:
		s.log.Info("stale renewal extended billing period",
			append(fields, zap.Time("current_period_end", result.Subscription.CurrentPeriodEnd))...)
	case result.Stale:
		s.log.Info("stale subscription event ignored", fields...)
	case !result.Applied:
		s.log.Info("subscription event ignored for terminal subscription", fields...)
	case result.From != result.To:
		s.log.Info("subscription transitioned", fields...)
	}
	return result, nil
}

// advancePeriod moves the billing window forward only; current_period_end
// never decreases.
func advancePeriod(subscription *subscriptiondomain.Subscription, start, end time.Time) bool {
	if !end.After(subscription.CurrentPeriodEnd) {
		return false
	}
	subscription.CurrentPeriodStart = start
	subscription.CurrentPeriodEnd = end
	return true
}

func (s *Service) RequestCancel(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if _, err := s.repo.SetCancelIntent(ctx, s.db, subscriptionID, s.clock.Now()); err != nil {
		return nil, err
	}
	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	s.log.Info("subscription cancel requested",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("status", string(subscription.Status)),
	)
	return subscription, nil
}

func (s *Service) ExpireDue(ctx context.Context, now time.Time, grace time.Duration) (subscriptiondomain.ExpireSummary, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	var summary subscriptiondomain.ExpireSummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if summary.CanceledAtPeriodEnd, err = s.repo.CancelAtPeriodEnd(ctx, tx, now); err != nil {
			return err
		}
		if summary.MarkedPastDue, err = s.repo.MarkOverdue(ctx, tx, now.Add(-renewalLeeway), now); err != nil {
			return err
		}
		summary.CanceledPastDue, err = s.repo.CancelPastDue(ctx, tx, now.Add(-grace), now)
		return err
	})
	if err != nil {
		return subscriptiondomain.ExpireSummary{}, err
	}

	if summary.CanceledAtPeriodEnd+summary.MarkedPastDue+summary.CanceledPastDue > 0 {
		s.log.Info("subscription expiry pass",
			zap.Int64("canceled_at_period_end", summary.CanceledAtPeriodEnd),
			zap.Int64("marked_past_due", summary.MarkedPastDue),
			zap.Int64("canceled_past_due", summary.CanceledPastDue),
		)
	}
	return summary, nil
}

func (s *Service) GetCurrent(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if accountID == 0 {
		return nil, subscriptiondomain.ErrInvalidAccount
	}
	subscription, err := s.repo.FindCurrentByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*subscriptiondomain.Subscription, error) {
	gatewaySubscriptionID = strings.TrimSpace(gatewaySubscriptionID)
	if gatewaySubscriptionID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.repo.FindByGatewayID(ctx, s.db, gatewaySubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

var _ subscriptiondomain.Service = (*Service)(nil)
