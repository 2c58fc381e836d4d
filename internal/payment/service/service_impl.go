package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Catalog         *config.PlanCatalogHolder
	Repo            paymentdomain.Repository
}

// Service applies parsed gateway events to the ledger and subscriptions.
// It never claims events itself; the webhook pipeline does.
type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	catalog         *config.PlanCatalogHolder
	repo            paymentdomain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		catalog:         p.Catalog,
		repo:            p.Repo,
	}
}

func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.db = tx
	clone.ledgerSvc = s.ledgerSvc.WithTx(tx)
	clone.subscriptionSvc = s.subscriptionSvc.WithTx(tx)
	return &clone
}

// Apply returns the outcome to record for the event. Errors are either
// business rejections or infrastructure failures; the caller tells them
// apart.
func (s *Service) Apply(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	if event == nil || strings.TrimSpace(event.EventID) == "" {
		return "", "", paymentdomain.ErrInvalidEvent
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentCaptured:
		return s.capturePayment(ctx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.failPayment(ctx, event)
	case paymentdomain.EventTypeSubscriptionCreated:
		return s.createSubscription(ctx, event)
	case paymentdomain.EventTypeSubscriptionRenewed:
		return s.renewSubscription(ctx, event)
	case paymentdomain.EventTypeSubscriptionCanceled:
		return s.cancelSubscription(ctx, event)
	default:
		return paymentdomain.OutcomeIgnored, "unsupported event type " + event.Type, nil
	}
}

func (s *Service) capturePayment(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	data := event.Data
	if data.AccountID == 0 {
		return "", "", paymentdomain.ErrInvalidAccount
	}
	if data.GatewayRef == "" {
		return "", "", paymentdomain.ErrInvalidGatewayRef
	}
	if data.Amount <= 0 {
		return "", "", paymentdomain.ErrInvalidAmount
	}

	sub, err := s.resolveSubscription(ctx, event)
	if err != nil {
		return "", "", err
	}
	if err := s.recordPayment(ctx, event, sub, paymentdomain.PaymentStatusCaptured); err != nil {
		return "", "", err
	}

	entry, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:     data.AccountID,
		Amount:        data.Amount,
		Kind:          ledgerdomain.EntryKindPurchase,
		ReferenceType: ledgerdomain.ReferenceTypePayment,
		ReferenceID:   data.GatewayRef,
		OccurredAt:    event.OccurredAt,
	})
	deferred := errors.Is(err, ledgerdomain.ErrAccountFrozen)
	if err != nil && !deferred {
		return "", "", err
	}
	// The charge is real either way; a frozen account keeps it as pending
	// until SettlePending credits it.
	from, to := paymentdomain.PaymentStatusCreditPending, paymentdomain.PaymentStatusCaptured
	if deferred {
		from, to = to, from
	}
	if _, err := s.repo.SetStatus(ctx, s.db, data.GatewayRef, from, to, s.clock.Now()); err != nil {
		return "", "", err
	}

	if sub != nil && sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		res, err := s.subscriptionSvc.ApplyEvent(ctx, subscriptiondomain.Event{
			GatewaySubscriptionID: sub.GatewaySubscriptionID,
			Kind:                  subscriptiondomain.EventPaymentRecovered,
			OccurredAt:            event.OccurredAt,
		})
		if err != nil {
			return "", "", err
		}
		if res.Stale {
			s.log.Info("payment recovery older than latest subscription event",
				zap.String("event_id", event.EventID),
				zap.String("gateway_subscription_id", sub.GatewaySubscriptionID),
			)
		}
	}

	if deferred {
		return paymentdomain.OutcomeDeferred, fmt.Sprintf("account frozen, credit of %d pending", data.Amount), nil
	}
	return paymentdomain.OutcomeApplied, fmt.Sprintf("credited %d via entry %s", data.Amount, entry.ID), nil
}

func (s *Service) failPayment(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	data := event.Data
	if data.AccountID != 0 && data.GatewayRef != "" {
		if err := s.recordPayment(ctx, event, nil, paymentdomain.PaymentStatusFailed); err != nil {
			return "", "", err
		}
	}
	if data.GatewaySubscriptionID == "" {
		return paymentdomain.OutcomeIgnored, "payment failure without subscription", nil
	}

	res, err := s.subscriptionSvc.ApplyEvent(ctx, subscriptiondomain.Event{
		GatewaySubscriptionID: data.GatewaySubscriptionID,
		Kind:                  subscriptiondomain.EventPaymentFailed,
		OccurredAt:            event.OccurredAt,
	})
	if err != nil {
		return "", "", err
	}
	return transitionOutcome(res)
}

func (s *Service) createSubscription(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	data := event.Data
	if data.AccountID == 0 {
		return "", "", paymentdomain.ErrInvalidAccount
	}
	plan, ok := s.catalog.Get().Plan(data.PlanID)
	if !ok {
		return "", "", paymentdomain.ErrUnknownPlan
	}

	sub, created, err := s.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		AccountID:             data.AccountID,
		GatewaySubscriptionID: data.GatewaySubscriptionID,
		PlanID:                plan.ID,
		Status:                createStatus(data.SubscriptionStatus),
		PeriodStart:           data.PeriodStart,
		PeriodEnd:             data.PeriodEnd,
		OccurredAt:            event.OccurredAt,
	})
	if err != nil {
		return "", "", err
	}
	if sub.AccountID != data.AccountID {
		return "", "", paymentdomain.ErrAccountMismatch
	}
	deferred, err := s.grantRenewalCredits(ctx, sub, plan, sub.CurrentPeriodStart)
	if err != nil {
		return "", "", err
	}
	if !created {
		return paymentdomain.OutcomeIgnored, "subscription already exists", nil
	}
	if deferred {
		return paymentdomain.OutcomeDeferred, "subscription " + sub.ID.String() + " created, account frozen, renewal credits pending", nil
	}
	return paymentdomain.OutcomeApplied, "subscription " + sub.ID.String() + " created", nil
}

func (s *Service) renewSubscription(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	data := event.Data
	res, err := s.subscriptionSvc.ApplyEvent(ctx, subscriptiondomain.Event{
		GatewaySubscriptionID: data.GatewaySubscriptionID,
		Kind:                  subscriptiondomain.EventRenewed,
		OccurredAt:            event.OccurredAt,
		PeriodStart:           data.PeriodStart,
		PeriodEnd:             data.PeriodEnd,
	})
	if err != nil {
		return "", "", err
	}
	if !res.Applied && !res.PeriodRolled {
		return transitionOutcome(res)
	}

	if plan, ok := s.catalog.Get().Plan(res.Subscription.PlanID); ok {
		deferred, err := s.grantRenewalCredits(ctx, res.Subscription, plan, data.PeriodStart)
		if err != nil {
			return "", "", err
		}
		if deferred {
			return paymentdomain.OutcomeDeferred, "account frozen, renewal credits pending", nil
		}
	} else {
		s.log.Warn("renewed subscription references unknown plan",
			zap.String("subscription_id", res.Subscription.ID.String()),
			zap.String("plan_id", res.Subscription.PlanID),
		)
	}
	return transitionOutcome(res)
}

func (s *Service) cancelSubscription(ctx context.Context, event *paymentdomain.GatewayEvent) (paymentdomain.Outcome, string, error) {
	res, err := s.subscriptionSvc.ApplyEvent(ctx, subscriptiondomain.Event{
		GatewaySubscriptionID: event.Data.GatewaySubscriptionID,
		Kind:                  subscriptiondomain.EventCanceled,
		OccurredAt:            event.OccurredAt,
	})
	if err != nil {
		return "", "", err
	}
	return transitionOutcome(res)
}

// resolveSubscription finds the subscription a payment belongs to, creating
// it when the payment arrives before the subscription event.
func (s *Service) resolveSubscription(ctx context.Context, event *paymentdomain.GatewayEvent) (*subscriptiondomain.Subscription, error) {
	data := event.Data
	if data.GatewaySubscriptionID == "" {
		return nil, nil
	}
	sub, err := s.subscriptionSvc.GetByGatewayID(ctx, data.GatewaySubscriptionID)
	switch {
	case err == nil:
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		if data.PlanID == "" || data.PeriodStart.IsZero() {
			return nil, nil
		}
		plan, ok := s.catalog.Get().Plan(data.PlanID)
		if !ok {
			return nil, paymentdomain.ErrUnknownPlan
		}
		sub, _, err = s.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
			AccountID:             data.AccountID,
			GatewaySubscriptionID: data.GatewaySubscriptionID,
			PlanID:                plan.ID,
			Status:                subscriptiondomain.SubscriptionStatusActive,
			PeriodStart:           data.PeriodStart,
			PeriodEnd:             data.PeriodEnd,
			OccurredAt:            event.OccurredAt,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if sub.AccountID != data.AccountID {
		return nil, paymentdomain.ErrAccountMismatch
	}
	return sub, nil
}

func (s *Service) recordPayment(ctx context.Context, event *paymentdomain.GatewayEvent, sub *subscriptiondomain.Subscription, status paymentdomain.PaymentStatus) error {
	data := event.Data
	now := s.clock.Now()
	digest := payloadDigest(event.RawPayload)

	payment := &paymentdomain.Payment{
		ID:            s.genID.Generate(),
		GatewayRef:    data.GatewayRef,
		AccountID:     data.AccountID,
		Amount:        data.Amount,
		Currency:      data.Currency,
		Status:        status,
		EventID:       event.EventID,
		PayloadDigest: digest,
		OccurredAt:    event.OccurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if data.GatewaySubscriptionID != "" {
		gatewaySubID := data.GatewaySubscriptionID
		payment.GatewaySubscriptionID = &gatewaySubID
	}
	if sub != nil {
		subID := sub.ID
		payment.SubscriptionID = &subID
	}

	inserted, err := s.repo.InsertPaymentIfAbsent(ctx, s.db, payment)
	if err != nil || inserted {
		return err
	}

	existing, err := s.repo.FindPaymentByRef(ctx, s.db, data.GatewayRef)
	if err != nil {
		return err
	}
	if existing == nil {
		return paymentdomain.ErrInvalidGatewayRef
	}
	if existing.AccountID != data.AccountID {
		return paymentdomain.ErrAccountMismatch
	}
	if status == paymentdomain.PaymentStatusCaptured && existing.Status == paymentdomain.PaymentStatusFailed {
		_, err = s.repo.MarkCaptured(ctx, s.db, data.GatewayRef, data.Amount, event.EventID, digest, now)
		return err
	}
	return nil
}

// grantRenewalCredits credits a plan's per-period bonus once per
// subscription period. It reports deferred when the account is frozen;
// SettlePending grants the current period later.
func (s *Service) grantRenewalCredits(ctx context.Context, sub *subscriptiondomain.Subscription, plan config.Plan, periodStart time.Time) (bool, error) {
	if plan.Type != config.PlanTypeBalance || plan.RenewalCredits <= 0 {
		return false, nil
	}
	if periodStart.IsZero() {
		periodStart = sub.CurrentPeriodStart
	}
	_, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:     sub.AccountID,
		Amount:        plan.RenewalCredits,
		Kind:          ledgerdomain.EntryKindBonus,
		ReferenceType: ledgerdomain.ReferenceTypeSubscription,
		ReferenceID:   fmt.Sprintf("%s:%s", sub.ID, periodStart.UTC().Format("2006-01-02")),
		OccurredAt:    periodStart,
	})
	if errors.Is(err, ledgerdomain.ErrAccountFrozen) {
		s.log.Warn("renewal credits deferred for frozen account",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("account_id", sub.AccountID.String()),
		)
		return true, nil
	}
	return false, err
}

// SettlePending credits every payment captured while the account was
// frozen, then the current period's renewal credits. It fails with
// ErrAccountFrozen while the freeze holds.
func (s *Service) SettlePending(ctx context.Context, accountID snowflake.ID) (*paymentdomain.SettlementResult, error) {
	if accountID == 0 {
		return nil, paymentdomain.ErrInvalidAccount
	}

	result := &paymentdomain.SettlementResult{AccountID: accountID, Credited: []*paymentdomain.Payment{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTx(tx)
		pending, err := svc.repo.ListByStatus(ctx, tx, accountID, paymentdomain.PaymentStatusCreditPending)
		if err != nil {
			return err
		}
		for _, payment := range pending {
			if _, err := svc.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
				AccountID:     accountID,
				Amount:        payment.Amount,
				Kind:          ledgerdomain.EntryKindPurchase,
				ReferenceType: ledgerdomain.ReferenceTypePayment,
				ReferenceID:   payment.GatewayRef,
				OccurredAt:    payment.OccurredAt,
			}); err != nil {
				return err
			}
			rows, err := svc.repo.SetStatus(ctx, tx, payment.GatewayRef,
				paymentdomain.PaymentStatusCreditPending, paymentdomain.PaymentStatusCaptured, svc.clock.Now())
			if err != nil {
				return err
			}
			if rows == 0 {
				continue
			}
			payment.Status = paymentdomain.PaymentStatusCaptured
			result.Credited = append(result.Credited, payment)
			result.CreditedAmount += payment.Amount
		}
		return svc.settleCurrentRenewal(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}

	if len(result.Credited) > 0 {
		s.log.Info("pending payments settled",
			zap.String("account_id", accountID.String()),
			zap.Int("payments", len(result.Credited)),
			zap.Int64("amount", result.CreditedAmount),
		)
	}
	return result, nil
}

func (s *Service) settleCurrentRenewal(ctx context.Context, accountID snowflake.ID) error {
	sub, err := s.subscriptionSvc.GetCurrent(ctx, accountID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if subscriptiondomain.IsTerminal(sub.Status) {
		return nil
	}
	plan, ok := s.catalog.Get().Plan(sub.PlanID)
	if !ok {
		return nil
	}
	deferred, err := s.grantRenewalCredits(ctx, sub, plan, sub.CurrentPeriodStart)
	if err != nil {
		return err
	}
	if deferred {
		return ledgerdomain.ErrAccountFrozen
	}
	return nil
}

func transitionOutcome(res subscriptiondomain.TransitionResult) (paymentdomain.Outcome, string, error) {
	switch {
	case res.Stale && res.PeriodRolled:
		return paymentdomain.OutcomeApplied, "stale renewal, period extended to " + res.Subscription.CurrentPeriodEnd.Format(time.RFC3339), nil
	case res.Stale:
		return paymentdomain.OutcomeIgnored, "stale event", nil
	case !res.Applied:
		return paymentdomain.OutcomeIgnored, "subscription is " + string(res.To), nil
	default:
		return paymentdomain.OutcomeApplied, fmt.Sprintf("subscription %s -> %s", res.From, res.To), nil
	}
}

func createStatus(raw string) subscriptiondomain.SubscriptionStatus {
	if subscriptiondomain.SubscriptionStatus(raw) == subscriptiondomain.SubscriptionStatusTrialing {
		return subscriptiondomain.SubscriptionStatusTrialing
	}
	return subscriptiondomain.SubscriptionStatusActive
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
