package webhook

import (
	"context"
	"errors"
	"net/http"

	alertdomain "github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
	"github.com/smallbiznis/lexcredit/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	paymentservice "github.com/smallbiznis/lexcredit/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Cfg            config.Config
	Adapters       *adapters.Registry
	Processor      *paymentservice.Service
	IdempotencySvc idempotencydomain.Service
	AlertSvc       alertdomain.Service `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	provider       string
	adapter        paymentdomain.PaymentAdapter
	processor      *paymentservice.Service
	idempotencySvc idempotencydomain.Service
	alertSvc       alertdomain.Service
	obsMetrics     *obsmetrics.Metrics
}

// rejections are business failures: the event is recorded as rejected and
// acknowledged. Anything else rolls the claim back so the gateway retries.
var rejections = []error{
	paymentdomain.ErrInvalidEvent,
	paymentdomain.ErrInvalidAccount,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidGatewayRef,
	paymentdomain.ErrUnknownPlan,
	paymentdomain.ErrAccountMismatch,
	ledgerdomain.ErrInvalidAccount,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidKind,
	ledgerdomain.ErrInvalidReference,
	subscriptiondomain.ErrInvalidAccount,
	subscriptiondomain.ErrInvalidSubscription,
	subscriptiondomain.ErrInvalidPlan,
	subscriptiondomain.ErrInvalidStatus,
	subscriptiondomain.ErrInvalidPeriod,
	subscriptiondomain.ErrInvalidEvent,
	subscriptiondomain.ErrInvalidTransition,
	subscriptiondomain.ErrSubscriptionNotFound,
}

func NewService(p Params) (paymentdomain.WebhookService, error) {
	log := p.Log.Named("payment.webhook")
	provider := p.Cfg.Payment.Gateway

	adapter, err := p.Adapters.NewAdapter(paymentdomain.AdapterConfig{
		Provider:  provider,
		Secret:    p.Cfg.Payment.WebhookSecret,
		Tolerance: p.Cfg.Payment.SignatureTolerance,
		Clock:     p.Clock,
	})
	switch {
	case err == nil:
	case errors.Is(err, paymentdomain.ErrInvalidConfig):
		log.Warn("payment webhook secret not configured, webhooks disabled", zap.String("provider", provider))
		adapter = nil
	default:
		return nil, err
	}

	return &Service{
		db:             p.DB,
		log:            log,
		clock:          p.Clock,
		provider:       provider,
		adapter:        adapter,
		processor:      p.Processor,
		idempotencySvc: p.IdempotencySvc,
		alertSvc:       p.AlertSvc,
		obsMetrics:     p.ObsMetrics,
	}, nil
}

func (s *Service) Handle(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.WebhookResult, error) {
	if s.adapter == nil {
		return nil, paymentdomain.ErrGatewayUnavailable
	}

	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", s.provider),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, s.provider, "unknown", "invalid_signature")
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		s.log.Warn("webhook payload rejected", zap.String("provider", s.provider), zap.Error(err))
		s.obsMetrics.RecordWebhookEvent(ctx, s.provider, "unknown", "invalid_payload")
		return nil, paymentdomain.ErrInvalidPayload
	}
	now := s.clock.Now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	result := &paymentdomain.WebhookResult{EventID: event.EventID, EventType: event.Type}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idem := s.idempotencySvc.WithTx(tx)
		claim, err := idem.TryClaim(ctx, idempotencydomain.ClaimRequest{
			Source:     s.provider,
			EventID:    event.EventID,
			EventType:  event.Type,
			ReceivedAt: now,
		})
		if err != nil {
			return err
		}
		if !claim.Claimed {
			result.Outcome = paymentdomain.OutcomeDuplicate
			if claim.Record != nil {
				result.Detail = "previously " + string(claim.Record.Outcome)
			}
			return nil
		}

		var (
			outcome paymentdomain.Outcome
			detail  string
		)
		applyErr := tx.Transaction(func(inner *gorm.DB) error {
			var err error
			outcome, detail, err = s.processor.WithTx(inner).Apply(ctx, event)
			return err
		})
		if applyErr != nil {
			if !isRejection(applyErr) {
				return applyErr
			}
			outcome = paymentdomain.OutcomeRejected
			detail = applyErr.Error()
		}

		result.Outcome = outcome
		result.Detail = detail
		return idem.MarkOutcome(ctx, claim.Record.ID, idempotencydomain.Outcome(outcome), detail)
	})
	if err != nil {
		s.log.Error("webhook processing failed",
			zap.String("provider", s.provider),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, s.provider, event.Type, "error")
		return nil, err
	}

	s.obsMetrics.RecordWebhookEvent(ctx, s.provider, event.Type, string(result.Outcome))
	fields := []zap.Field{
		zap.String("provider", s.provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.String("outcome", string(result.Outcome)),
		zap.String("detail", result.Detail),
	}
	switch result.Outcome {
	case paymentdomain.OutcomeRejected:
		s.log.Warn("webhook event rejected", fields...)
	case paymentdomain.OutcomeDeferred:
		s.log.Warn("webhook event deferred", fields...)
		s.raiseFrozen(ctx, event, result.Detail)
	default:
		s.log.Info("webhook event processed", fields...)
	}
	return result, nil
}

func (s *Service) raiseFrozen(ctx context.Context, event *paymentdomain.GatewayEvent, detail string) {
	if s.alertSvc == nil {
		return
	}
	err := s.alertSvc.Raise(ctx, alertdomain.Alert{
		Severity: alertdomain.SeverityCritical,
		Key:      "frozen-account-payment:" + event.Data.AccountID.String(),
		Title:    "Payment for frozen account",
		Message:  "A gateway event targeted a frozen ledger account. The credit is held until the account is unfrozen.",
		Fields: map[string]string{
			"account_id":  event.Data.AccountID.String(),
			"event_id":    event.EventID,
			"event_type":  event.Type,
			"gateway_ref": event.Data.GatewayRef,
			"detail":      detail,
		},
		At: s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("failed to raise frozen account alert", zap.Error(err))
	}
}

func isRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
