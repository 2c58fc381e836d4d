package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	"github.com/smallbiznis/lexcredit/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("quota.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	if s.ledgerSvc != nil {
		clone.ledgerSvc = s.ledgerSvc.WithTx(tx)
	}
	return &clone
}

// CanConsume is advisory; Consume and ledger reservations are the
// authoritative checks.
func (s *Service) CanConsume(ctx context.Context, req domain.CanConsumeRequest) (bool, error) {
	if req.AccountID == 0 {
		return false, domain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return false, domain.ErrInvalidAmount
	}

	if req.Plan.Type != config.PlanTypeQuota {
		balance, err := s.ledgerSvc.BalanceOf(ctx, req.AccountID)
		if err != nil {
			return false, err
		}
		if balance.Frozen {
			return false, nil
		}
		return balance.Unlimited || balance.Amount >= req.Amount, nil
	}

	periodKey := strings.TrimSpace(req.PeriodKey)
	if periodKey == "" {
		periodKey = domain.PeriodKey(s.clock.Now(), nil)
	}
	quota, err := s.repo.Find(ctx, s.db, req.AccountID, periodKey)
	if err != nil {
		return false, err
	}
	var consumed int64
	if quota != nil {
		consumed = quota.Consumed
	}
	return consumed+req.Amount <= req.Plan.PeriodAllotment, nil
}

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) error {
	if req.AccountID == 0 {
		return domain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.Allotment <= 0 {
		return domain.ErrInvalidAllotment
	}
	periodKey := strings.TrimSpace(req.PeriodKey)
	if periodKey == "" {
		return domain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	if err := s.repo.InsertIfAbsent(ctx, s.db, &domain.Quota{
		ID:        s.genID.Generate(),
		AccountID: req.AccountID,
		PeriodKey: periodKey,
		Allotted:  req.Allotment,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	rows, err := s.repo.IncrementIfWithin(ctx, s.db, req.AccountID, periodKey, req.Amount, now)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrQuotaExceeded
	}
	return nil
}

func (s *Service) Release(ctx context.Context, req domain.ReleaseRequest) error {
	if req.AccountID == 0 {
		return domain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	periodKey := strings.TrimSpace(req.PeriodKey)
	if periodKey == "" {
		return domain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	if current := domain.PeriodKey(now, req.Anchor); current != periodKey {
		s.log.Info("quota release skipped for closed period",
			zap.String("account_id", req.AccountID.String()),
			zap.String("period_key", periodKey),
			zap.String("current_period_key", current),
		)
		return domain.ErrPeriodClosed
	}

	rows, err := s.repo.Decrement(ctx, s.db, req.AccountID, periodKey, req.Amount, now)
	if err != nil {
		return err
	}
	if rows == 0 {
		s.log.Warn("quota release found nothing to release",
			zap.String("account_id", req.AccountID.String()),
			zap.String("period_key", periodKey),
			zap.Int64("amount", req.Amount),
		)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, accountID snowflake.ID, periodKey string) (*domain.Quota, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	periodKey = strings.TrimSpace(periodKey)
	if periodKey == "" {
		return nil, domain.ErrInvalidPeriod
	}
	return s.repo.Find(ctx, s.db, accountID, periodKey)
}

var _ domain.Service = (*Service)(nil)
