package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const purgeBatchSize = 1000

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Repo  domain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	retention time.Duration
}

func NewService(p Params) domain.Service {
	retention := p.Cfg.Idempotency.Retention
	if retention < config.MinIdempotencyRetention {
		retention = config.MinIdempotencyRetention
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("idempotency.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		retention: retention,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) TryClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		return domain.ClaimResult{}, domain.ErrInvalidSource
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return domain.ClaimResult{}, domain.ErrInvalidEventID
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock.Now()
	}

	record := &domain.Record{
		ID:         s.genID.Generate(),
		Source:     source,
		EventID:    eventID,
		EventType:  strings.TrimSpace(req.EventType),
		Outcome:    domain.OutcomeClaimed,
		ReceivedAt: receivedAt.UTC(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if inserted {
		return domain.ClaimResult{Claimed: true, Record: record}, nil
	}

	existing, err := s.repo.Find(ctx, s.db, source, eventID)
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if existing == nil {
		// The conflicting row was purged between the insert and the read.
		return domain.ClaimResult{}, domain.ErrRecordNotFound
	}
	s.log.Debug("event already claimed",
		zap.String("source", source),
		zap.String("event_id", eventID),
		zap.String("outcome", string(existing.Outcome)),
	)
	return domain.ClaimResult{Claimed: false, Record: existing}, nil
}

func (s *Service) MarkOutcome(ctx context.Context, id snowflake.ID, outcome domain.Outcome, detail string) error {
	switch outcome {
	case domain.OutcomeApplied, domain.OutcomeIgnored, domain.OutcomeRejected, domain.OutcomeDeferred:
	default:
		return domain.ErrInvalidOutcome
	}
	var detailPtr *string
	if detail = strings.TrimSpace(detail); detail != "" {
		detailPtr = &detail
	}
	rows, err := s.repo.UpdateOutcome(ctx, s.db, id, outcome, detailPtr, s.clock.Now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *Service) Find(ctx context.Context, source, eventID string) (*domain.Record, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return nil, domain.ErrInvalidSource
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	return s.repo.Find(ctx, s.db, source, eventID)
}

func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	floor := s.clock.Now().Add(-config.MinIdempotencyRetention)
	if before.After(floor) {
		before = floor
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := s.repo.DeleteBefore(ctx, s.db, before, purgeBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < purgeBatchSize {
			break
		}
	}
	if total > 0 {
		s.log.Info("purged idempotency records",
			zap.Int64("deleted", total),
			zap.Time("before", before),
		)
	}
	return total, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.Purge(ctx, s.clock.Now().Add(-s.retention))
}

var _ domain.Service = (*Service)(nil)
