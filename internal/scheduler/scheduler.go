package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
	"github.com/smallbiznis/lexcredit/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcileLedger     = "reconcile_ledger"
	JobExpireSubscriptions = "expire_subscriptions"
	JobSweepStaleUsage     = "sweep_stale_usage"
	JobPurgeIdempotency    = "purge_idempotency"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	GenerationSvc   generationdomain.Service
	IdempotencySvc  idempotencydomain.Service
	Locker          *ratelimit.Locker  `optional:"true"`
	AlertSvc        alertdomain.Service `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	generationSvc   generationdomain.Service
	idempotencySvc  idempotencydomain.Service
	locker          *ratelimit.Locker
	alertSvc        alertdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.LedgerSvc == nil || p.SubscriptionSvc == nil || p.GenerationSvc == nil || p.IdempotencySvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		generationSvc:   p.GenerationSvc,
		idempotencySvc:  p.IdempotencySvc,
		locker:          p.Locker,
		alertSvc:        p.AlertSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)
	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))

	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}

	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withLock runs fn only on the replica holding the job's redis lock. Without
// a locker every replica runs the job; all jobs are safe to repeat.
func (s *Scheduler) withLock(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	key := s.cfg.LockKeyspace + ":" + name
	token, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("scheduler lock unavailable, running unlocked", zap.String("job", name), zap.Error(err))
		return fn(ctx)
	}
	if !acquired {
		obsmetrics.Scheduler().IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
		s.log.Debug("scheduler job held by another replica", zap.String("job", name))
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireSubscriptions, s.ExpireSubscriptionsJob},
		{JobSweepStaleUsage, s.SweepStaleUsageJob},
		{JobReconcileLedger, s.ReconcileLedgerJob},
		{JobPurgeIdempotency, s.PurgeIdempotencyJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		job := job
		err = errors.Join(err, s.withLock(parent, job.Name, func(ctx context.Context) error {
			return s.runJob(ctx, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run)
		}))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireSubscriptionsJob ends canceled subscriptions at period end and moves
// unpaid ones through past_due once the grace period lapses.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireSubscriptions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.subscriptionSvc.ExpireDue(ctx, s.clock.Now(), s.cfg.GracePeriod)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.subscription.expire.failed", 0, err)
		return err
	}

	processed := int(summary.CanceledAtPeriodEnd + summary.MarkedPastDue + summary.CanceledPastDue)
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobExpireSubscriptions, "subscriptions", processed)
	if processed > 0 {
		s.logger(ctx).Info("subscriptions expired",
			zap.Int64("canceled_at_period_end", summary.CanceledAtPeriodEnd),
			zap.Int64("marked_past_due", summary.MarkedPastDue),
			zap.Int64("canceled_past_due", summary.CanceledPastDue),
		)
	}
	return nil
}

// SweepStaleUsageJob flags reservations whose finalization never ran.
func (s *Scheduler) SweepStaleUsageJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSweepStaleUsage, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		swept, err := s.generationSvc.SweepStale(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.usage.sweep.failed", 0, err)
			return err
		}
		run.AddProcessed(int(swept))
		obsmetrics.Scheduler().AddBatchProcessed(JobSweepStaleUsage, "usage_records", int(swept))
		if swept < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}

// ReconcileLedgerJob walks every credit account and compares its balance with
// the entry log. Accounts that disagree are frozen by the ledger and paged.
func (s *Scheduler) ReconcileLedgerJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileLedger, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var (
		jobErr  error
		afterID snowflake.ID
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ids, err := s.ledgerSvc.ListAccountIDs(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.ledger.list.failed", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			break
		}

		for _, accountID := range ids {
			result, err := s.ledgerSvc.Reconcile(ctx, accountID)
			switch {
			case err == nil:
				run.AddProcessed(1)
			case errors.Is(err, ledgerdomain.ErrLedgerInconsistency):
				run.AddProcessed(1)
				run.IncError()
				s.raiseInconsistency(ctx, result)
			default:
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.ledger.reconcile.failed", accountID, err)
			}
		}
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcileLedger, "credit_accounts", len(ids))

		afterID = ids[len(ids)-1]
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) raiseInconsistency(ctx context.Context, result *ledgerdomain.ReconcileResult) {
	if s.alertSvc == nil || result == nil {
		return
	}
	err := s.alertSvc.Raise(ctx, alertdomain.Alert{
		Severity: alertdomain.SeverityCritical,
		Key:      "ledger_inconsistency:" + result.AccountID.String(),
		Title:    "Credit account frozen after reconcile mismatch",
		Message:  "Stored balance disagrees with the entry log. Spending and crediting are blocked until an operator repairs the account.",
		Fields: map[string]string{
			"account_id":  result.AccountID.String(),
			"balance":     fmt.Sprintf("%d", result.Balance),
			"entry_sum":   fmt.Sprintf("%d", result.EntrySum),
			"seq":         fmt.Sprintf("%d", result.Seq),
			"entry_count": fmt.Sprintf("%d", result.EntryCount),
		},
		At: s.clock.Now(),
	})
	if err != nil {
		s.logger(ctx).Warn("alert dispatch failed", zap.Error(err))
	}
}

// PurgeIdempotencyJob drops webhook claims past their retention window.
func (s *Scheduler) PurgeIdempotencyJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeIdempotency, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	purged, err := s.idempotencySvc.PurgeExpired(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.idempotency.purge.failed", 0, err)
		return err
	}
	run.AddProcessed(int(purged))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurgeIdempotency, "webhook_events", int(purged))
	return nil
}
