package metricspush

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"gorm.io/gorm"
)

// Snapshot holds the accounting gauges pushed off-host. Values are read
// from the database on each Refresh so every replica reports the same totals.
type Snapshot struct {
	db *gorm.DB

	accounts      prometheus.Gauge
	frozen        prometheus.Gauge
	outstanding   prometheus.Gauge
	usageRecords  *prometheus.GaugeVec
	subscriptions *prometheus.GaugeVec
}

func NewSnapshot(db *gorm.DB, registerer prometheus.Registerer) *Snapshot {
	s := &Snapshot{
		db: db,
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexcredit_credit_accounts",
			Help: "Credit accounts known to the ledger.",
		}),
		frozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexcredit_credit_accounts_frozen",
			Help: "Credit accounts frozen after a reconcile mismatch.",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lexcredit_credit_balance_outstanding",
			Help: "Sum of unspent credits across metered accounts.",
		}),
		usageRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lexcredit_usage_records",
			Help: "Usage records by status.",
		}, []string{"status"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lexcredit_subscriptions",
			Help: "Subscriptions by status.",
		}, []string{"status"}),
	}
	registerer.MustRegister(s.accounts, s.frozen, s.outstanding, s.usageRecords, s.subscriptions)
	return s
}

type statusCount struct {
	Status string
	Count  int64
}

func (s *Snapshot) Refresh(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	db := s.db.WithContext(ctx)

	var total, frozen int64
	if err := db.Model(&ledgerdomain.Account{}).Count(&total).Error; err != nil {
		return err
	}
	if err := db.Model(&ledgerdomain.Account{}).Where("frozen_at IS NOT NULL").Count(&frozen).Error; err != nil {
		return err
	}
	var outstanding int64
	if err := db.Model(&ledgerdomain.Account{}).
		Where("unlimited = ?", false).
		Select("COALESCE(SUM(balance), 0)").
		Scan(&outstanding).Error; err != nil {
		return err
	}
	s.accounts.Set(float64(total))
	s.frozen.Set(float64(frozen))
	s.outstanding.Set(float64(outstanding))

	var errs []error
	errs = append(errs, s.refreshStatuses(db, &generationdomain.UsageRecord{}, s.usageRecords))
	errs = append(errs, s.refreshStatuses(db, &subscriptiondomain.Subscription{}, s.subscriptions))
	return errors.Join(errs...)
}

func (s *Snapshot) refreshStatuses(db *gorm.DB, model any, gauge *prometheus.GaugeVec) error {
	var rows []statusCount
	if err := db.Model(model).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	gauge.Reset()
	for _, row := range rows {
		gauge.WithLabelValues(row.Status).Set(float64(row.Count))
	}
	return nil
}
