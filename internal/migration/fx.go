package migration

import (
	"github.com/smallbiznis/lexcredit/internal/config"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	idempotencydomain "github.com/smallbiznis/lexcredit/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	quotadomain "github.com/smallbiznis/lexcredit/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			log.Warn("non-postgres database, using auto-migrate", zap.String("db_type", cfg.DBType))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

// AutoMigrate creates the schema from the models. Used for sqlite and mysql
// where the embedded SQL does not apply.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.Reservation{},
		&quotadomain.Quota{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&idempotencydomain.Record{},
		&generationdomain.UsageRecord{},
	)
}
