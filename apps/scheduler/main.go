package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/alert"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/generation"
	"github.com/smallbiznis/lexcredit/internal/idempotency"
	"github.com/smallbiznis/lexcredit/internal/ledger"
	"github.com/smallbiznis/lexcredit/internal/observability"
	"github.com/smallbiznis/lexcredit/internal/providers"
	"github.com/smallbiznis/lexcredit/internal/quota"
	"github.com/smallbiznis/lexcredit/internal/ratelimit"
	"github.com/smallbiznis/lexcredit/internal/scheduler"
	"github.com/smallbiznis/lexcredit/internal/subscription"
	"github.com/smallbiznis/lexcredit/pkg/db"
	"go.uber.org/fx"
)

// Standalone worker for deployments that run the jobs apart from the API.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		providers.Module,
		alert.Module,
		ratelimit.Module,
		ledger.Module,
		quota.Module,
		subscription.Module,
		idempotency.Module,
		generation.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
