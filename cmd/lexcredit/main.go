package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/metricspush"
	"github.com/smallbiznis/lexcredit/internal/migration"
	"github.com/smallbiznis/lexcredit/internal/observability"
	"github.com/smallbiznis/lexcredit/internal/scheduler"
	"github.com/smallbiznis/lexcredit/internal/server"
	"github.com/smallbiznis/lexcredit/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP API, webhooks and every domain service
		server.Module,

		// Background jobs, toggled by SCHEDULER_ENABLED
		scheduler.Module,
		metricspush.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
