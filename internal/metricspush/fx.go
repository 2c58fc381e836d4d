package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/lexcredit/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register starts the push loop when a pusher is configured. Push failures
// are logged and never block request handling.
func Register(lc fx.Lifecycle, cfg config.Config, pusher Pusher, db *gorm.DB, log *zap.Logger) {
	if pusher == nil {
		return
	}
	log = log.Named("metrics.push")

	registry := prometheus.NewRegistry()
	snapshot := NewSnapshot(db, registry)
	gatherer := prometheus.Gatherers{registry, prometheus.DefaultGatherer}

	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					pushOnce(ctx, snapshot, pusher, gatherer, log)
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func pushOnce(ctx context.Context, snapshot *Snapshot, pusher Pusher, gatherer prometheus.Gatherer, log *zap.Logger) {
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout*2)
	defer cancel()

	if err := snapshot.Refresh(pushCtx); err != nil {
		log.Warn("metrics snapshot refresh failed", zap.Error(err))
	}
	if err := pusher.Push(pushCtx, gatherer); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}
