package slack

import (
	"net/http"
	"time"

	"github.com/smallbiznis/lexcredit/internal/config"
	obstracing "github.com/smallbiznis/lexcredit/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if cfg.Alert.SlackWebhookURL == "" {
		log.Named("providers.slack").Info("slack webhook not configured, alerts are log-only")
		return &NoOpProvider{}
	}
	return NewWebhookProvider(cfg.Alert.SlackWebhookURL, obstracing.WrapHTTPClient(&http.Client{Timeout: 5 * time.Second}))
}
