package providers

import (
	"github.com/smallbiznis/lexcredit/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	slack.Module,
)
