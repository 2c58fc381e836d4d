package generation

import (
	"github.com/smallbiznis/lexcredit/internal/generation/provider"
	"github.com/smallbiznis/lexcredit/internal/generation/repository"
	"github.com/smallbiznis/lexcredit/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(provider.NewFromConfig),
	fx.Provide(service.NewService),
)
