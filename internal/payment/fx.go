package payment

import (
	"github.com/smallbiznis/lexcredit/internal/payment/adapters"
	"github.com/smallbiznis/lexcredit/internal/payment/adapters/generic"
	"github.com/smallbiznis/lexcredit/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	"github.com/smallbiznis/lexcredit/internal/payment/repository"
	paymentservice "github.com/smallbiznis/lexcredit/internal/payment/service"
	"github.com/smallbiznis/lexcredit/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			generic.NewFactory(),
			stripe.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(func(svc *paymentservice.Service) paymentdomain.SettlementService { return svc }),
	fx.Provide(webhook.NewService),
)
