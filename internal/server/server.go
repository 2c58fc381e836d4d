package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/lexcredit/internal/alert"
	"github.com/smallbiznis/lexcredit/internal/authorization"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/generation"
	generationdomain "github.com/smallbiznis/lexcredit/internal/generation/domain"
	"github.com/smallbiznis/lexcredit/internal/idempotency"
	"github.com/smallbiznis/lexcredit/internal/ledger"
	ledgerdomain "github.com/smallbiznis/lexcredit/internal/ledger/domain"
	"github.com/smallbiznis/lexcredit/internal/observability"
	obsmiddleware "github.com/smallbiznis/lexcredit/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/lexcredit/internal/observability/metrics"
	obstracing "github.com/smallbiznis/lexcredit/internal/observability/tracing"
	"github.com/smallbiznis/lexcredit/internal/payment"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
	"github.com/smallbiznis/lexcredit/internal/providers"
	"github.com/smallbiznis/lexcredit/internal/quota"
	"github.com/smallbiznis/lexcredit/internal/ratelimit"
	"github.com/smallbiznis/lexcredit/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/lexcredit/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	providers.Module,
	alert.Module,
	authorization.Module,
	ratelimit.Module,
	ledger.Module,
	quota.Module,
	subscription.Module,
	idempotency.Module,
	payment.Module,
	generation.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	authzSvc        authorization.Service
	webhookSvc      paymentdomain.WebhookService
	settlementSvc   paymentdomain.SettlementService
	generationSvc   generationdomain.Service
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	WebhookSvc      paymentdomain.WebhookService
	SettlementSvc   paymentdomain.SettlementService
	GenerationSvc   generationdomain.Service
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		webhookSvc:      p.WebhookSvc,
		settlementSvc:   p.SettlementSvc,
		generationSvc:   p.GenerationSvc,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
	}
	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired())

	// -------- Generation --------
	api.POST("/accounts/:account_id/generations", s.authorizeAction(authorization.ObjectGeneration, authorization.ActionGenerationRun), s.RunGeneration)
	api.GET("/accounts/:account_id/usage", s.authorizeAction(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageStatus)

	// -------- Ledger --------
	api.GET("/accounts/:account_id/ledger/entries", s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerView), s.ListLedgerEntries)
	api.POST("/accounts/:account_id/ledger/reconcile", s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerReconcile), s.ReconcileLedger)
	api.POST("/accounts/:account_id/ledger/unfreeze", s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerUnfreeze), s.UnfreezeAccount)

	// -------- Subscriptions --------
	api.POST("/subscriptions/:id/cancel", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)

	// -------- Usage records --------
	api.GET("/usage-records/failed", s.authorizeAction(authorization.ObjectUsageRecord, authorization.ActionUsageRecordView), s.ListFailedUsage)
	api.GET("/usage-records/:id", s.authorizeAction(authorization.ObjectUsageRecord, authorization.ActionUsageRecordView), s.GetUsageRecord)
	api.POST("/usage-records/:id/resolve", s.authorizeAction(authorization.ObjectUsageRecord, authorization.ActionUsageRecordResolve), s.ResolveFailedUsage)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
