package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/api/handler"
	"github.com/qs3c/coverletter_server/internal/api/middleware"
	"github.com/qs3c/coverletter_server/internal/service"
)

type Router struct {
	entitlementHandler *handler.EntitlementHandler
	billingHandler     *handler.BillingHandler
	webhookHandler     *handler.WebhookHandler
	coverLetterHandler *handler.CoverLetterHandler
	websocketHandler   *handler.WebSocketHandler
	entitlementService *service.EntitlementService
	cfg                *config.Config
}

func NewRouter(
	entitlementHandler *handler.EntitlementHandler,
	billingHandler *handler.BillingHandler,
	webhookHandler *handler.WebhookHandler,
	coverLetterHandler *handler.CoverLetterHandler,
	websocketHandler *handler.WebSocketHandler,
	entitlementService *service.EntitlementService,
	cfg *config.Config,
) *Router {
	return &Router{
		entitlementHandler: entitlementHandler,
		billingHandler:     billingHandler,
		webhookHandler:     webhookHandler,
		coverLetterHandler: coverLetterHandler,
		websocketHandler:   websocketHandler,
		entitlementService: entitlementService,
		cfg:                cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.Metrics())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(200, "ok")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		// 公开接口
		api.GET("/billing/catalog", r.billingHandler.Catalog)
		api.POST("/billing/webhook", r.webhookHandler.Stripe)

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			// 权益
			entitlement := authenticated.Group("/entitlement")
			{
				entitlement.GET("", r.entitlementHandler.GetBalance)
				entitlement.POST("/bootstrap", r.entitlementHandler.Bootstrap)
			}

			// 支付与订阅
			billing := authenticated.Group("/billing")
			{
				billing.POST("/checkout", r.billingHandler.CreateCheckout)
				billing.POST("/checkout/confirm", r.billingHandler.ConfirmCheckout)
				billing.GET("/subscription", r.billingHandler.GetSubscription)
				billing.POST("/subscription/cancel", r.billingHandler.CancelSubscription)
				billing.GET("/transactions", r.entitlementHandler.ListTransactions)
			}

			// 求职信
			letters := authenticated.Group("/cover-letters")
			{
				letters.POST("/generate", middleware.EntitlementCheck(r.entitlementService), r.coverLetterHandler.Generate)
				letters.GET("", r.coverLetterHandler.List)
				letters.GET("/:id", r.coverLetterHandler.Get)
				letters.DELETE("/:id", r.coverLetterHandler.Delete)
			}
		}
	}

	return engine
}
