package app

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/database"
	"github.com/qs3c/coverletter_server/internal/pkg/cache"
	"github.com/qs3c/coverletter_server/internal/pkg/generator"
	"github.com/qs3c/coverletter_server/internal/pkg/payment"
	"github.com/qs3c/coverletter_server/internal/pkg/pubsub"
	"github.com/qs3c/coverletter_server/internal/pkg/queue"
	"github.com/qs3c/coverletter_server/internal/repository"
	"github.com/qs3c/coverletter_server/internal/service"
)

// App 各进程共用的依赖
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client // 未配置 redis.host 时为 nil
	Queue  *queue.Queue  // 未配置 Redis 时为 nil

	Gateway payment.Gateway
	Store   *repository.Store

	Entitlements *service.EntitlementService
	Reconciler   *service.ReconcilerService
	Checkout     *service.CheckoutService
	Webhooks     *service.WebhookService
	Generation   *service.GenerationService
}

// New 连接存储并组装服务，Redis 可选
func New(cfg *config.Config) (*App, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database connected")

	a := &App{Config: cfg, DB: db}

	var balanceCache *cache.BalanceCache
	var publisher *pubsub.Publisher
	if cfg.Redis.Host != "" {
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		a.Queue = queue.NewQueue(rdb, cfg.Queue.WebhookQueue)
		balanceCache = cache.NewBalanceCache(rdb, time.Duration(cfg.Billing.BalanceCacheTTLSeconds)*time.Second)
		publisher = pubsub.NewPublisher(rdb)
		log.Info().Msg("redis connected")
	} else {
		log.Warn().Msg("redis not configured, balance cache and push disabled")
	}

	a.Gateway = payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	a.Store = repository.NewStore(db)

	gen := generator.NewClient(
		cfg.Generator.Endpoint,
		cfg.Generator.APIKey,
		cfg.Generator.Model,
		time.Duration(cfg.Generator.TimeoutSeconds)*time.Second,
	)

	a.Entitlements = service.NewEntitlementService(a.Store, balanceCache, publisher, cfg)
	a.Reconciler = service.NewReconcilerService(a.Store, a.Gateway, a.Entitlements, cfg)
	a.Checkout = service.NewCheckoutService(a.Gateway, cfg)
	a.Webhooks = service.NewWebhookService(a.Store, a.Gateway, a.Reconciler, a.Queue, cfg.Queue.Async)
	a.Generation = service.NewGenerationService(a.Store, a.Entitlements, gen, cfg)

	return a, nil
}

// Close 释放连接
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
