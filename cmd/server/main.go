package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/api"
	"github.com/qs3c/coverletter_server/internal/api/handler"
	"github.com/qs3c/coverletter_server/internal/app"
	"github.com/qs3c/coverletter_server/internal/pkg/cron"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/pubsub"
	"github.com/qs3c/coverletter_server/internal/pkg/ws"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log, "server")

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化 WebSocket Hub，余额变化经 Redis 广播到所有实例
	wsHub := ws.NewHub()
	if a.Redis != nil {
		go func() {
			if err := wsHub.RelayBalances(ctx, pubsub.NewSubscriber(a.Redis)); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("balance relay stopped")
			}
		}()
	}

	// 定时对账和回调补偿
	cronService := cron.NewService(
		a.Entitlements,
		a.Webhooks,
		time.Duration(cfg.Billing.AuditIntervalMinutes)*time.Minute,
		time.Minute,
	)
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Handler
	router := api.NewRouter(
		handler.NewEntitlementHandler(a.Entitlements),
		handler.NewBillingHandler(a.Checkout, a.Reconciler, a.Entitlements),
		handler.NewWebhookHandler(a.Webhooks),
		handler.NewCoverLetterHandler(a.Generation),
		handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins),
		a.Entitlements,
		cfg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
