package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/app"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log, "worker")

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	if a.Queue == nil {
		log.Fatal().Msg("worker requires redis")
	}

	// 监听退出信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := worker.NewProcessor(a.Queue, a.Webhooks, cfg.Queue.MaxWorkers)
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
	}
	log.Info().Msg("worker shutdown complete")
}
