package cron

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/coverletter_server/internal/service"
)

const (
	defaultAuditInterval = time.Hour
	defaultRetryInterval = time.Minute
	retryBatchSize       = 100
)

type Service struct {
	entitlementService *service.EntitlementService
	webhookService     *service.WebhookService
	auditInterval      time.Duration
	retryInterval      time.Duration
	stopChan           chan struct{}
	stopOnce           sync.Once
}

func NewService(
	entitlementService *service.EntitlementService,
	webhookService *service.WebhookService,
	auditInterval time.Duration,
	retryInterval time.Duration,
) *Service {
	if auditInterval <= 0 {
		auditInterval = defaultAuditInterval
	}
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &Service{
		entitlementService: entitlementService,
		webhookService:     webhookService,
		auditInterval:      auditInterval,
		retryInterval:      retryInterval,
		stopChan:           make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	if s.entitlementService != nil {
		go s.loop(s.auditInterval, s.runAudit)
	}
	if s.webhookService != nil {
		go s.loop(s.retryInterval, s.runWebhookRetry)
	}
	log.Info().
		Dur("audit_interval", s.auditInterval).
		Dur("retry_interval", s.retryInterval).
		Msg("cron service started")
}

// Stop 停止定时任务，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		log.Info().Msg("cron service stopped")
	})
}

func (s *Service) loop(interval time.Duration, task func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			task(ctx)
			cancel()
		}
	}
}

// runAudit 余额与流水对账，不一致只告警不修正
func (s *Service) runAudit(ctx context.Context) {
	checked, mismatches, err := s.entitlementService.AuditAll(ctx)
	if err != nil {
		log.Error().Err(err).Int("checked", checked).Msg("entitlement audit aborted")
		return
	}
	event := log.Info()
	if len(mismatches) > 0 {
		event = log.Error()
	}
	event.Int("checked", checked).Int("mismatches", len(mismatches)).Msg("entitlement audit finished")
}

// runWebhookRetry 重试处理失败或未入队的回调事件
func (s *Service) runWebhookRetry(ctx context.Context) {
	done, err := s.webhookService.RetryPending(ctx, retryBatchSize)
	if err != nil {
		log.Warn().Err(err).Int("processed", done).Msg("webhook retry interrupted")
		return
	}
	if done > 0 {
		log.Info().Int("processed", done).Msg("pending webhooks processed")
	}
}

// RunNow 立即执行一次对账和回调重试（用于测试或手动触发）
func (s *Service) RunNow(ctx context.Context) {
	if s.entitlementService != nil {
		s.runAudit(ctx)
	}
	if s.webhookService != nil {
		s.runWebhookRetry(ctx)
	}
}
