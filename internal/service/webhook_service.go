package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/pkg/metrics"
	"github.com/qs3c/coverletter_server/internal/pkg/payment"
	"github.com/qs3c/coverletter_server/internal/pkg/queue"
	"github.com/qs3c/coverletter_server/internal/repository"
)

const ProviderStripe = "stripe"

// MaxWebhookAttempts 超过后不再自动重试
const MaxWebhookAttempts = 5

// 处理的回调事件类型
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated         = "customer.subscription.created"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
)

// WebhookService 接收支付回调：验签、落库去重、入队或直接处理
type WebhookService struct {
	store      *repository.Store
	gateway    payment.Gateway
	reconciler *ReconcilerService
	queue      *queue.Queue
	async      bool
}

// NewWebhookService async 为 true 时事件交给 worker 处理
func NewWebhookService(
	store *repository.Store,
	gateway payment.Gateway,
	reconciler *ReconcilerService,
	q *queue.Queue,
	async bool,
) *WebhookService {
	return &WebhookService{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		queue:      q,
		async:      async && q != nil,
	}
}

// Receive 验签并记录事件，重复投递直接返回已有记录
func (s *WebhookService) Receive(ctx context.Context, payload []byte, signature string) (*model.WebhookEvent, error) {
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logger.Ctx(ctx).Warn().Err(err).Msg("webhook signature verification failed")
		return nil, ErrInvalidSignature
	}

	row := &model.WebhookEvent{
		Provider:  ProviderStripe,
		EventID:   ev.ID,
		EventType: ev.Type,
		ObjectID:  ev.ObjectID,
		Payload:   string(ev.Payload),
	}
	if err := s.store.WebhookEvents.Create(ctx, row); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, storeErr(err)
		}
		existing, getErr := s.store.WebhookEvents.GetByEventID(ctx, ProviderStripe, ev.ID)
		if getErr != nil {
			return nil, storeErr(getErr)
		}
		row = existing
		if row.ProcessedAt != nil {
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
			return row, nil
		}
	}

	if s.async {
		msg := &queue.WebhookMessage{
			EventRowID: row.ID,
			Provider:   row.Provider,
			EventID:    row.EventID,
			EventType:  row.EventType,
			ObjectID:   row.ObjectID,
			Attempt:    row.Attempts,
		}
		if err := s.queue.Push(ctx, msg); err != nil {
			// 已落库，定时任务会补偿
			logger.Ctx(ctx).Warn().Err(err).Str("event_id", row.EventID).Msg("enqueue webhook failed")
		}
		metrics.WebhookEventsTotal.WithLabelValues(row.EventType, "queued").Inc()
		return row, nil
	}

	if err := s.Process(ctx, row.ID); err != nil && !IsIntegrityFault(err) {
		return row, err
	}
	return row, nil
}

// Process 处理一条已落库的事件
// 可重试错误和权益缺失记录失败并返回，事件保持待处理；其他错误视为终态，只记录不再重试
func (s *WebhookService) Process(ctx context.Context, rowID int64) error {
	row, err := s.store.WebhookEvents.GetByID(ctx, rowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return storeErr(err)
	}
	if row.ProcessedAt != nil {
		return nil
	}

	log := logger.Ctx(ctx).With().
		Str("event_id", row.EventID).
		Str("event_type", row.EventType).
		Str("object_id", row.ObjectID).
		Logger()

	outcome := "processed"
	handleErr := s.dispatch(ctx, row)
	switch {
	case handleErr == nil:
	case IsRetryable(handleErr):
		if err := s.store.WebhookEvents.RecordFailure(ctx, row.ID, handleErr.Error()); err != nil {
			log.Warn().Err(err).Msg("record webhook failure failed")
		}
		metrics.WebhookEventsTotal.WithLabelValues(row.EventType, "retry").Inc()
		log.Warn().Err(handleErr).Int("attempts", row.Attempts+1).Msg("webhook processing failed, will retry")
		return handleErr
	case errors.Is(handleErr, context.Canceled), errors.Is(handleErr, context.DeadlineExceeded):
		return handleErr
	case IsIntegrityFault(handleErr):
		// 权益行可能稍后由 bootstrap 创建，保持待处理由定时任务重试
		if err := s.store.WebhookEvents.RecordFailure(ctx, row.ID, handleErr.Error()); err != nil {
			log.Warn().Err(err).Msg("record webhook failure failed")
		}
		metrics.WebhookEventsTotal.WithLabelValues(row.EventType, "integrity_fault").Inc()
		log.Error().Err(handleErr).Int("attempts", row.Attempts+1).Msg("webhook references missing entitlement")
		return handleErr
	default:
		outcome = "rejected"
		log.Info().Err(handleErr).Msg("webhook rejected")
	}

	lastError := ""
	if handleErr != nil {
		lastError = handleErr.Error()
	}
	if err := s.store.WebhookEvents.MarkProcessed(ctx, row.ID, lastError); err != nil {
		return storeErr(err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(row.EventType, outcome).Inc()
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, row *model.WebhookEvent) error {
	switch row.EventType {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceed:
		_, err := s.reconciler.ReconcileCheckout(ctx, row.ObjectID)
		if errors.Is(err, ErrPaymentNotCompleted) {
			// 异步支付稍后会收到 async_payment_succeeded
			return nil
		}
		return err
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		_, err := s.reconciler.SyncSubscription(ctx, row.ObjectID)
		return err
	default:
		return nil
	}
}

// ProcessMessage worker 从队列取到消息后调用
func (s *WebhookService) ProcessMessage(ctx context.Context, msg *queue.WebhookMessage) error {
	return s.Process(ctx, msg.EventRowID)
}

// RetryPending 重新处理未完成的事件，返回成功处理的数量
func (s *WebhookService) RetryPending(ctx context.Context, limit int) (int, error) {
	rows, err := s.store.WebhookEvents.ListPending(ctx, MaxWebhookAttempts, limit)
	if err != nil {
		return 0, storeErr(err)
	}

	done := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := s.Process(ctx, row.ID); err != nil {
			continue
		}
		done++
	}
	return done, nil
}
