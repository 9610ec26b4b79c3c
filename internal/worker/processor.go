package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qs3c/coverletter_server/internal/pkg/queue"
)

const defaultPopTimeout = 5 * time.Second

// MessageHandler 处理一条回调消息，返回错误时消息不会重新入队，由定时任务补偿
type MessageHandler interface {
	ProcessMessage(ctx context.Context, msg *queue.WebhookMessage) error
}

// Processor 回调事件消费者
type Processor struct {
	queue      *queue.Queue
	handler    MessageHandler
	workers    int
	popTimeout time.Duration
}

// NewProcessor 创建消费者，workers 小于 1 时按 1 处理
func NewProcessor(q *queue.Queue, handler MessageHandler, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		queue:      q,
		handler:    handler,
		workers:    workers,
		popTimeout: defaultPopTimeout,
	}
}

// Run 启动 workers 个消费协程，ctx 取消后等待全部退出
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	log.Info().Int("workers", p.workers).Msg("webhook workers started")
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			log.Debug().Int("worker", workerID).Msg("worker shutting down")
			return
		}

		msg, err := p.queue.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int("worker", workerID).Msg("pop webhook failed")
			p.backoff(ctx)
			continue
		}
		if msg == nil {
			continue
		}

		p.handle(ctx, workerID, msg)
	}
}

// handle 单条消息处理，ctx 取消时让当前事件处理完
func (p *Processor) handle(ctx context.Context, workerID int, msg *queue.WebhookMessage) {
	logger := log.With().
		Int("worker", workerID).
		Str("event_id", msg.EventID).
		Str("event_type", msg.EventType).
		Logger()

	err := p.handler.ProcessMessage(context.WithoutCancel(ctx), msg)
	switch {
	case err == nil:
		logger.Debug().Msg("webhook processed")
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("webhook processing canceled")
	default:
		logger.Warn().Err(err).Msg("webhook processing failed, left for retry")
	}
}

func (p *Processor) backoff(ctx context.Context) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
