package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelBalanceChanged = "balance_changed"
)

// 余额变化原因
const (
	ReasonConsume      = "consume"
	ReasonRefund       = "refund"
	ReasonPurchase     = "purchase"
	ReasonSubscription = "subscription"
	ReasonGrant        = "grant"
)

// BalanceMessage 余额变化通知
type BalanceMessage struct {
	Type                string `json:"type"`
	UserID              string `json:"user_id"`
	Reason              string `json:"reason"`
	Credits             int    `json:"credits"`
	Unlimited           bool   `json:"unlimited"`
	FreeGenerationsLeft int    `json:"free_generations_left"`
	HasSubscription     bool   `json:"has_subscription"`
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishBalance 发布余额变化
func (p *Publisher) PublishBalance(ctx context.Context, msg *BalanceMessage) error {
	msg.Type = "balance_changed"

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal balance message: %w", err)
	}

	return p.client.Publish(ctx, ChannelBalanceChanged, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅余额变化，ctx 取消时返回
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*BalanceMessage)) error {
	ps := s.client.Subscribe(ctx, ChannelBalanceChanged)
	defer ps.Close()

	// 等待订阅确认，保证之后的发布不会丢
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}

	ch := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var balanceMsg BalanceMessage
			if err := json.Unmarshal([]byte(msg.Payload), &balanceMsg); err != nil {
				continue
			}

			handler(&balanceMsg)
		}
	}
}
