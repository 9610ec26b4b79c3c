package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/coverletter_server/internal/model/dto"
)

const balanceKeyPrefix = "balance:"

// BalanceCache 余额读缓存，只用于展示，扣费始终走数据库
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID string) string {
	return balanceKeyPrefix + userID
}

// Get 未命中返回 nil, nil
func (c *BalanceCache) Get(ctx context.Context, userID string) (*dto.Balance, error) {
	data, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance cache: %w", err)
	}

	var b dto.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance cache: %w", err)
	}
	return &b, nil
}

func (c *BalanceCache) Set(ctx context.Context, b *dto.Balance) error {
	if c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance cache: %w", err)
	}
	return c.client.Set(ctx, balanceKey(b.UserID), data, c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, balanceKey(userID)).Err()
}
