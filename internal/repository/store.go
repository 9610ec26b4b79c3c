package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store 聚合所有仓储，Transaction 内的仓储共享同一个事务
type Store struct {
	db *gorm.DB

	Entitlements  *EntitlementRepository
	Transactions  *TransactionRepository
	Subscriptions *SubscriptionRepository
	WebhookEvents *WebhookEventRepository
	CoverLetters  *CoverLetterRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Entitlements:  NewEntitlementRepository(db),
		Transactions:  NewTransactionRepository(db),
		Subscriptions: NewSubscriptionRepository(db),
		WebhookEvents: NewWebhookEventRepository(db),
		CoverLetters:  NewCoverLetterRepository(db),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在一个数据库事务中执行 fn，fn 返回错误或 ctx 取消时回滚
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
