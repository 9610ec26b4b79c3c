package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create stripe_subscription_id 重复时返回 gorm.ErrDuplicatedKey
func (r *SubscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// LatestForUser 最近更新的订阅
func (r *SubscriptionRepository) LatestForUser(ctx context.Context, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	var list []model.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}

// HasEntitling 是否存在状态有效且 cancel_at 未到期的订阅
func (r *SubscriptionRepository) HasEntitling(ctx context.Context, userID string, statuses []string, now time.Time) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Where("cancel_at IS NULL OR cancel_at > ?", now.UTC()).
		Count(&count).Error
	return count > 0, err
}
