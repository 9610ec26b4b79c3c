package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create 同一 provider 事件重复投递时返回 gorm.ErrDuplicatedKey
func (r *WebhookEventRepository) Create(ctx context.Context, ev *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id int64) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *WebhookEventRepository) GetByEventID(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id int64, lastError string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processed_at": &now,
		"last_error":   lastError,
		"attempts":     gorm.Expr("attempts + 1"),
	}).Error
}

func (r *WebhookEventRepository) RecordFailure(ctx context.Context, id int64, lastError string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_error": lastError,
		"attempts":   gorm.Expr("attempts + 1"),
	}).Error
}

// ListPending 未处理且重试次数未超限的事件
func (r *WebhookEventRepository) ListPending(ctx context.Context, maxAttempts, limit int) ([]model.WebhookEvent, error) {
	var list []model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND attempts < ?", maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
