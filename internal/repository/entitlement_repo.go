package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
)

type EntitlementRepository struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

func (r *EntitlementRepository) Create(ctx context.Context, e *model.UserEntitlement) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *EntitlementRepository) GetByUserID(ctx context.Context, userID string) (*model.UserEntitlement, error) {
	var e model.UserEntitlement
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ConsumeFreeGeneration 条件扣减一次免费生成，返回是否扣减成功
func (r *EntitlementRepository) ConsumeFreeGeneration(ctx context.Context, userID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ? AND free_generations_left > 0", userID).
		Update("free_generations_left", gorm.Expr("free_generations_left - 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ConsumeCredit 条件扣减一个积分，无限积分(-1)不会命中
func (r *EntitlementRepository) ConsumeCredit(ctx context.Context, userID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ? AND credits > 0", userID).
		Update("credits", gorm.Expr("credits - 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AddCredits 增加积分，无限积分用户不变
func (r *EntitlementRepository) AddCredits(ctx context.Context, userID string, amount int) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ? AND credits >= 0", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	return result.RowsAffected, result.Error
}

func (r *EntitlementRepository) AddFreeGenerations(ctx context.Context, userID string, amount int) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ?", userID).
		Update("free_generations_left", gorm.Expr("free_generations_left + ?", amount))
	return result.RowsAffected, result.Error
}

func (r *EntitlementRepository) SetUnlimited(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ?", userID).
		Update("credits", model.UnlimitedCredits).Error
}

func (r *EntitlementRepository) SetHasSubscription(ctx context.Context, userID string, has bool) error {
	return r.db.WithContext(ctx).Model(&model.UserEntitlement{}).
		Where("user_id = ?", userID).
		Update("has_subscription", has).Error
}

// ListAfter 按主键分批遍历，用于对账
func (r *EntitlementRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]model.UserEntitlement, error) {
	var list []model.UserEntitlement
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
