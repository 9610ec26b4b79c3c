package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水，external_ref 重复时返回 gorm.ErrDuplicatedKey
func (r *TransactionRepository) Create(ctx context.Context, tx *model.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.CreditTransaction, error) {
	var tx model.CreditTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) GetByExternalRef(ctx context.Context, ref string) (*model.CreditTransaction, error) {
	var tx model.CreditTransaction
	err := r.db.WithContext(ctx).Where("external_ref = ?", ref).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) ExistsByExternalRef(ctx context.Context, ref string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("external_ref = ?", ref).Count(&count).Error
	return count > 0, err
}

// ListByUser 按时间倒序分页
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]model.CreditTransaction, int64, error) {
	var list []model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&list).Error

	return list, total, err
}

type resourceSum struct {
	Resource string
	Total    int
}

// SumByResource 按资源汇总流水金额
func (r *TransactionRepository) SumByResource(ctx context.Context, userID string) (map[string]int, error) {
	var rows []resourceSum
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Select("resource, SUM(amount) AS total").
		Where("user_id = ?", userID).
		Group("resource").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[string]int, len(rows))
	for _, row := range rows {
		sums[row.Resource] = row.Total
	}
	return sums, nil
}

// CountUsage 统计某资源上的 usage 流水条数
func (r *TransactionRepository) CountUsage(ctx context.Context, userID, resource string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("user_id = ? AND type = ? AND resource = ?", userID, model.TransactionUsage, resource).
		Count(&count).Error
	return count, err
}
