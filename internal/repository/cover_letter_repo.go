package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/internal/model"
)

type CoverLetterRepository struct {
	db *gorm.DB
}

func NewCoverLetterRepository(db *gorm.DB) *CoverLetterRepository {
	return &CoverLetterRepository{db: db}
}

func (r *CoverLetterRepository) Create(ctx context.Context, letter *model.CoverLetter) error {
	return r.db.WithContext(ctx).Create(letter).Error
}

func (r *CoverLetterRepository) GetByID(ctx context.Context, id int64) (*model.CoverLetter, error) {
	var letter model.CoverLetter
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&letter).Error
	if err != nil {
		return nil, err
	}
	return &letter, nil
}

func (r *CoverLetterRepository) UpdateFields(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.CoverLetter{}).Where("id = ?", id).Updates(fields).Error
}

func (r *CoverLetterRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]model.CoverLetter, int64, error) {
	var list []model.CoverLetter
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CoverLetter{}).Where("user_id = ?", userID)
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

func (r *CoverLetterRepository) Delete(ctx context.Context, id int64, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.CoverLetter{})
	return result.RowsAffected, result.Error
}
